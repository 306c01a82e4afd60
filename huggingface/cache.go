// cache.go - Cache-Management im huggingface_hub Layout
//
// Struktur: <cache>/<models|datasets>--owner--name/{refs,snapshots}/...
// refs/<revision> enthaelt den Commit, snapshots/<commit> die Dateien.
package huggingface

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cache-Konstanten
const (
	CacheRefDir        = "refs"
	CacheSnapshotDir   = "snapshots"
	CacheModelPrefix   = "models--"
	CacheDatasetPrefix = "datasets--"
)

// Cache-Fehler
var (
	ErrNotInCache        = errors.New("repository not in cache")
	ErrCacheAccessDenied = errors.New("cache access denied")
)

// CachedRepo repraesentiert ein gecachtes Repository
type CachedRepo struct {
	Type      RepoType
	RepoID    string
	CacheDir  string
	Revisions []string
	TotalSize int64
	FileCount int
}

func repoFolder(typ RepoType, repoID string) string {
	prefix := CacheModelPrefix
	if typ == RepoDataset {
		prefix = CacheDatasetPrefix
	}
	return prefix + strings.ReplaceAll(repoID, "/", "--")
}

func folderToRepo(name string) (RepoType, string, bool) {
	for typ, prefix := range map[RepoType]string{RepoModel: CacheModelPrefix, RepoDataset: CacheDatasetPrefix} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			return typ, strings.Replace(rest, "--", "/", 1), true
		}
	}
	return "", "", false
}

// repoDir gibt das Cache-Verzeichnis eines Repositories zurueck
func (c *Client) repoDir(typ RepoType, repoID string) string {
	return filepath.Join(c.cacheDir, repoFolder(typ, repoID))
}

// snapshotDir gibt das Snapshot-Verzeichnis fuer einen Commit zurueck
func (c *Client) snapshotDir(typ RepoType, repoID, commit string) string {
	return filepath.Join(c.repoDir(typ, repoID), CacheSnapshotDir, commit)
}

// writeRef speichert den Commit einer Revision
func (c *Client) writeRef(typ RepoType, repoID, revision, commit string) error {
	if commit == "" || commit == revision {
		return nil
	}
	p := filepath.Join(c.repoDir(typ, repoID), CacheRefDir, revision)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(commit), 0o644)
}

// CachedSnapshot gibt den Snapshot einer Revision zurueck, falls er existiert
func (c *Client) CachedSnapshot(typ RepoType, repoID, revision string) (string, bool) {
	if revision == "" {
		revision = DefaultRevision
	}

	commit := revision
	if bts, err := os.ReadFile(filepath.Join(c.repoDir(typ, repoID), CacheRefDir, revision)); err == nil {
		commit = strings.TrimSpace(string(bts))
	}

	dir := c.snapshotDir(typ, repoID, commit)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return dir, true
	}
	return "", false
}

// ListCached gibt alle gecachten Repositories zurueck
func (c *Client) ListCached() ([]CachedRepo, error) {
	entries, err := os.ReadDir(c.cacheDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		if os.IsPermission(err) {
			return nil, ErrCacheAccessDenied
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}

	var repos []CachedRepo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		typ, id, ok := folderToRepo(entry.Name())
		if !ok {
			continue
		}

		repo := CachedRepo{Type: typ, RepoID: id, CacheDir: filepath.Join(c.cacheDir, entry.Name())}
		if revisions, err := os.ReadDir(filepath.Join(repo.CacheDir, CacheSnapshotDir)); err == nil {
			for _, rev := range revisions {
				if rev.IsDir() {
					repo.Revisions = append(repo.Revisions, rev.Name())
				}
			}
		}
		repo.TotalSize, repo.FileCount = getDirSizeAndCount(repo.CacheDir)
		repos = append(repos, repo)
	}
	return repos, nil
}

// RemoveCached loescht ein Repository aus dem Cache
func (c *Client) RemoveCached(typ RepoType, repoID string) error {
	dir := c.repoDir(typ, repoID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotInCache, repoID)
	}
	return os.RemoveAll(dir)
}

func getDirSizeAndCount(path string) (int64, int) {
	var size int64
	var count int
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
			count++
		}
		return nil
	})
	return size, count
}

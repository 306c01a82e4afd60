// download.go - Download-Logik fuer Hub-Repositories
// Unterstuetzt Progress-Callbacks, Revisions, Resume und parallele Downloads.
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Download-Konstanten
const (
	DefaultChunkSize       = 1024 * 1024 // 1 MB
	MaxDownloadRetries     = 3
	ProgressUpdateInterval = 100 * time.Millisecond
	DefaultParallelism     = 4
)

// DownloadRetryDelay ist die Wartezeit zwischen zwei Versuchen
var DownloadRetryDelay = 2 * time.Second

// DownloadResult enthaelt das Ergebnis eines Repository-Downloads
type DownloadResult struct {
	RepoID       string
	Revision     string
	Commit       string
	CachePath    string
	Files        []DownloadedFile
	TotalSize    int64
	DownloadTime time.Duration
}

// DownloadedFile repraesentiert eine heruntergeladene Datei
type DownloadedFile struct {
	Filename  string
	LocalPath string
	Size      int64
	FromCache bool
}

// ProgressCallback wird waehrend des Downloads aufgerufen
type ProgressCallback func(downloaded, total int64)

// DownloadOption konfiguriert einen Download
type DownloadOption func(*downloadConfig)

type downloadConfig struct {
	revision        string
	progressFn      ProgressCallback
	parallelism     int
	includePatterns []string
	excludePatterns []string
}

// WithDownloadRevision setzt die Git-Revision fuer den Download
func WithDownloadRevision(revision string) DownloadOption {
	return func(cfg *downloadConfig) {
		if revision != "" {
			cfg.revision = revision
		}
	}
}

// WithDownloadProgress setzt den Progress-Callback
func WithDownloadProgress(fn ProgressCallback) DownloadOption {
	return func(cfg *downloadConfig) { cfg.progressFn = fn }
}

// WithDownloadParallelism setzt die Anzahl paralleler Downloads
func WithDownloadParallelism(n int) DownloadOption {
	return func(cfg *downloadConfig) {
		if n > 0 {
			cfg.parallelism = n
		}
	}
}

// WithIncludePatterns filtert Dateien nach Glob-Patterns
func WithIncludePatterns(patterns ...string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.includePatterns = patterns }
}

// WithExcludePatterns schliesst Dateien nach Glob-Patterns aus
func WithExcludePatterns(patterns ...string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.excludePatterns = patterns }
}

// DownloadModel laedt ein Modell-Repository in den Cache
func (c *Client) DownloadModel(ctx context.Context, modelID string, opts ...DownloadOption) (*DownloadResult, error) {
	return c.DownloadRepo(ctx, RepoModel, modelID, opts...)
}

// DownloadRepo laedt alle passenden Dateien eines Repositories herunter
func (c *Client) DownloadRepo(ctx context.Context, typ RepoType, repoID string, opts ...DownloadOption) (*DownloadResult, error) {
	startTime := time.Now()
	cfg := &downloadConfig{revision: DefaultRevision, parallelism: DefaultParallelism}
	for _, opt := range opts {
		opt(cfg)
	}

	info, err := c.GetRepoInfo(ctx, typ, repoID, cfg.revision)
	if err != nil {
		return nil, err
	}
	filesToDownload := filterDownloadFiles(info.Siblings, cfg)
	if len(filesToDownload) == 0 {
		return nil, &HuggingFaceError{Op: "download", RepoID: repoID, Err: fmt.Errorf("%w: no files match %v", ErrFileNotFound, cfg.includePatterns)}
	}

	commit := info.SHA
	if commit == "" {
		commit = cfg.revision
	}
	snapshotDir := c.snapshotDir(typ, repoID, commit)

	var totalSize int64
	for _, f := range filesToDownload {
		totalSize += f.Size
	}

	var downloadedBytes int64
	var progressMu sync.Mutex
	lastProgressUpdate := time.Now()
	updateProgress := func(bytes int64) {
		if cfg.progressFn == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		downloadedBytes += bytes
		now := time.Now()
		if now.Sub(lastProgressUpdate) >= ProgressUpdateInterval {
			cfg.progressFn(downloadedBytes, totalSize)
			lastProgressUpdate = now
		}
	}

	results := make([]DownloadedFile, len(filesToDownload))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.parallelism)
	for i, f := range filesToDownload {
		g.Go(func() error {
			localPath := filepath.Join(snapshotDir, f.Filename)
			fromCache := false
			if stat, err := os.Stat(localPath); err == nil && (f.Size == 0 || stat.Size() == f.Size) {
				fromCache = true
				updateProgress(f.Size)
			} else {
				u := c.resolveURL(typ, repoID, commit, f.Filename)
				if err := c.downloadWithRetry(gctx, u, localPath, updateProgress); err != nil {
					return &HuggingFaceError{Op: "download", RepoID: repoID, Err: fmt.Errorf("%s: %w", f.Filename, err)}
				}
			}
			results[i] = DownloadedFile{Filename: f.Filename, LocalPath: localPath, Size: f.Size, FromCache: fromCache}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := c.writeRef(typ, repoID, cfg.revision, commit); err != nil {
		return nil, err
	}
	if cfg.progressFn != nil {
		cfg.progressFn(totalSize, totalSize)
	}

	slog.Debug("repository downloaded", "repo", repoID, "revision", cfg.revision, "files", len(results), "bytes", totalSize)
	return &DownloadResult{
		RepoID: repoID, Revision: cfg.revision, Commit: commit, CachePath: snapshotDir,
		Files: results, TotalSize: totalSize, DownloadTime: time.Since(startTime),
	}, nil
}

// DownloadFile laedt eine einzelne Datei in den Snapshot der Revision
func (c *Client) DownloadFile(ctx context.Context, typ RepoType, repoID, revision, filename string) (string, error) {
	if err := validateRepoID(repoID); err != nil {
		return "", err
	}
	if filename == "" {
		return "", fmt.Errorf("%w: empty filename", ErrFileNotFound)
	}
	if revision == "" {
		revision = DefaultRevision
	}

	if dir, ok := c.CachedSnapshot(typ, repoID, revision); ok {
		if p := filepath.Join(dir, filename); fileExists(p) {
			return p, nil
		}
	}

	target := filepath.Join(c.snapshotDir(typ, repoID, revision), filename)
	if err := c.downloadWithRetry(ctx, c.resolveURL(typ, repoID, revision, filename), target, nil); err != nil {
		return "", &HuggingFaceError{Op: "download", RepoID: repoID, Err: fmt.Errorf("%s: %w", filename, err)}
	}
	return target, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (c *Client) downloadWithRetry(ctx context.Context, url, targetPath string, progressFn func(int64)) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	var lastErr error
	for attempt := range MaxDownloadRetries {
		if attempt > 0 {
			slog.Debug("retrying download", "url", url, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DownloadRetryDelay):
			}
		}
		err := c.doDownload(ctx, url, targetPath, progressFn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrDownloadFailed, lastErr)
}

// retryable meldet, ob ein weiterer Versuch sinnvoll ist
func retryable(err error) bool {
	for _, permanent := range []error{ErrModelNotFound, ErrUnauthorized, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

func (c *Client) doDownload(ctx context.Context, url, targetPath string, progressFn func(int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	var existingSize int64
	tmpPath := targetPath + ".download"
	if stat, err := os.Stat(tmpPath); err == nil {
		existingSize = stat.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && existingSize > 0 {
		// Server ignoriert Range, von vorne beginnen
		existingSize = 0
		os.Remove(tmpPath)
	} else if err := c.handleResponseError(resp); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if existingSize > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	buf := make([]byte, DefaultChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if progressFn != nil {
				progressFn(int64(n))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, targetPath)
}

func filterDownloadFiles(siblings []APISibling, cfg *downloadConfig) []APISibling {
	var result []APISibling
	for _, s := range siblings {
		if len(cfg.includePatterns) > 0 && !matchAny(cfg.includePatterns, s.Filename) {
			continue
		}
		if matchAny(cfg.excludePatterns, s.Filename) {
			continue
		}
		result = append(result, s)
	}
	return result
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if m, _ := filepath.Match(pattern, name); m {
			return true
		}
	}
	return false
}

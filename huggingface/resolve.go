package huggingface

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
)

// ModelPatterns sind die Dateien, die fuer Tokenizer und Gewichte benoetigt werden
var ModelPatterns = []string{
	"*.json",
	"*.safetensors",
	"tokenizer.model",
	"merges.txt",
	"vocab.json",
}

// TorchPatterns werden verwendet, wenn ein Repository keine safetensors enthaelt
var TorchPatterns = []string{"*.json", "*.bin", "tokenizer.model", "merges.txt", "vocab.json"}

// Resolve gibt ein lokales Verzeichnis fuer einen Pfad oder eine Hub-ID zurueck.
// Lokale Verzeichnisse haben Vorrang, danach der Cache, zuletzt der Download.
func (c *Client) Resolve(ctx context.Context, idOrPath, revision string, patterns ...string) (string, error) {
	if stat, err := os.Stat(idOrPath); err == nil {
		if !stat.IsDir() {
			return "", fmt.Errorf("%s is not a directory", idOrPath)
		}
		return idOrPath, nil
	}

	if !IsRepoID(idOrPath) {
		return "", fmt.Errorf("%w: %q is neither a local directory nor a hub id", ErrInvalidRepoID, idOrPath)
	}

	if dir, ok := c.CachedSnapshot(RepoModel, idOrPath, revision); ok {
		slog.Debug("using cached snapshot", "repo", idOrPath, "dir", dir)
		return dir, nil
	}

	if len(patterns) == 0 {
		patterns = ModelPatterns
	}
	res, err := c.DownloadModel(ctx, idOrPath, WithDownloadRevision(revision), WithIncludePatterns(patterns...))
	if err != nil {
		return "", err
	}

	if !hasWeights(res.Files) && slices.Equal(patterns, ModelPatterns) {
		slog.Info("no safetensors weights found, downloading pytorch checkpoint", "repo", idOrPath)
		res, err = c.DownloadModel(ctx, idOrPath, WithDownloadRevision(revision), WithIncludePatterns(TorchPatterns...))
		if err != nil {
			return "", err
		}
	}
	return res.CachePath, nil
}

func hasWeights(files []DownloadedFile) bool {
	for _, f := range files {
		if filepath.Ext(f.Filename) == ".safetensors" {
			return true
		}
	}
	return false
}

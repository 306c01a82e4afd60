// datasets.go - Dataset-Zugriff ueber die Parquet-Konvertierung des Hubs
//
// Hauptfunktionen:
// - GetDatasetParquetFiles: Listet die Parquet-Shards eines Splits
// - DownloadDatasetParquet: Laedt alle Shards eines Splits in den Cache
package huggingface

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultDatasetConfig ist der Name der Standard-Konfiguration
const DefaultDatasetConfig = "default"

// ParquetIndex bildet Konfiguration -> Split -> Shard-URLs ab
type ParquetIndex map[string]map[string][]string

// GetDatasetParquetIndex listet alle konvertierten Parquet-Shards eines Datasets
func (c *Client) GetDatasetParquetIndex(ctx context.Context, datasetID string) (ParquetIndex, error) {
	if err := validateRepoID(datasetID); err != nil {
		return nil, err
	}

	var idx ParquetIndex
	if err := c.getJSON(ctx, fmt.Sprintf("%s/datasets/%s/parquet", c.apiURL, datasetID), &idx); err != nil {
		return nil, &HuggingFaceError{Op: "parquet", RepoID: datasetID, Err: err}
	}
	return idx, nil
}

// resolveConfig waehlt die Konfiguration, wenn keine angegeben ist
func (idx ParquetIndex) resolveConfig(config string) (string, error) {
	if config != "" {
		if _, ok := idx[config]; !ok {
			return "", fmt.Errorf("%w: config %q (available: %s)", ErrFileNotFound, config, strings.Join(slices.Sorted(maps.Keys(idx)), ", "))
		}
		return config, nil
	}
	if _, ok := idx[DefaultDatasetConfig]; ok {
		return DefaultDatasetConfig, nil
	}
	if len(idx) == 1 {
		for name := range idx {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: dataset has several configs, choose one of %s", ErrFileNotFound, strings.Join(slices.Sorted(maps.Keys(idx)), ", "))
}

// GetDatasetParquetFiles gibt die Shard-URLs eines Splits zurueck
func (c *Client) GetDatasetParquetFiles(ctx context.Context, datasetID, config, split string) ([]string, error) {
	idx, err := c.GetDatasetParquetIndex(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	config, err = idx.resolveConfig(config)
	if err != nil {
		return nil, &HuggingFaceError{Op: "parquet", RepoID: datasetID, Err: err}
	}

	urls, ok := idx[config][split]
	if !ok {
		return nil, &HuggingFaceError{Op: "parquet", RepoID: datasetID, Err: fmt.Errorf("%w: split %q in config %q (available: %s)",
			ErrFileNotFound, split, config, strings.Join(slices.Sorted(maps.Keys(idx[config])), ", "))}
	}
	return urls, nil
}

// DownloadDatasetFile laedt eine Shard-URL nach datasets--owner--name/parquet/<config>/<split>
func (c *Client) DownloadDatasetFile(ctx context.Context, datasetID, config, split, shardURL string) (string, error) {
	u, err := url.Parse(shardURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !u.IsAbs() {
		shardURL = c.baseURL + "/" + strings.TrimPrefix(shardURL, "/")
	}

	target := filepath.Join(c.repoDir(RepoDataset, datasetID), "parquet", config, split, path.Base(u.Path))
	if fileExists(target) {
		return target, nil
	}
	if err := c.downloadWithRetry(ctx, shardURL, target, nil); err != nil {
		return "", &HuggingFaceError{Op: "download", RepoID: datasetID, Err: err}
	}
	return target, nil
}

// DownloadDatasetParquet laedt alle Shards eines Splits und gibt die lokalen Pfade zurueck
func (c *Client) DownloadDatasetParquet(ctx context.Context, datasetID, config, split string) ([]string, error) {
	idx, err := c.GetDatasetParquetIndex(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if config, err = idx.resolveConfig(config); err != nil {
		return nil, &HuggingFaceError{Op: "parquet", RepoID: datasetID, Err: err}
	}

	urls, err := c.GetDatasetParquetFiles(ctx, datasetID, config, split)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(urls))
	for _, u := range urls {
		p, err := c.DownloadDatasetFile(ctx, datasetID, config, split, u)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// weights.go - Gewichtsquellen fuer HF-Checkpoints
//
// Hauptfunktionen:
// - OpenWeights: Erkennt safetensors (einzeln oder geshardet) und pytorch_model.bin
// - Weights: Einheitlicher Zugriff auf Tensoren nach HF-Namen
package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/fimtune/fimtune/fs/safetensors"
	"github.com/fimtune/fimtune/nn"
)

// shardIndex entspricht *.index.json
type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// Weights ist eine geoeffnete Gewichtsquelle
type Weights struct {
	format string
	names  []string
	get    func(name string) ([]float32, []int, error)
	close  func()
}

// Format gibt "safetensors" oder "pytorch" zurueck
func (w *Weights) Format() string { return w.format }

// Names gibt alle Tensor-Namen sortiert zurueck
func (w *Weights) Names() []string { return w.names }

// Has meldet, ob name vorhanden ist
func (w *Weights) Has(name string) bool {
	_, ok := slices.BinarySearch(w.names, name)
	return ok
}

// Get laedt name als 2D-Tensor; 1D-Gewichte werden zu [1 x n]
func (w *Weights) Get(name string) (*nn.Tensor, error) {
	data, shape, err := w.get(name)
	if err != nil {
		return nil, err
	}

	switch len(shape) {
	case 1:
		return nn.New(1, shape[0], data), nil
	case 2:
		return nn.New(shape[0], shape[1], data), nil
	default:
		return nil, fmt.Errorf("tensor %s has unsupported rank %d", name, len(shape))
	}
}

// Close gibt gehaltene Ressourcen frei
func (w *Weights) Close() {
	if w.close != nil {
		w.close()
	}
}

// OpenWeights oeffnet die Gewichte in dir; safetensors haben Vorrang
func OpenWeights(dir string) (*Weights, error) {
	candidates := []struct {
		file string
		open func(string) (*Weights, error)
	}{
		{"model.safetensors.index.json", openShardedSafetensors},
		{"model.safetensors", openSafetensors},
		{"pytorch_model.bin.index.json", openShardedTorch},
		{"pytorch_model.bin", openTorch},
	}

	for _, c := range candidates {
		p := filepath.Join(dir, c.file)
		if _, err := os.Stat(p); err == nil {
			return c.open(p)
		}
	}

	return nil, fmt.Errorf("%w in %s", ErrNoWeights, dir)
}

func readShardIndex(path string) (map[string]string, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var idx shardIndex
	if err := json.Unmarshal(bts, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", filepath.Base(path))
	}
	return idx.WeightMap, nil
}

func openSafetensors(path string) (*Weights, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	return &Weights{format: "safetensors", names: f.Names(), get: f.Float32}, nil
}

func openShardedSafetensors(path string) (*Weights, error) {
	weightMap, err := readShardIndex(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	shards := make(map[string]*safetensors.File)
	for _, shard := range weightMap {
		if _, ok := shards[shard]; ok {
			continue
		}
		f, err := safetensors.Open(filepath.Join(dir, shard))
		if err != nil {
			return nil, err
		}
		shards[shard] = f
	}

	return &Weights{
		format: "safetensors",
		names:  slices.Sorted(maps.Keys(weightMap)),
		get: func(name string) ([]float32, []int, error) {
			shard, ok := weightMap[name]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s", safetensors.ErrTensorNotFound, name)
			}
			return shards[shard].Float32(name)
		},
	}, nil
}

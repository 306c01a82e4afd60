package model

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// torchState ist ein geladenes state_dict
type torchState map[string]*pytorch.Tensor

func loadTorch(path string) (torchState, error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	state := make(torchState)
	add := func(k, t any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("%s: unexpected key %v", filepath.Base(path), k)
		}
		tensor, ok := t.(*pytorch.Tensor)
		if !ok {
			// nicht-Tensor Eintraege (z.B. Buffer-Metadaten) ignorieren
			return nil
		}
		state[name] = tensor
		return nil
	}

	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if err := add(k, d.MustGet(k)); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for k, entry := range d.Map {
			if err := add(k, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%s: unexpected checkpoint type %T", filepath.Base(path), v)
	}

	return state, nil
}

// torchFloat32 gibt die Daten des Tensors zusammenhaengend in Zeilen-Reihenfolge zurueck
func torchFloat32(t *pytorch.Tensor) ([]float32, []int, error) {
	var data []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return nil, nil, fmt.Errorf("unsupported torch storage %T", t.Source)
	}

	n := 1
	for _, d := range t.Size {
		n *= d
	}

	out := make([]float32, n)
	idx := make([]int, len(t.Size))
	for i := range out {
		off := t.StorageOffset
		for d, j := range idx {
			off += j * t.Stride[d]
		}
		if off >= len(data) {
			return nil, nil, fmt.Errorf("torch tensor offset %d outside storage of %d", off, len(data))
		}
		out[i] = data[off]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}

	return out, slices.Clone(t.Size), nil
}

func (s torchState) get(name string) ([]float32, []int, error) {
	t, ok := s[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	data, shape, err := torchFloat32(t)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return data, shape, nil
}

func openTorch(path string) (*Weights, error) {
	state, err := loadTorch(path)
	if err != nil {
		return nil, err
	}
	return &Weights{format: "pytorch", names: slices.Sorted(maps.Keys(state)), get: state.get}, nil
}

func openShardedTorch(path string) (*Weights, error) {
	weightMap, err := readShardIndex(path)
	if err != nil {
		return nil, err
	}

	state := make(torchState)
	loaded := make(map[string]bool)
	dir := filepath.Dir(path)
	for _, shard := range slices.Sorted(maps.Values(weightMap)) {
		if loaded[shard] {
			continue
		}
		loaded[shard] = true

		s, err := loadTorch(filepath.Join(dir, shard))
		if err != nil {
			return nil, err
		}
		for name, t := range s {
			if _, ok := weightMap[name]; ok {
				state[name] = t
			}
		}
	}

	return &Weights{format: "pytorch", names: slices.Sorted(maps.Keys(state)), get: state.get}, nil
}

// save.go - Speichern und Laden von Adaptern im PEFT-Layout
//
// Hauptfunktionen:
// - Save: adapter_config.json + adapter_model.safetensors
// - Load: Liest einen gespeicherten Adapter
// - Apply: Setzt geladene Gewichte in ein gewrapptes Modell
package lora

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fimtune/fimtune/fs/safetensors"
	"github.com/fimtune/fimtune/nn"
)

const (
	ConfigFile  = "adapter_config.json"
	WeightsFile = "adapter_model.safetensors"

	// KeyPrefix ist das PEFT-Praefix vor dem Modulnamen
	KeyPrefix = "base_model.model."
)

// ErrInvalidAdapter - Adapter-Datei passt nicht zur Konfiguration
var ErrInvalidAdapter = errors.New("lora: invalid adapter")

// Save schreibt Konfiguration und Adapter-Gewichte nach dir
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cfg := m.Config
	cfg.InferenceMode = true
	bts, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), append(bts, '\n'), 0o644); err != nil {
		return err
	}

	var tensors []safetensors.Tensor
	for _, name := range m.modules {
		l := m.layers[name]
		tensors = append(tensors,
			safetensors.Tensor{Name: KeyPrefix + name + ".lora_A.weight", Shape: []int{l.A.Rows, l.A.Cols}, Data: l.A.Data},
			safetensors.Tensor{Name: KeyPrefix + name + ".lora_B.weight", Shape: []int{l.B.Rows, l.B.Cols}, Data: l.B.Data},
		)
	}

	// atomar ueber temporaere Datei schreiben
	tmp, err := os.CreateTemp(dir, ".adapter-*.safetensors")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := safetensors.Write(tmp, tensors, map[string]string{"format": "pt"}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, WeightsFile))
}

// Adapter ist ein gespeicherter LoRA-Adapter
type Adapter struct {
	Config Config

	// Modules in Datei-Reihenfolge, ohne KeyPrefix
	Modules []string
	A, B    map[string]*nn.Tensor
}

// Load liest einen Adapter aus dir
func Load(dir string) (*Adapter, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}

	a := &Adapter{Config: cfg, A: make(map[string]*nn.Tensor), B: make(map[string]*nn.Tensor)}
	seen := make(map[string]bool)
	for _, key := range f.Names() {
		name, ok := strings.CutPrefix(key, KeyPrefix)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected tensor %s", ErrInvalidAdapter, key)
		}

		var dst map[string]*nn.Tensor
		switch {
		case strings.HasSuffix(name, ".lora_A.weight"):
			name, dst = strings.TrimSuffix(name, ".lora_A.weight"), a.A
		case strings.HasSuffix(name, ".lora_B.weight"):
			name, dst = strings.TrimSuffix(name, ".lora_B.weight"), a.B
		default:
			return nil, fmt.Errorf("%w: unexpected tensor %s", ErrInvalidAdapter, key)
		}

		data, shape, err := f.Float32(key)
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 {
			return nil, fmt.Errorf("%w: %s has rank %d", ErrInvalidAdapter, key, len(shape))
		}
		dst[name] = nn.New(shape[0], shape[1], data)

		if !seen[name] {
			seen[name] = true
			a.Modules = append(a.Modules, name)
		}
	}

	for _, name := range a.Modules {
		la, lb := a.A[name], a.B[name]
		if la == nil || lb == nil {
			return nil, fmt.Errorf("%w: %s needs lora_A and lora_B", ErrInvalidAdapter, name)
		}
		if la.Rows != cfg.R || lb.Cols != cfg.R {
			return nil, fmt.Errorf("%w: %s has rank %d/%d, config r=%d", ErrInvalidAdapter, name, la.Rows, lb.Cols, cfg.R)
		}
	}

	return a, nil
}

// Apply kopiert die Gewichte von a in die Adapter von m
func (m *Model) Apply(a *Adapter) error {
	for _, name := range a.Modules {
		l, ok := m.layers[name]
		if !ok {
			return fmt.Errorf("%w: module %s is not adapted", ErrInvalidAdapter, name)
		}
		if !sameShape(l.A, a.A[name]) || !sameShape(l.B, a.B[name]) {
			return fmt.Errorf("%w: %s shape mismatch", ErrInvalidAdapter, name)
		}
		copy(l.A.Data, a.A[name].Data)
		copy(l.B.Data, a.B[name].Data)
	}
	return nil
}

func sameShape(a, b *nn.Tensor) bool {
	return a.Rows == b.Rows && a.Cols == b.Cols
}

// LoadConfig liest und prueft adapter_config.json aus dir
func LoadConfig(dir string) (Config, error) {
	bts, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(bts, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if cfg.PeftType != "" && cfg.PeftType != PeftType {
		return Config{}, fmt.Errorf("%w: peft_type %q", ErrInvalidAdapter, cfg.PeftType)
	}
	return cfg, cfg.Validate()
}

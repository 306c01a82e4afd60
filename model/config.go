// config.go - Modell-Konfiguration aus config.json
//
// Hauptfunktionen:
// - Config: Hyperparameter der Llama-Familie
// - LoadConfig: Liest config.json und setzt Defaults
// - Validate: Prueft die Konsistenz der Dimensionen
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RopeScaling entspricht dem rope_scaling Block
type RopeScaling struct {
	Type     string  `json:"type"`
	RopeType string  `json:"rope_type"`
	Factor   float32 `json:"factor"`
}

// Kind gibt den Skalierungstyp zurueck (rope_type hat Vorrang)
func (r *RopeScaling) Kind() string {
	if r == nil {
		return ""
	}
	if r.RopeType != "" {
		return r.RopeType
	}
	return r.Type
}

// Config sind die Hyperparameter eines Causal-LM Checkpoints
type Config struct {
	Architectures         []string     `json:"architectures"`
	ModelType             string       `json:"model_type"`
	VocabSize             int          `json:"vocab_size"`
	HiddenSize            int          `json:"hidden_size"`
	IntermediateSize      int          `json:"intermediate_size"`
	NumHiddenLayers       int          `json:"num_hidden_layers"`
	NumAttentionHeads     int          `json:"num_attention_heads"`
	NumKeyValueHeads      int          `json:"num_key_value_heads"`
	HeadDim               int          `json:"head_dim"`
	RMSNormEps            float32      `json:"rms_norm_eps"`
	RopeTheta             float32      `json:"rope_theta"`
	RopeScaling           *RopeScaling `json:"rope_scaling"`
	TieWordEmbeddings     bool         `json:"tie_word_embeddings"`
	MaxPositionEmbeddings int          `json:"max_position_embeddings"`
	TorchDtype            string       `json:"torch_dtype"`
	AttentionBias         bool         `json:"attention_bias"`
	MLPBias               bool         `json:"mlp_bias"`
}

// Architecture gibt die erste Architektur zurueck
func (c Config) Architecture() string {
	if len(c.Architectures) == 0 {
		return ""
	}
	return c.Architectures[0]
}

// LoadConfig liest dir/config.json
func LoadConfig(dir string) (Config, error) {
	bts, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return Config{}, err
	}

	var c Config
	if err := json.Unmarshal(bts, &c); err != nil {
		return Config{}, fmt.Errorf("parse config.json: %w", err)
	}

	c.setDefaults()
	return c, nil
}

func (c *Config) setDefaults() {
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}
	if c.HeadDim == 0 && c.NumAttentionHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumAttentionHeads
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-6
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
}

// Validate prueft, ob die Konfiguration von diesem Paket ausgefuehrt werden kann
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"vocab_size":          c.VocabSize,
		"hidden_size":         c.HiddenSize,
		"intermediate_size":   c.IntermediateSize,
		"num_hidden_layers":   c.NumHiddenLayers,
		"num_attention_heads": c.NumAttentionHeads,
		"num_key_value_heads": c.NumKeyValueHeads,
		"head_dim":            c.HeadDim,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		errs = append(errs, fmt.Errorf("num_attention_heads %d is not a multiple of num_key_value_heads %d", c.NumAttentionHeads, c.NumKeyValueHeads))
	}
	if c.HeadDim%2 != 0 {
		errs = append(errs, fmt.Errorf("head_dim %d must be even", c.HeadDim))
	}
	if c.AttentionBias || c.MLPBias {
		errs = append(errs, fmt.Errorf("%w: projection bias", ErrUnsupportedModel))
	}
	switch kind := c.RopeScaling.Kind(); kind {
	case "", "default", "linear":
	default:
		errs = append(errs, fmt.Errorf("%w: rope_scaling %q", ErrUnsupportedModel, kind))
	}

	return errors.Join(errs...)
}

// ropeFactor gibt den linearen Skalierungsfaktor zurueck
func (c Config) ropeFactor() float32 {
	if c.RopeScaling.Kind() == "linear" {
		return c.RopeScaling.Factor
	}
	return 0
}

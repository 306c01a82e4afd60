// config.go - LoRA-Konfiguration im PEFT-Format
//
// Hauptfunktionen:
// - Config: Entspricht adapter_config.json
// - DefaultConfig: r=8, alpha=32, dropout=0.05, q_proj/v_proj
// - Validate: Prueft die Werte vor dem Wrappen
package lora

import (
	"errors"
	"fmt"
	"slices"
)

const (
	PeftType     = "LORA"
	TaskCausalLM = "CAUSAL_LM"

	// AllLinear waehlt alle Linear-Schichten ausser dem LM-Head
	AllLinear = "all-linear"
)

// ErrInvalidConfig - ungueltige LoRA-Konfiguration
var ErrInvalidConfig = errors.New("lora: invalid config")

// Config entspricht der PEFT LoraConfig
type Config struct {
	PeftType            string   `json:"peft_type"`
	TaskType            string   `json:"task_type"`
	R                   int      `json:"r"`
	Alpha               float32  `json:"lora_alpha"`
	Dropout             float32  `json:"lora_dropout"`
	TargetModules       []string `json:"target_modules"`
	Bias                string   `json:"bias"`
	InferenceMode       bool     `json:"inference_mode"`
	FanInFanOut         bool     `json:"fan_in_fan_out"`
	BaseModelNameOrPath string   `json:"base_model_name_or_path,omitempty"`
	Revision            string   `json:"revision,omitempty"`
	ModulesToSave       []string `json:"modules_to_save"`
	InitLoraWeights     bool     `json:"init_lora_weights"`
	UseRSLoRA           bool     `json:"use_rslora"`
	LayersToTransform   []int    `json:"layers_to_transform"`
	LayersPattern       *string  `json:"layers_pattern"`
	RankPattern         struct{} `json:"rank_pattern"`
	AlphaPattern        struct{} `json:"alpha_pattern"`
	AutoMapping         *string  `json:"auto_mapping"`
	LoftqConfig         struct{} `json:"loftq_config"`
	UseDora             bool     `json:"use_dora"`
	MegatronConfig      *string  `json:"megatron_config"`
	MegatronCore        string   `json:"megatron_core"`
}

// DefaultConfig gibt die Standardkonfiguration fuer FIM-Fine-Tuning zurueck
func DefaultConfig() Config {
	return Config{
		PeftType:        PeftType,
		TaskType:        TaskCausalLM,
		R:               8,
		Alpha:           32,
		Dropout:         0.05,
		TargetModules:   []string{"q_proj", "v_proj"},
		Bias:            "none",
		InitLoraWeights: true,
		MegatronCore:    "megatron.core",
	}
}

// Scaling gibt den Faktor alpha/r zurueck
func (c Config) Scaling() float32 {
	return c.Alpha / float32(c.R)
}

// Validate prueft die Konfiguration
func (c Config) Validate() error {
	var errs []error
	if c.R <= 0 {
		errs = append(errs, fmt.Errorf("r must be positive, got %d", c.R))
	}
	if c.Alpha <= 0 {
		errs = append(errs, fmt.Errorf("lora_alpha must be positive, got %g", c.Alpha))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("lora_dropout must be in [0, 1), got %g", c.Dropout))
	}
	if len(c.TargetModules) == 0 {
		errs = append(errs, errors.New("target_modules is empty"))
	}
	if c.Bias != "" && c.Bias != "none" {
		errs = append(errs, fmt.Errorf("bias %q is not supported", c.Bias))
	}
	if c.TaskType != "" && c.TaskType != TaskCausalLM {
		errs = append(errs, fmt.Errorf("task_type %q is not supported", c.TaskType))
	}
	if c.UseDora || c.UseRSLoRA {
		errs = append(errs, errors.New("dora and rslora are not supported"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// targets meldet, ob der Modulname von der Konfiguration erfasst wird
func (c Config) targets(name string) (string, bool) {
	if slices.Contains(c.TargetModules, AllLinear) {
		return AllLinear, name != "lm_head"
	}
	for _, t := range c.TargetModules {
		if name == t || hasSuffixModule(name, t) {
			return t, true
		}
	}
	return "", false
}

func hasSuffixModule(name, target string) bool {
	return len(name) > len(target) && name[len(name)-len(target)-1] == '.' && name[len(name)-len(target):] == target
}

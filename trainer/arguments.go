// arguments.go - Trainingsparameter (Teilmenge der HF TrainingArguments)
//
// Hauptfunktionen:
// - Arguments: Alle Parameter mit den urspruenglichen Flag-Namen
// - DefaultArguments: Standardwerte
// - Validate: Prueft Werte und Auswahlfelder
package trainer

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Unterstuetzte Optimierer
const (
	OptimAdamWTorch      = "adamw_torch"
	OptimAdamWTorchFused = "adamw_torch_fused"
	OptimAdamWHF         = "adamw_hf"
	OptimSGD             = "sgd"
)

// Unterstuetzte Lernraten-Scheduler
const (
	SchedulerLinear             = "linear"
	SchedulerCosine             = "cosine"
	SchedulerConstant           = "constant"
	SchedulerConstantWithWarmup = "constant_with_warmup"
)

// ErrInvalidArguments - ungueltige Trainingsparameter
var ErrInvalidArguments = errors.New("trainer: invalid arguments")

// Arguments steuern den Trainingslauf
type Arguments struct {
	OutputDir                 string   `mapstructure:"output_dir" json:"output_dir"`
	OverwriteOutputDir        bool     `mapstructure:"overwrite_output_dir" json:"overwrite_output_dir"`
	NumTrainEpochs            float64  `mapstructure:"num_train_epochs" json:"num_train_epochs"`
	MaxSteps                  int      `mapstructure:"max_steps" json:"max_steps"`
	PerDeviceTrainBatchSize   int      `mapstructure:"per_device_train_batch_size" json:"per_device_train_batch_size"`
	GradientAccumulationSteps int      `mapstructure:"gradient_accumulation_steps" json:"gradient_accumulation_steps"`
	LearningRate              float64  `mapstructure:"learning_rate" json:"learning_rate"`
	WeightDecay               float64  `mapstructure:"weight_decay" json:"weight_decay"`
	AdamBeta1                 float64  `mapstructure:"adam_beta1" json:"adam_beta1"`
	AdamBeta2                 float64  `mapstructure:"adam_beta2" json:"adam_beta2"`
	AdamEpsilon               float64  `mapstructure:"adam_epsilon" json:"adam_epsilon"`
	MaxGradNorm               float64  `mapstructure:"max_grad_norm" json:"max_grad_norm"`
	WarmupSteps               int      `mapstructure:"warmup_steps" json:"warmup_steps"`
	WarmupRatio               float64  `mapstructure:"warmup_ratio" json:"warmup_ratio"`
	LRSchedulerType           string   `mapstructure:"lr_scheduler_type" json:"lr_scheduler_type"`
	LoggingSteps              int      `mapstructure:"logging_steps" json:"logging_steps"`
	Seed                      uint64   `mapstructure:"seed" json:"seed"`
	Optim                     string   `mapstructure:"optim" json:"optim"`
	CacheDir                  string   `mapstructure:"cache_dir" json:"cache_dir"`
	ModelMaxLength            int      `mapstructure:"model_max_length" json:"model_max_length"`
	DataloaderDropLast        bool     `mapstructure:"dataloader_drop_last" json:"dataloader_drop_last"`
	ReportTo                  []string `mapstructure:"report_to" json:"report_to"`
	DataParallelReplicas      int      `mapstructure:"data_parallel_replicas" json:"data_parallel_replicas"`
}

// DefaultArguments gibt die Standardwerte zurueck
func DefaultArguments() Arguments {
	return Arguments{
		NumTrainEpochs:            3,
		MaxSteps:                  -1,
		PerDeviceTrainBatchSize:   8,
		GradientAccumulationSteps: 1,
		LearningRate:              5e-5,
		AdamBeta1:                 0.9,
		AdamBeta2:                 0.999,
		AdamEpsilon:               1e-8,
		MaxGradNorm:               1,
		LRSchedulerType:           SchedulerLinear,
		LoggingSteps:              500,
		Seed:                      42,
		Optim:                     OptimAdamWTorch,
		ModelMaxLength:            512,
		DataParallelReplicas:      1,
	}
}

// Validate prueft die Parameter
func (a Arguments) Validate() error {
	var errs []error
	if a.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if a.NumTrainEpochs <= 0 && a.MaxSteps <= 0 {
		errs = append(errs, errors.New("num_train_epochs or max_steps must be positive"))
	}
	if a.PerDeviceTrainBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("per_device_train_batch_size must be positive, got %d", a.PerDeviceTrainBatchSize))
	}
	if a.GradientAccumulationSteps <= 0 {
		errs = append(errs, fmt.Errorf("gradient_accumulation_steps must be positive, got %d", a.GradientAccumulationSteps))
	}
	if a.LearningRate < 0 || math.IsNaN(a.LearningRate) {
		errs = append(errs, fmt.Errorf("learning_rate must not be negative, got %g", a.LearningRate))
	}
	if a.WarmupRatio < 0 || a.WarmupRatio > 1 {
		errs = append(errs, fmt.Errorf("warmup_ratio must be in [0, 1], got %g", a.WarmupRatio))
	}
	if a.WarmupSteps < 0 {
		errs = append(errs, fmt.Errorf("warmup_steps must not be negative, got %d", a.WarmupSteps))
	}
	if a.DataParallelReplicas <= 0 {
		errs = append(errs, fmt.Errorf("data_parallel_replicas must be positive, got %d", a.DataParallelReplicas))
	}
	if !slices.Contains([]string{OptimAdamWTorch, OptimAdamWTorchFused, OptimAdamWHF, OptimSGD}, a.Optim) {
		errs = append(errs, fmt.Errorf("optim %q is not supported", a.Optim))
	}
	if !slices.Contains([]string{SchedulerLinear, SchedulerCosine, SchedulerConstant, SchedulerConstantWithWarmup}, a.LRSchedulerType) {
		errs = append(errs, fmt.Errorf("lr_scheduler_type %q is not supported", a.LRSchedulerType))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, errors.Join(errs...))
	}
	return nil
}

// Reports meldet, ob report_to das Ziel name enthaelt
func (a Arguments) Reports(name string) bool {
	return slices.Contains(a.ReportTo, name) || slices.Contains(a.ReportTo, "all")
}

// warmup gibt die Anzahl der Warmup-Schritte fuer total Schritte zurueck
func (a Arguments) warmup(total int) int {
	if a.WarmupSteps > 0 {
		return a.WarmupSteps
	}
	return int(math.Ceil(a.WarmupRatio * float64(total)))
}

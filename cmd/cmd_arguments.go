// cmd_arguments.go - Argumentgruppen fuer train und preprocess
// Hauptfunktionen: Arguments, registerArguments, loadArguments, printArguments
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fimtune/fimtune/dataset"
	"github.com/fimtune/fimtune/lora"
	"github.com/fimtune/fimtune/sft"
	"github.com/fimtune/fimtune/trainer"
)

// DefaultModel ist das Basismodell ohne --model_name_or_path
const DefaultModel = "deepseek-ai/deepseek-coder-6.7b-instruct"

// ModelArguments waehlt Basismodell und Tokenizer
type ModelArguments struct {
	ModelNameOrPath string `mapstructure:"model_name_or_path" json:"model_name_or_path"`
	Revision        string `mapstructure:"revision" json:"revision"`
}

// DataArguments beschreiben Datensatz und Vorverarbeitung
type DataArguments struct {
	DataPath                string `mapstructure:"data_path" json:"data_path"`
	DatasetConfig           string `mapstructure:"dataset_config" json:"dataset_config"`
	Split                   string `mapstructure:"split" json:"split"`
	SourceColumn            string `mapstructure:"source_column" json:"source_column"`
	TargetColumn            string `mapstructure:"target_column" json:"target_column"`
	PreprocessingNumWorkers int    `mapstructure:"preprocessing_num_workers" json:"preprocessing_num_workers"`
	PreprocessingBatchSize  int    `mapstructure:"preprocessing_batch_size" json:"preprocessing_batch_size"`
	OverwriteCache          bool   `mapstructure:"overwrite_cache" json:"overwrite_cache"`
	SkipMalformed           bool   `mapstructure:"skip_malformed" json:"skip_malformed"`
}

// LoraArguments ueberschreiben die LoRA-Standardkonfiguration
type LoraArguments struct {
	LoraR             int      `mapstructure:"lora_r" json:"lora_r"`
	LoraAlpha         float32  `mapstructure:"lora_alpha" json:"lora_alpha"`
	LoraDropout       float32  `mapstructure:"lora_dropout" json:"lora_dropout"`
	LoraTargetModules []string `mapstructure:"lora_target_modules" json:"lora_target_modules"`
}

// Arguments fasst alle Gruppen zusammen; Konfigurationsdateien verwenden dieselben flachen Schluessel
type Arguments struct {
	ModelArguments    `mapstructure:",squash"`
	DataArguments     `mapstructure:",squash"`
	LoraArguments     `mapstructure:",squash"`
	trainer.Arguments `mapstructure:",squash"`
}

// DefaultArguments gibt die Standardwerte aller Gruppen zurueck
func DefaultArguments() Arguments {
	l := lora.DefaultConfig()
	return Arguments{
		ModelArguments: ModelArguments{
			ModelNameOrPath: DefaultModel,
		},
		DataArguments: DataArguments{
			Split:                   "train[:5%]",
			SourceColumn:            sft.DefaultSourceColumn,
			TargetColumn:            sft.DefaultTargetColumn,
			PreprocessingNumWorkers: 32,
			PreprocessingBatchSize:  3000,
		},
		LoraArguments: LoraArguments{
			LoraR:             l.R,
			LoraAlpha:         l.Alpha,
			LoraDropout:       l.Dropout,
			LoraTargetModules: l.TargetModules,
		},
		Arguments: trainer.DefaultArguments(),
	}
}

// LoraConfig baut die PEFT-Konfiguration fuer das Basismodell
func (a Arguments) LoraConfig() lora.Config {
	cfg := lora.DefaultConfig()
	cfg.R = a.LoraR
	cfg.Alpha = a.LoraAlpha
	cfg.Dropout = a.LoraDropout
	cfg.TargetModules = slices.Clone(a.LoraTargetModules)
	cfg.BaseModelNameOrPath = a.ModelNameOrPath
	cfg.Revision = a.Revision
	return cfg
}

// SFTOptions gibt die Optionen fuer sft.TokenizeBatch zurueck
func (a Arguments) SFTOptions() sft.Options {
	return sft.Options{
		SourceColumn:  a.SourceColumn,
		TargetColumn:  a.TargetColumn,
		MaxLength:     a.ModelMaxLength,
		SkipMalformed: a.SkipMalformed,
	}
}

// Validate prueft alle Gruppen
func (a Arguments) Validate() error {
	return errors.Join(
		a.ValidatePreprocess(),
		a.LoraConfig().Validate(),
		a.Arguments.Validate(),
	)
}

// ValidatePreprocess prueft nur Modell- und Datengruppe
func (a Arguments) ValidatePreprocess() error {
	var errs []error
	if a.ModelNameOrPath == "" {
		errs = append(errs, errors.New("model_name_or_path is required"))
	}
	if a.DataPath == "" {
		errs = append(errs, errors.New("data_path is required"))
	}
	if _, err := dataset.ParseSplit(a.Split); err != nil {
		errs = append(errs, err)
	}
	if a.PreprocessingNumWorkers <= 0 {
		errs = append(errs, fmt.Errorf("preprocessing_num_workers must be positive, got %d", a.PreprocessingNumWorkers))
	}
	if a.PreprocessingBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("preprocessing_batch_size must be positive, got %d", a.PreprocessingBatchSize))
	}
	if a.ModelMaxLength <= 0 {
		errs = append(errs, fmt.Errorf("model_max_length must be positive, got %d", a.ModelMaxLength))
	}
	return errors.Join(errs...)
}

// registerArguments - Registriert alle Flags mit den Standardwerten
func registerArguments(flags *pflag.FlagSet) {
	d := DefaultArguments()

	flags.String("config", "", "Read arguments from a json, yaml or toml file; flags take precedence")

	flags.String("model_name_or_path", d.ModelNameOrPath, "Base model hub id or local directory")
	flags.String("revision", d.Revision, "Hub revision of the base model")

	flags.String("data_path", d.DataPath, "Dataset file, directory or hub id")
	flags.String("dataset_config", d.DatasetConfig, "Hub dataset configuration")
	flags.String("split", d.Split, "Split with optional slice, e.g. train[:5%]")
	flags.String("source_column", d.SourceColumn, "Column holding code with the placeholder")
	flags.String("target_column", d.TargetColumn, "Column holding the removed function body")
	flags.Int("preprocessing_num_workers", d.PreprocessingNumWorkers, "Parallel tokenization workers")
	flags.Int("preprocessing_batch_size", d.PreprocessingBatchSize, "Rows per tokenization batch")
	flags.Bool("overwrite_cache", d.OverwriteCache, "Recompute the tokenized dataset even when cached")
	flags.Bool("skip_malformed", d.SkipMalformed, "Skip records without exactly one placeholder")

	flags.Int("lora_r", d.LoraR, "LoRA rank")
	flags.Float32("lora_alpha", d.LoraAlpha, "LoRA alpha")
	flags.Float32("lora_dropout", d.LoraDropout, "LoRA dropout")
	flags.StringSlice("lora_target_modules", d.LoraTargetModules, "Modules to adapt, or all-linear")

	t := d.Arguments
	flags.String("output_dir", t.OutputDir, "Directory for the adapter and trainer state")
	flags.Bool("overwrite_output_dir", t.OverwriteOutputDir, "Allow writing into a non-empty output_dir")
	flags.Float64("num_train_epochs", t.NumTrainEpochs, "Number of training epochs")
	flags.Int("max_steps", t.MaxSteps, "Total optimizer steps; overrides num_train_epochs when positive")
	flags.Int("per_device_train_batch_size", t.PerDeviceTrainBatchSize, "Examples per micro-batch")
	flags.Int("gradient_accumulation_steps", t.GradientAccumulationSteps, "Micro-batches per optimizer step")
	flags.Float64("learning_rate", t.LearningRate, "Peak learning rate")
	flags.Float64("weight_decay", t.WeightDecay, "Decoupled weight decay")
	flags.Float64("adam_beta1", t.AdamBeta1, "AdamW beta1")
	flags.Float64("adam_beta2", t.AdamBeta2, "AdamW beta2")
	flags.Float64("adam_epsilon", t.AdamEpsilon, "AdamW epsilon")
	flags.Float64("max_grad_norm", t.MaxGradNorm, "Global gradient norm clip; 0 disables clipping")
	flags.Int("warmup_steps", t.WarmupSteps, "Linear warmup steps")
	flags.Float64("warmup_ratio", t.WarmupRatio, "Warmup as a fraction of total steps")
	flags.String("lr_scheduler_type", t.LRSchedulerType, "linear, cosine, constant or constant_with_warmup")
	flags.Int("logging_steps", t.LoggingSteps, "Log every N optimizer steps")
	flags.Uint64("seed", t.Seed, "Random seed")
	flags.String("optim", t.Optim, "adamw_torch, adamw_torch_fused, adamw_hf or sgd")
	flags.String("cache_dir", t.CacheDir, "Hub cache directory for the base model")
	flags.Int("model_max_length", t.ModelMaxLength, "Maximum sequence length")
	flags.Bool("dataloader_drop_last", t.DataloaderDropLast, "Drop the last incomplete micro-batch")
	flags.StringSlice("report_to", t.ReportTo, "Metric sinks, e.g. statsd")
	flags.Int("data_parallel_replicas", t.DataParallelReplicas, "Goroutine replicas per micro-batch")
}

// loadArguments - Defaults, dann --config, dann gesetzte Flags
func loadArguments(cmd *cobra.Command) (Arguments, error) {
	v := viper.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Arguments{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Arguments{}, err
	}

	args := DefaultArguments()
	if err := v.Unmarshal(&args); err != nil {
		return Arguments{}, fmt.Errorf("decode arguments: %w", err)
	}

	return args, nil
}

// printArguments - Gibt alle Argumente als Tabelle aus
func printArguments(w io.Writer, args Arguments) error {
	bts, err := json.Marshal(args)
	if err != nil {
		return err
	}

	var values map[string]any
	if err := json.Unmarshal(bts, &values); err != nil {
		return err
	}

	var data [][]string
	for _, k := range slices.Sorted(maps.Keys(values)) {
		data = append(data, []string{k, fmt.Sprint(values[k])})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ARGUMENT", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

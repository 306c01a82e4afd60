// cmd_train.go - Train und Preprocess Commands
// Hauptfunktionen: TrainHandler, PreprocessHandler, prepareDataset
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fimtune/fimtune/collate"
	"github.com/fimtune/fimtune/dataset"
	"github.com/fimtune/fimtune/distributed"
	"github.com/fimtune/fimtune/envconfig"
	"github.com/fimtune/fimtune/fim"
	"github.com/fimtune/fimtune/huggingface"
	"github.com/fimtune/fimtune/lora"
	"github.com/fimtune/fimtune/model"
	"github.com/fimtune/fimtune/sft"
	"github.com/fimtune/fimtune/tokenizer"
	"github.com/fimtune/fimtune/trainer"
)

// ErrOutputDirNotEmpty - output_dir enthaelt Dateien und overwrite_output_dir fehlt
var ErrOutputDirNotEmpty = errors.New("output_dir exists and is not empty, use --overwrite_output_dir")

const numSamples = 3

// run haelt den Zustand eines Laufs ueber alle Schritte
type run struct {
	args    Arguments
	env     distributed.Env
	barrier distributed.Barrier
	hub     *huggingface.Client
	format  fim.Format

	modelDir string
	tok      *tokenizer.Tokenizer

	// tokenized zaehlt selbst tokenisierte Batches; 0 nach einem Cache-Treffer
	tokenized atomic.Int64
}

// newRun - Oeffnet die Barriere fuer env
func newRun(ctx context.Context, args Arguments, env distributed.Env) (*run, error) {
	barrier, err := distributed.New(ctx, env)
	if err != nil {
		return nil, err
	}

	var opts []huggingface.ClientOption
	if args.CacheDir != "" {
		opts = append(opts, huggingface.WithCacheDir(args.CacheDir))
	}

	return &run{
		args:    args,
		env:     env,
		barrier: barrier,
		hub:     huggingface.NewClient(opts...),
		format:  fim.DeepSeek,
	}, nil
}

func (r *run) Close() error {
	return r.barrier.Close()
}

// loadTokenizer - Laedt Tokenizer aus Hub-ID oder Verzeichnis
func (r *run) loadTokenizer(ctx context.Context) error {
	dir, err := r.hub.Resolve(ctx, r.args.ModelNameOrPath, r.args.Revision)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", r.args.ModelNameOrPath, err)
	}
	r.modelDir = dir

	tok, err := tokenizer.Load(dir, tokenizer.WithModelMaxLength(r.args.ModelMaxLength))
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	if tok.PaddingSide != collate.PaddingSide {
		slog.Warn("overriding tokenizer padding side", "configured", tok.PaddingSide, "using", collate.PaddingSide)
		tok.PaddingSide = collate.PaddingSide
	}
	if err := tok.EnsurePad(); err != nil {
		return err
	}
	if err := r.format.CheckVocabulary(tok); err != nil {
		return fmt.Errorf("%s: %w", r.args.ModelNameOrPath, err)
	}
	r.tok = tok

	if r.env.IsMain() {
		slog.Info("tokenizer loaded",
			"pad", r.tokenInfo(tok.PadID()),
			"bos", r.tokenInfo(tok.BOS()),
			"eos", r.tokenInfo(tok.EOS()),
			"vocab", tok.VocabSize())
	}
	return nil
}

func (r *run) tokenInfo(id int32) string {
	if id < 0 {
		return "none"
	}
	return fmt.Sprintf("%s (%d)", r.tok.TokenString(id), id)
}

// prepareDataset - Laedt den Split und tokenisiert ihn; Rang 0 baut den Cache zuerst
func (r *run) prepareDataset(ctx context.Context) ([]sft.Example, error) {
	ds, err := dataset.Load(ctx, r.args.DataPath, r.args.Split, dataset.LoadOptions{
		Client: r.hub,
		Config: r.args.DatasetConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", r.args.DataPath, err)
	}
	slog.Debug("dataset loaded", "path", r.args.DataPath, "split", r.args.Split, "rows", ds.Len(), "columns", ds.Columns())

	if !r.env.IsMain() {
		if err := r.barrier.Wait(ctx, "preprocess"); err != nil {
			return nil, err
		}
	}

	examples, err := r.tokenize(ctx, ds)
	if err != nil {
		return nil, err
	}

	if r.env.IsMain() {
		if err := r.barrier.Wait(ctx, "preprocess"); err != nil {
			return nil, err
		}
		r.logSamples(examples)
	}
	return examples, nil
}

func (r *run) tokenize(ctx context.Context, ds *dataset.Dataset) ([]sft.Example, error) {
	dir := envconfig.CacheDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cache, err := dataset.OpenCache(filepath.Join(dir, dataset.CacheFile))
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	opts := r.args.SFTOptions()
	examples, err := dataset.Map(ctx, ds, func(batch map[string][]string) ([]sft.Example, error) {
		r.tokenized.Add(1)
		return sft.TokenizeBatch(r.tok, r.format, batch, opts)
	}, dataset.MapOptions{
		BatchSize:         r.args.PreprocessingBatchSize,
		NumProc:           r.args.PreprocessingNumWorkers,
		Cache:             cache,
		LoadFromCacheFile: !r.args.OverwriteCache || !r.env.IsMain(),
		Desc:              "Running tokenizer on train dataset",
		Fingerprint:       opts.Fingerprint(r.format) + "|" + r.args.ModelNameOrPath + "@" + r.args.Revision,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("dataset tokenized", "rank", r.env.Rank, "examples", len(examples), "tokenized_batches", r.tokenized.Load())
	return examples, nil
}

// logSamples - Zeigt Anzahl und zufaellige Beispiele
func (r *run) logSamples(examples []sft.Example) {
	slog.Info("training dataset prepared", "samples", len(examples))
	if len(examples) == 0 {
		return
	}

	rng := rand.New(rand.NewPCG(r.args.Seed, 0))
	for _, i := range rng.Perm(len(examples))[:min(numSamples, len(examples))] {
		ex := examples[i]
		slog.Info("sample", "index", i,
			"input_ids", ex.InputIDs,
			"labels", ex.Labels,
			"text", r.tok.Decode(ex.InputIDs))
	}
}

// checkOutputDir - Schuetzt vorhandene Ergebnisse
func checkOutputDir(args Arguments) error {
	entries, err := os.ReadDir(args.OutputDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if len(entries) > 0 && !args.OverwriteOutputDir {
		return fmt.Errorf("%w: %s", ErrOutputDirNotEmpty, args.OutputDir)
	}
	return nil
}

// callbacks - Metrik-Callbacks nach report_to
func (r *run) callbacks() ([]trainer.Callback, func(), error) {
	if !r.args.Reports("statsd") {
		return nil, func() {}, nil
	}

	runID := r.env.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	c, err := trainer.NewStatsdCallback(envconfig.StatsdAddr(), runID)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("reporting metrics to statsd", "addr", envconfig.StatsdAddr(), "run", runID)
	return []trainer.Callback{c}, func() {
		if err := c.Close(); err != nil {
			slog.Warn("closing statsd client", "error", err)
		}
	}, nil
}

// train - LoRA anlegen, trainieren und speichern
func (r *run) train(ctx context.Context, examples []sft.Example) error {
	if !r.env.IsMain() {
		slog.Info("waiting for rank 0 to finish training", "rank", r.env.Rank)
		return r.barrier.Wait(ctx, "train")
	}

	base, err := model.Load(r.modelDir)
	if err != nil {
		return fmt.Errorf("load model %s: %w", r.args.ModelNameOrPath, err)
	}

	rng := rand.New(rand.NewPCG(r.args.Seed, r.args.Seed))
	peft, err := lora.Wrap(base, r.args.LoraConfig(), rng)
	if err != nil {
		return err
	}
	slog.Info(peft.TrainableSummary())

	callbacks, closeCallbacks, err := r.callbacks()
	if err != nil {
		return err
	}
	defer closeCallbacks()

	t, err := trainer.New(peft, r.args.Arguments, examples, collate.Collator{PadID: r.tok.PadID()}, callbacks...)
	if err != nil {
		return err
	}

	slog.Info("starting training", "examples", len(examples), "steps", t.TotalSteps(), "adapted", len(peft.AdaptedModules()))
	out, err := t.Train(ctx)
	if err != nil {
		return err
	}

	if err := peft.Save(r.args.OutputDir); err != nil {
		return fmt.Errorf("save adapter: %w", err)
	}
	if err := t.SaveState(r.args.OutputDir, out); err != nil {
		return fmt.Errorf("save trainer state: %w", err)
	}
	slog.Info("training finished", "output_dir", r.args.OutputDir, "steps", out.GlobalStep, "loss", out.TrainingLoss, "runtime", out.Runtime)

	return r.barrier.Wait(ctx, "train")
}

// TrainHandler - Fuehrt alle Schritte von Argumenten bis Adapter aus
func TrainHandler(cmd *cobra.Command, _ []string) error {
	args, err := loadArguments(cmd)
	if err != nil {
		return err
	}
	if err := args.Validate(); err != nil {
		return err
	}
	return runTrain(cmd.Context(), args, cmd.OutOrStdout(), true)
}

// PreprocessHandler - Baut nur den tokenisierten Cache
func PreprocessHandler(cmd *cobra.Command, _ []string) error {
	args, err := loadArguments(cmd)
	if err != nil {
		return err
	}
	if err := args.ValidatePreprocess(); err != nil {
		return err
	}
	return runTrain(cmd.Context(), args, cmd.OutOrStdout(), false)
}

func runTrain(ctx context.Context, args Arguments, out io.Writer, train bool) error {
	r, err := newRun(ctx, args, distributed.FromEnvironment())
	if err != nil {
		return err
	}
	defer r.Close()

	if train && r.env.IsMain() {
		if err := checkOutputDir(args); err != nil {
			return err
		}
	}

	if r.env.IsMain() {
		if err := printArguments(out, args); err != nil {
			return err
		}
	}

	if err := r.loadTokenizer(ctx); err != nil {
		return err
	}

	examples, err := r.prepareDataset(ctx)
	if err != nil {
		return err
	}
	if !train {
		return nil
	}

	return r.train(ctx, examples)
}

func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune a LoRA adapter on a fill-in-the-middle dataset",
		Long: "Fine-tune a LoRA adapter on a fill-in-the-middle dataset.\n\n" +
			"Supported architectures: " + strings.Join(model.Architectures(), ", "),
		Args: cobra.NoArgs,
		RunE: TrainHandler,
	}
	registerArguments(trainCmd.Flags())
	return trainCmd
}

func newPreprocessCmd() *cobra.Command {
	preprocessCmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Tokenize a dataset into the cache without training",
		Args:  cobra.NoArgs,
		RunE:  PreprocessHandler,
	}
	registerArguments(preprocessCmd.Flags())
	return preprocessCmd
}

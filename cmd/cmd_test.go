package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/fimtune/fimtune/dataset"
	"github.com/fimtune/fimtune/distributed"
	"github.com/fimtune/fimtune/fs/ggml"
	"github.com/fimtune/fimtune/fs/safetensors"
	"github.com/fimtune/fimtune/lora"
	"github.com/fimtune/fimtune/model"
	"github.com/fimtune/fimtune/sft"
	"github.com/fimtune/fimtune/trainer"
)

func parseArguments(t *testing.T, argv ...string) (Arguments, error) {
	t.Helper()

	c := newTrainCmd()
	require.NoError(t, c.ParseFlags(argv))
	return loadArguments(c)
}

func TestLoadArgumentsDefaults(t *testing.T) {
	args, err := parseArguments(t)
	require.NoError(t, err)

	if diff := cmp.Diff(DefaultArguments(), args, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Standardwerte weichen ab (-erwartet +erhalten):\n%s", diff)
	}
	if args.ModelNameOrPath != DefaultModel || args.Split != "train[:5%]" {
		t.Errorf("erwartet %s und train[:5%%], erhalten %s und %s", DefaultModel, args.ModelNameOrPath, args.Split)
	}
	if args.PreprocessingNumWorkers != 32 || args.PreprocessingBatchSize != 3000 {
		t.Errorf("erwartet 32 Worker und Batches von 3000, erhalten %d und %d", args.PreprocessingNumWorkers, args.PreprocessingBatchSize)
	}
}

func TestLoadArgumentsConfigFile(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "args.yaml", "data_path: data.jsonl\nlearning_rate: 0.001\nlora_r: 4\nlora_alpha: 16\nlora_target_modules: [q_proj, k_proj]\nreport_to: [statsd]\noutput_dir: out\n"},
		{"json", "args.json", `{"data_path": "data.jsonl", "learning_rate": 0.001, "lora_r": 4, "lora_alpha": 16, "lora_target_modules": ["q_proj", "k_proj"], "report_to": ["statsd"], "output_dir": "out"}`},
		{"toml", "args.toml", "data_path = \"data.jsonl\"\nlearning_rate = 0.001\nlora_r = 4\nlora_alpha = 16\nlora_target_modules = [\"q_proj\", \"k_proj\"]\nreport_to = [\"statsd\"]\noutput_dir = \"out\"\n"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			args, err := parseArguments(t, "--config", path, "--lora_r", "2", "--split", "train[10:20]")
			require.NoError(t, err)
			require.NoError(t, args.Validate())

			want := DefaultArguments()
			want.DataPath = "data.jsonl"
			want.LearningRate = 0.001
			want.LoraR = 2
			want.LoraAlpha = 16
			want.LoraTargetModules = []string{"q_proj", "k_proj"}
			want.ReportTo = []string{"statsd"}
			want.OutputDir = "out"
			want.Split = "train[10:20]"
			if diff := cmp.Diff(want, args, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Argumente weichen ab (-erwartet +erhalten):\n%s", diff)
			}
			if !args.Reports("statsd") {
				t.Error("erwartet statsd in report_to")
			}
		})
	}
}

func TestLoadArgumentsMissingConfig(t *testing.T) {
	_, err := parseArguments(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestArgumentsValidate(t *testing.T) {
	valid := func() Arguments {
		a := DefaultArguments()
		a.DataPath = "data.jsonl"
		a.OutputDir = "out"
		return a
	}

	cases := []struct {
		name       string
		mutate     func(*Arguments)
		preprocess bool
		wantErr    error
	}{
		{"ok", func(*Arguments) {}, false, nil},
		{"no data", func(a *Arguments) { a.DataPath = "" }, true, nil},
		{"bad split", func(a *Arguments) { a.Split = "train[1:2:3]" }, true, nil},
		{"no workers", func(a *Arguments) { a.PreprocessingNumWorkers = 0 }, true, nil},
		{"no output", func(a *Arguments) { a.OutputDir = "" }, false, trainer.ErrInvalidArguments},
		{"bad rank", func(a *Arguments) { a.LoraR = 0 }, false, nil},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(&a)
			err := a.Validate()
			if tt.name == "ok" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			if tt.preprocess {
				require.Error(t, a.ValidatePreprocess())
			}
		})
	}

	a := valid()
	a.OutputDir = ""
	require.NoError(t, a.ValidatePreprocess(), "preprocess braucht kein output_dir")
}

func TestLoraConfig(t *testing.T) {
	a := DefaultArguments()
	a.Revision = "v1"
	cfg := a.LoraConfig()

	want := lora.DefaultConfig()
	want.BaseModelNameOrPath = DefaultModel
	want.Revision = "v1"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoRA-Konfiguration weicht ab (-erwartet +erhalten):\n%s", diff)
	}
	if cfg.R != 8 || cfg.Alpha != 32 || cfg.Dropout != 0.05 || cfg.TaskType != lora.TaskCausalLM {
		t.Errorf("unerwartete Standardwerte: %+v", cfg)
	}
}

func TestPrintArguments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printArguments(&buf, DefaultArguments()))

	out := buf.String()
	for _, want := range []string{"ARGUMENT", "model_name_or_path", DefaultModel, "preprocessing_num_workers", "lora_target_modules", "per_device_train_batch_size"} {
		if !strings.Contains(out, want) {
			t.Errorf("erwartet %q in der Tabelle:\n%s", want, out)
		}
	}
}

func TestCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	args := DefaultArguments()

	args.OutputDir = filepath.Join(dir, "missing")
	require.NoError(t, checkOutputDir(args))

	args.OutputDir = dir
	require.NoError(t, checkOutputDir(args), "leeres Verzeichnis")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "adapter_config.json"), []byte("{}"), 0o644))
	require.ErrorIs(t, checkOutputDir(args), ErrOutputDirNotEmpty)

	args.OverwriteOutputDir = true
	require.NoError(t, checkOutputDir(args))
}

// writeTinyModel legt Tokenizer, config.json und zufaellige Gewichte in dir ab
func writeTinyModel(t *testing.T, dir string) {
	t.Helper()

	for _, name := range []string{"tokenizer.json", "tokenizer_config.json"} {
		bts, err := os.ReadFile(filepath.Join("..", "tokenizer", "testdata", "tiny", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), bts, 0o644))
	}

	cfg := model.Config{
		Architectures:     []string{"LlamaForCausalLM"},
		VocabSize:         306,
		HiddenSize:        8,
		IntermediateSize:  12,
		NumHiddenLayers:   2,
		NumAttentionHeads: 2,
		NumKeyValueHeads:  1,
		RMSNormEps:        1e-5,
		RopeTheta:         10000,
	}
	m, err := model.New(cfg, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	bts, err := json.Marshal(m.Config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), bts, 0o644))

	var ts []safetensors.Tensor
	for _, nt := range m.Tensors() {
		shape := []int{nt.Tensor.Rows, nt.Tensor.Cols}
		if nt.Tensor.Rows == 1 {
			shape = []int{nt.Tensor.Cols}
		}
		ts = append(ts, safetensors.Tensor{Name: nt.Name, Shape: shape, Data: nt.Tensor.Data})
	}

	f, err := os.Create(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	require.NoError(t, safetensors.Write(f, ts, map[string]string{"format": "pt"}))
	require.NoError(t, f.Close())
}

func writeRecords(t *testing.T, path string, n int) {
	t.Helper()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range n {
		require.NoError(t, enc.Encode(map[string]string{
			"masked_contract": fmt.Sprintf("def f%d(x):\n    <FILL_FUNCTION_BODY>\n", i),
			"func_body":       fmt.Sprintf("return x + %d", i),
		}))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestTrainAndExport(t *testing.T) {
	t.Setenv("FIMTUNE_CACHE_DIR", t.TempDir())
	t.Setenv("FIMTUNE_NO_PROGRESS", "1")
	t.Setenv("WORLD_SIZE", "")
	t.Setenv("RANK", "")
	t.Setenv("LOCAL_RANK", "")

	tmp := t.TempDir()
	modelDir := filepath.Join(tmp, "base")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	writeTinyModel(t, modelDir)

	data := filepath.Join(tmp, "train.jsonl")
	writeRecords(t, data, 20)

	args := DefaultArguments()
	args.ModelNameOrPath = modelDir
	args.DataPath = data
	args.Split = "train[:50%]"
	args.PreprocessingNumWorkers = 2
	args.PreprocessingBatchSize = 3
	args.OutputDir = filepath.Join(tmp, "out")
	args.MaxSteps = 2
	args.PerDeviceTrainBatchSize = 2
	args.ModelMaxLength = 64
	args.LearningRate = 1e-2
	args.LoggingSteps = 1
	require.NoError(t, args.Validate())

	var out bytes.Buffer
	require.NoError(t, runTrain(context.Background(), args, &out, true))
	if !strings.Contains(out.String(), "data_path") {
		t.Errorf("erwartet Argument-Tabelle in der Ausgabe:\n%s", out.String())
	}

	a, err := lora.Load(args.OutputDir)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"q_proj", "v_proj"}, a.Config.TargetModules); diff != "" {
		t.Errorf("target_modules (-erwartet +erhalten):\n%s", diff)
	}
	if len(a.Modules) != 4 {
		t.Errorf("erwartet 4 Module (2 Schichten, q und v), erhalten %d", len(a.Modules))
	}
	require.FileExists(t, filepath.Join(args.OutputDir, "trainer_state.json"))

	// zweiter Lauf verweigert das belegte output_dir
	err = runTrain(context.Background(), args, &out, true)
	require.ErrorIs(t, err, ErrOutputDirNotEmpty)

	cmd := newExportCmd()
	cmd.SetArgs([]string{args.OutputDir, "--outtype", "f32"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	f, err := os.Open(filepath.Join(args.OutputDir, "adapter.gguf"))
	require.NoError(t, err)
	defer f.Close()

	gguf, err := ggml.Decode(f)
	require.NoError(t, err)
	if gguf.KV.Kind() != "adapter" || gguf.KV.Architecture() != "llama" {
		t.Errorf("erwartet llama-Adapter, erhalten %q/%q", gguf.KV.Kind(), gguf.KV.Architecture())
	}
	if len(gguf.Tensors) != 8 {
		t.Errorf("erwartet 8 Tensoren, erhalten %d", len(gguf.Tensors))
	}

	var shown bytes.Buffer
	require.NoError(t, showGGUF(gguf, true, &shown))
	for _, want := range []string{"adapter/lora", "blk.0.attn_q.weight.lora_a", "adapter.lora.alpha"} {
		if !strings.Contains(shown.String(), want) {
			t.Errorf("erwartet %q in show:\n%s", want, shown.String())
		}
	}
}

func TestPreprocessCache(t *testing.T) {
	t.Setenv("FIMTUNE_CACHE_DIR", t.TempDir())
	t.Setenv("FIMTUNE_NO_PROGRESS", "1")
	t.Setenv("WORLD_SIZE", "")

	tmp := t.TempDir()
	writeTinyModel(t, tmp)
	data := filepath.Join(tmp, "train.jsonl")
	writeRecords(t, data, 7)

	args := DefaultArguments()
	args.ModelNameOrPath = tmp
	args.DataPath = data
	args.Split = "train"
	args.PreprocessingNumWorkers = 3
	args.PreprocessingBatchSize = 2
	require.NoError(t, args.ValidatePreprocess())

	r, err := newRun(context.Background(), args, distributed.Env{WorldSize: 1})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.loadTokenizer(context.Background()))
	first, err := r.prepareDataset(context.Background())
	require.NoError(t, err)
	if len(first) != 7 {
		t.Fatalf("erwartet 7 Beispiele, erhalten %d", len(first))
	}

	batches := r.tokenized.Load()
	second, err := r.prepareDataset(context.Background())
	require.NoError(t, err)
	require.Equal(t, batches, r.tokenized.Load(), "erwartet einen Cache-Treffer")
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Cache liefert andere Beispiele (-erster +zweiter):\n%s", diff)
	}

	for _, ex := range first {
		if len(ex.InputIDs) != len(ex.Labels) {
			t.Errorf("erwartet gleiche Laengen, erhalten %d und %d", len(ex.InputIDs), len(ex.Labels))
		}
	}

	args.SourceColumn = "missing"
	r.args = args
	_, err = r.prepareDataset(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("erwartet Fehler fuer fehlende Spalte, erhalten %v", err)
	}
}

// prepareRanks bereitet den Datensatz mit zwei Raengen vor; Rang 1 startet zuerst
func prepareRanks(t *testing.T, args Arguments) (leader, follower *run, examples [2][]sft.Example) {
	t.Helper()
	ctx := t.Context()

	runs := make([]*run, 2)
	for rank := range runs {
		r, err := newRun(ctx, args, distributed.Env{Rank: rank, LocalRank: rank, WorldSize: 2, RunID: "ranks"})
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		require.NoError(t, r.loadTokenizer(ctx))
		runs[rank] = r
	}

	type result struct {
		examples []sft.Example
		err      error
	}
	done := make(chan result, 1)
	go func() {
		ex, err := runs[1].prepareDataset(ctx)
		done <- result{ex, err}
	}()

	select {
	case res := <-done:
		t.Fatalf("erwartet, dass Rang 1 auf Rang 0 wartet, erhalten %d Beispiele, Fehler %v", len(res.examples), res.err)
	case <-time.After(500 * time.Millisecond):
	}

	ex, err := runs[0].prepareDataset(ctx)
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)

	return runs[0], runs[1], [2][]sft.Example{ex, res.examples}
}

func TestPreprocessRanks(t *testing.T) {
	t.Setenv("FIMTUNE_CACHE_DIR", t.TempDir())
	t.Setenv("FIMTUNE_NO_PROGRESS", "1")
	t.Setenv("FIMTUNE_ETCD_ENDPOINTS", "")
	t.Setenv("FIMTUNE_BARRIER_DIR", t.TempDir())

	tmp := t.TempDir()
	writeTinyModel(t, tmp)
	data := filepath.Join(tmp, "train.jsonl")
	writeRecords(t, data, 9)

	args := DefaultArguments()
	args.ModelNameOrPath = tmp
	args.DataPath = data
	args.Split = "train"
	args.PreprocessingNumWorkers = 2
	args.PreprocessingBatchSize = 4
	require.NoError(t, args.ValidatePreprocess())

	leader, follower, examples := prepareRanks(t, args)
	require.Equal(t, int64(3), leader.tokenized.Load(), "erwartet, dass Rang 0 alle Batches tokenisiert")
	require.Zero(t, follower.tokenized.Load(), "erwartet, dass Rang 1 aus dem Cache von Rang 0 liest")
	require.Len(t, examples[0], 9)
	if diff := cmp.Diff(examples[0], examples[1]); diff != "" {
		t.Errorf("Raenge sehen verschiedene Beispiele (-rang0 +rang1):\n%s", diff)
	}

	// zweiter Start im selben Barrier-Verzeichnis; overwrite_cache gilt nur fuer Rang 0
	args.OverwriteCache = true
	leader, follower, examples = prepareRanks(t, args)
	require.Equal(t, int64(3), leader.tokenized.Load(), "erwartet, dass Rang 0 den Cache neu baut")
	require.Zero(t, follower.tokenized.Load(), "erwartet, dass Rang 1 trotz overwrite_cache den Cache liest")
	if diff := cmp.Diff(examples[0], examples[1]); diff != "" {
		t.Errorf("Raenge sehen verschiedene Beispiele (-rang0 +rang1):\n%s", diff)
	}
}

func TestCacheCommands(t *testing.T) {
	hub := t.TempDir()
	t.Setenv("HF_HUB_CACHE", hub)
	t.Setenv("FIMTUNE_CACHE_DIR", t.TempDir())

	snapshot := filepath.Join(hub, "models--owner--model", "snapshots", "c0ffee")
	require.NoError(t, os.MkdirAll(snapshot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapshot, "config.json"), []byte("{}"), 0o644))

	execute := func(argv ...string) string {
		t.Helper()
		var out bytes.Buffer
		c := newCacheCmd()
		c.SetArgs(argv)
		c.SetOut(&out)
		require.NoError(t, c.Execute())
		return out.String()
	}

	listed := execute("ls")
	for _, want := range []string{"REPO", "owner/model", "model", "c0ffee"} {
		if !strings.Contains(listed, want) {
			t.Errorf("erwartet %q in der Liste:\n%s", want, listed)
		}
	}

	if got := execute("ls", "other"); strings.Contains(got, "owner/model") {
		t.Errorf("Praefix-Filter ignoriert:\n%s", got)
	}

	execute("rm", "owner/model")
	require.NoDirExists(t, filepath.Join(hub, "models--owner--model"))

	for _, argv := range [][]string{
		{"rm", "owner/model"},
		{"rm"},
		{"rm", "--dataset"},
	} {
		c := newCacheCmd()
		c.SetArgs(argv)
		c.SetOut(io.Discard)
		c.SetErr(io.Discard)
		require.Error(t, c.Execute(), "erwartet Fehler fuer %v", argv)
	}

	// --processed braucht kein REPO, auch wenn noch kein Cache existiert
	require.Contains(t, execute("rm", "--processed"), dataset.CacheFile)
}

package convert

import (
	"encoding/binary"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/fimtune/fimtune/fs/ggml"
	"github.com/fimtune/fimtune/lora"
	"github.com/fimtune/fimtune/model"
)

func baseConfig() model.Config {
	return model.Config{
		Architectures:     []string{"LlamaForCausalLM"},
		VocabSize:         13,
		HiddenSize:        16,
		IntermediateSize:  24,
		NumHiddenLayers:   2,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  2,
		HeadDim:           4,
	}
}

// saveAdapter speichert einen Adapter mit deterministischen B-Gewichten
func saveAdapter(t *testing.T, targets ...string) string {
	t.Helper()
	m, err := model.New(baseConfig(), rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	cfg := lora.DefaultConfig()
	cfg.TargetModules = targets
	cfg.BaseModelNameOrPath = "owner/base"
	pm, err := lora.Wrap(m, cfg, rand.New(rand.NewPCG(2, 2)))
	require.NoError(t, err)

	for _, name := range pm.AdaptedModules() {
		l, _ := pm.Adapter(name)
		for i := range l.B.Data {
			l.B.Data[i] = float32(i)
		}
	}

	dir := t.TempDir()
	require.NoError(t, pm.Save(dir))
	return dir
}

func TestRepackRows(t *testing.T) {
	// 1 Kopf, head_dim 4: [x0 x1 | x2 x3] -> x0 x2 x1 x3
	got, err := repackRows([]float32{0, 1, 2, 3}, []uint64{4, 1}, 1)
	require.NoError(t, err)
	if diff := cmp.Diff([]float32{0, 2, 1, 3}, got); diff != "" {
		t.Errorf("repack mismatch (-want +got):\n%s", diff)
	}

	// 2 Koepfe mit je 4 Zeilen und 2 Spalten
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	got, err = repackRows(data, []uint64{8, 2}, 2)
	require.NoError(t, err)
	want := []float32{0, 1, 4, 5, 2, 3, 6, 7, 8, 9, 12, 13, 10, 11, 14, 15}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("repack mismatch (-want +got):\n%s", diff)
	}

	_, err = repackRows(data, []uint64{8, 2}, 3)
	require.Error(t, err)
}

func TestConvertAdapter(t *testing.T) {
	dir := saveAdapter(t, "q_proj", "k_proj", "v_proj")

	for _, kind := range []ggml.TensorType{ggml.TensorTypeF32, ggml.TensorTypeF16} {
		t.Run(kind.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "adapter.gguf")
			f, err := os.Create(path)
			require.NoError(t, err)
			require.NoError(t, ConvertAdapter(dir, baseConfig(), f, kind))
			require.NoError(t, f.Close())

			f, err = os.Open(path)
			require.NoError(t, err)
			defer f.Close()

			gf, err := ggml.Decode(f)
			require.NoError(t, err)

			require.Equal(t, "adapter", gf.KV.Kind())
			require.Equal(t, "llama", gf.KV.Architecture())
			require.Equal(t, "lora", gf.KV.String("adapter.type"))
			require.InDelta(t, 32, gf.KV.Float("adapter.lora.alpha"), 1e-6)
			require.Equal(t, uint32(kind), gf.KV.Uint("general.file_type"))
			require.Equal(t, uint32(4), gf.KV.Uint("attention.head_count"))
			require.Equal(t, uint32(2), gf.KV.Uint("llama.attention.head_count_kv"))
			require.Len(t, gf.Tensors, 12)

			shapes := map[string][]uint64{}
			for _, ts := range gf.Tensors {
				shapes[ts.Name] = ts.Shape
				require.Equal(t, uint32(kind), ts.Kind)
			}
			// ggml-Reihenfolge: lora_a [in, r], lora_b [r, out]
			require.Equal(t, []uint64{16, 8}, shapes["blk.0.attn_q.weight.lora_a"])
			require.Equal(t, []uint64{8, 16}, shapes["blk.0.attn_q.weight.lora_b"])
			require.Equal(t, []uint64{8, 8}, shapes["blk.1.attn_k.weight.lora_b"])
			require.Equal(t, []uint64{8, 8}, shapes["blk.1.attn_v.weight.lora_b"])

			if kind != ggml.TensorTypeF32 {
				return
			}

			// v wird nicht permutiert, k schon
			read := func(name string) []float32 {
				for _, ts := range gf.Tensors {
					if ts.Name == name {
						out := make([]float32, ts.Elements())
						sr := io.NewSectionReader(f, int64(gf.TensorOffset+ts.Offset), int64(ts.Size()))
						require.NoError(t, binary.Read(sr, binary.LittleEndian, out))
						return out
					}
				}
				t.Fatalf("tensor %s fehlt", name)
				return nil
			}

			v := read("blk.0.attn_v.weight.lora_b")
			for i := range v {
				require.EqualValues(t, i, v[i])
			}

			k := read("blk.0.attn_k.weight.lora_b")
			want, err := repackRows(v, []uint64{8, 8}, 2)
			require.NoError(t, err)
			require.Equal(t, want, k)
		})
	}
}

func TestConvertAdapterUnsupported(t *testing.T) {
	dir := saveAdapter(t, "q_proj")
	f, err := os.Create(filepath.Join(t.TempDir(), "adapter.gguf"))
	require.NoError(t, err)
	defer f.Close()

	base := baseConfig()
	base.Architectures = []string{"GPT2LMHeadModel"}
	require.ErrorIs(t, ConvertAdapter(dir, base, f, ggml.TensorTypeF16), model.ErrUnsupportedModel)
}

func TestNewLlamaAdapter(t *testing.T) {
	params := newAdapterParameters(lora.DefaultConfig(), ggml.TensorTypeF32)

	// Tensors darf vor KV aufgerufen werden
	p, err := newLlamaAdapter(params, baseConfig())
	require.NoError(t, err)
	require.Equal(t, uint32(4), p.NumAttentionHeads)
	require.Equal(t, uint32(2), p.NumKeyValueHeads)

	ts := []*Tensor{{Name: "blk.0.attn_k.weight.lora_b", Shape: []uint64{8, 2}, Data: make([]float32, 16), Kind: ggml.TensorTypeF32}}
	out, err := p.Tensors(ts)
	require.NoError(t, err)
	require.Len(t, out, 1)

	// ohne num_key_value_heads gilt die Zahl der Attention-Koepfe
	base := baseConfig()
	base.NumKeyValueHeads = 0
	p, err = newLlamaAdapter(params, base)
	require.NoError(t, err)
	require.Equal(t, uint32(4), p.KV()["llama.attention.head_count_kv"])

	base.NumAttentionHeads = 0
	_, err = newLlamaAdapter(params, base)
	require.Error(t, err)
}

// convert_llama_adapter.go - LoRA-Adapter fuer die Llama-Familie
package convert

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/pdevine/tensor"

	"github.com/fimtune/fimtune/fs/ggml"
	"github.com/fimtune/fimtune/lora"
	"github.com/fimtune/fimtune/model"
)

type llamaAdapter struct {
	AdapterParameters

	NumAttentionHeads uint32
	NumKeyValueHeads  uint32
}

var _ AdapterConverter = (*llamaAdapter)(nil)

// newLlamaAdapter - Kopfzahlen kommen aus dem Basismodell, Tensors braucht sie fuer die Permutation
func newLlamaAdapter(params AdapterParameters, base model.Config) (*llamaAdapter, error) {
	if base.NumAttentionHeads <= 0 {
		return nil, fmt.Errorf("llama adapter: base model has %d attention heads", base.NumAttentionHeads)
	}
	return &llamaAdapter{
		AdapterParameters: params,
		NumAttentionHeads: uint32(base.NumAttentionHeads),
		NumKeyValueHeads:  uint32(cmp.Or(base.NumKeyValueHeads, base.NumAttentionHeads)),
	}, nil
}

// KV - Adapter-Metadaten plus Kopfzahlen des Basismodells
func (p *llamaAdapter) KV() ggml.KV {
	kv := p.AdapterParameters.KV()
	kv["general.architecture"] = "llama"
	kv["llama.attention.head_count"] = p.NumAttentionHeads
	kv["llama.attention.head_count_kv"] = p.NumKeyValueHeads
	return kv
}

// Replacements - PEFT-Namen auf llama.cpp-Namen
func (p *llamaAdapter) Replacements() []string {
	return []string{
		lora.KeyPrefix, "",
		"model.layers", "blk",
		"self_attn.q_proj", "attn_q",
		"self_attn.k_proj", "attn_k",
		"self_attn.v_proj", "attn_v",
		"self_attn.o_proj", "attn_output",
		"mlp.gate_proj", "ffn_gate",
		"mlp.down_proj", "ffn_down",
		"mlp.up_proj", "ffn_up",
		"lm_head", "output",
		"lora_A.weight", "weight.lora_a",
		"lora_B.weight", "weight.lora_b",
	}
}

// Tensors - lora_b von attn_q und attn_k wird wie die Basisgewichte permutiert
func (p *llamaAdapter) Tensors(ts []*Tensor) ([]*ggml.Tensor, error) {
	out := make([]*ggml.Tensor, 0, len(ts))
	for _, t := range ts {
		if !strings.HasPrefix(t.Name, "blk.") && !strings.HasPrefix(t.Name, "output.") {
			return nil, fmt.Errorf("%w: cannot map tensor %s", model.ErrUnknownModule, t.Name)
		}

		var heads uint32
		switch {
		case strings.HasSuffix(t.Name, "attn_q.weight.lora_b"):
			heads = p.NumAttentionHeads
		case strings.HasSuffix(t.Name, "attn_k.weight.lora_b"):
			heads = p.NumKeyValueHeads
		}

		if heads > 0 {
			data, err := repackRows(t.Data, t.Shape, heads)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", t.Name, err)
			}
			t.Data = data
		}

		out = append(out, &ggml.Tensor{Name: t.Name, Kind: uint32(t.Kind), Shape: t.Shape, WriterTo: t})
	}
	return out, nil
}

// repackRows ordnet die Zeilen von der rotate_half-Reihenfolge in die
// verschraenkte RoPE-Reihenfolge von llama.cpp um.
func repackRows(data []float32, shape []uint64, heads uint32) ([]float32, error) {
	rows, cols := int(shape[0]), int(shape[1])
	h := int(heads)
	if rows%(2*h) != 0 {
		return nil, fmt.Errorf("%d rows not divisible by 2*%d heads", rows, h)
	}

	n := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(append([]float32(nil), data...)))
	if err := n.Reshape(h, 2, rows/h/2, cols); err != nil {
		return nil, err
	}
	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, err
	}
	if err := n.Transpose(); err != nil {
		return nil, err
	}
	if err := n.Reshape(rows, cols); err != nil {
		return nil, err
	}

	out, ok := n.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected tensor data %T", n.Data())
	}
	return out, nil
}

package model

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/fimtune/fimtune/collate"
	"github.com/fimtune/fimtune/nn"
	"github.com/fimtune/fimtune/sft"
)

func init() {
	Register("LlamaForCausalLM", newLlama)
	Register("MistralForCausalLM", newLlama)
}

// Model ist ein Llama-artiges Decoder-only Sprachmodell
type Model struct {
	Config

	TokenEmbedding *nn.Tensor `hf:"model.embed_tokens.weight"`
	Layers         []Layer    `hf:"model.layers"`
	OutputNorm     *nn.Tensor `hf:"model.norm.weight"`
	Output         Linear     `hf:"lm_head,alt:model.embed_tokens"`
}

func newLlama(c Config) (*Model, error) {
	return &Model{
		Config: c,
		Layers: make([]Layer, c.NumHiddenLayers),
	}, nil
}

// Layer ist ein Transformer-Block
type Layer struct {
	AttentionNorm *nn.Tensor     `hf:"input_layernorm.weight"`
	SelfAttention *SelfAttention `hf:"self_attn"`
	MLPNorm       *nn.Tensor     `hf:"post_attention_layernorm.weight"`
	MLP           *MLP           `hf:"mlp"`
}

// SelfAttention mit Grouped-Query-Attention
type SelfAttention struct {
	Query  Linear `hf:"q_proj"`
	Key    Linear `hf:"k_proj"`
	Value  Linear `hf:"v_proj"`
	Output Linear `hf:"o_proj"`
}

// MLP ist der SwiGLU-Feedforward-Block
type MLP struct {
	Gate Linear `hf:"gate_proj"`
	Up   Linear `hf:"up_proj"`
	Down Linear `hf:"down_proj"`
}

func (sa *SelfAttention) Forward(tp *nn.Tape, x *nn.Tensor, positions []int32, mask []bool, batch int, c *Config) *nn.Tensor {
	rope := nn.RoPEOptions{HeadDim: c.HeadDim, Theta: c.RopeTheta, Factor: c.ropeFactor()}

	q := tp.RoPE(sa.Query.Forward(tp, x), positions, rope)
	k := tp.RoPE(sa.Key.Forward(tp, x), positions, rope)
	v := sa.Value.Forward(tp, x)

	a := tp.CausalAttention(q, k, v, batch, c.NumAttentionHeads, c.NumKeyValueHeads, mask)
	return sa.Output.Forward(tp, a)
}

func (mlp *MLP) Forward(tp *nn.Tape, x *nn.Tensor) *nn.Tensor {
	return mlp.Down.Forward(tp, tp.SwiGLU(mlp.Gate.Forward(tp, x), mlp.Up.Forward(tp, x)))
}

func (l *Layer) Forward(tp *nn.Tape, h *nn.Tensor, positions []int32, mask []bool, batch int, c *Config) *nn.Tensor {
	x := tp.RMSNorm(h, l.AttentionNorm, c.RMSNormEps)
	h = tp.Add(h, l.SelfAttention.Forward(tp, x, positions, mask, batch, c))

	x = tp.RMSNorm(h, l.MLPNorm, c.RMSNormEps)
	return tp.Add(h, l.MLP.Forward(tp, x))
}

// Forward berechnet die Logits [batch*seq x vocab] fuer batch gleich lange Sequenzen.
// mask (optional, Laenge len(ids)) markiert gueltige Schluesselpositionen.
func (m *Model) Forward(tp *nn.Tape, ids []int32, mask []bool, batch int) (*nn.Tensor, error) {
	if batch <= 0 || len(ids)%batch != 0 {
		return nil, fmt.Errorf("model: %d ids do not split into %d sequences", len(ids), batch)
	}
	if mask != nil && len(mask) != len(ids) {
		return nil, fmt.Errorf("model: mask length %d, expected %d", len(mask), len(ids))
	}
	for _, id := range ids {
		if id < 0 || int(id) >= m.VocabSize {
			return nil, fmt.Errorf("model: token id %d out of range [0,%d)", id, m.VocabSize)
		}
	}

	seq := len(ids) / batch
	positions := make([]int32, len(ids))
	for i := range positions {
		positions[i] = int32(i % seq)
	}

	h := tp.Embedding(m.TokenEmbedding, ids)
	for i := range m.Layers {
		h = m.Layers[i].Forward(tp, h, positions, mask, batch, &m.Config)
	}

	h = tp.RMSNorm(h, m.OutputNorm, m.RMSNormEps)
	return m.Output.Forward(tp, h), nil
}

// Loss berechnet die mittlere Cross-Entropy mit kausaler Verschiebung:
// logits an Position t sagen labels[t+1] voraus, sft.IgnoreIndex zaehlt nicht.
func (m *Model) Loss(tp *nn.Tape, b *collate.Batch) (*nn.Tensor, error) {
	n, seq := b.Size(), b.SeqLen()
	ids := make([]int32, 0, n*seq)
	mask := make([]bool, 0, n*seq)
	targets := make([]int32, 0, n*seq)
	for i := range n {
		rowIDs, labels, rowMask := b.Row(i)
		ids = append(ids, rowIDs...)
		mask = append(mask, rowMask...)
		targets = append(targets, labels[1:]...)
		targets = append(targets, sft.IgnoreIndex)
	}

	logits, err := m.Forward(tp, ids, mask, n)
	if err != nil {
		return nil, err
	}
	return tp.CrossEntropy(logits, targets, sft.IgnoreIndex), nil
}

// Tensors gibt alle Gewichte mit HF-Namen zurueck
func (m *Model) Tensors() []NamedTensor {
	return tensors(reflect.ValueOf(m).Elem())
}

// Modules gibt die Namen aller Linear-Schichten zurueck
func (m *Model) Modules() []string {
	names, _ := linears(reflect.ValueOf(m).Elem())
	return names
}

// Module gibt die Linear-Schicht mit dem Namen name zurueck
func (m *Model) Module(name string) (Linear, error) {
	names, fields := linears(reflect.ValueOf(m).Elem())
	for i, n := range names {
		if n == name {
			return fields[i].Interface().(Linear), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
}

// Replace ersetzt die Linear-Schicht name durch l
func (m *Model) Replace(name string, l Linear) error {
	names, fields := linears(reflect.ValueOf(m).Elem())
	for i, n := range names {
		if n != name {
			continue
		}

		out, in := fields[i].Interface().(Linear).Shape()
		if lo, li := l.Shape(); lo != out || li != in {
			return fmt.Errorf("model: replacement for %s has shape %dx%d, expected %dx%d", name, lo, li, out, in)
		}
		fields[i].Set(reflect.ValueOf(l))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownModule, name)
}

// Freeze schaltet die Gradienten aller Gewichte ab
func (m *Model) Freeze() {
	for _, t := range m.Tensors() {
		t.Tensor.SetRequiresGrad(false)
	}
}

// Validate prueft die Formen aller geladenen Tensoren gegen die Konfiguration
func (m *Model) Validate() error {
	for _, nt := range m.Tensors() {
		rows, cols, ok := m.tensorShape(nt.Name)
		if !ok {
			continue
		}
		if nt.Tensor.Rows != rows || nt.Tensor.Cols != cols {
			return fmt.Errorf("model: tensor %s has shape %dx%d, expected %dx%d", nt.Name, nt.Tensor.Rows, nt.Tensor.Cols, rows, cols)
		}
	}
	return nil
}

// tensorShape gibt die erwartete Form [rows x cols] eines HF-Tensornamens zurueck
func (c Config) tensorShape(name string) (int, int, bool) {
	switch name {
	case "model.embed_tokens.weight", "lm_head.weight":
		return c.VocabSize, c.HiddenSize, true
	case "model.norm.weight":
		return 1, c.HiddenSize, true
	}

	rest, ok := strings.CutPrefix(name, "model.layers.")
	if !ok {
		return 0, 0, false
	}
	idx, rest, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, false
	}
	if n, err := strconv.Atoi(idx); err != nil || n < 0 || n >= c.NumHiddenLayers {
		return 0, 0, false
	}

	q, kv := c.NumAttentionHeads*c.HeadDim, c.NumKeyValueHeads*c.HeadDim
	switch rest {
	case "input_layernorm.weight", "post_attention_layernorm.weight":
		return 1, c.HiddenSize, true
	case "self_attn.q_proj.weight":
		return q, c.HiddenSize, true
	case "self_attn.k_proj.weight", "self_attn.v_proj.weight":
		return kv, c.HiddenSize, true
	case "self_attn.o_proj.weight":
		return c.HiddenSize, q, true
	case "mlp.gate_proj.weight", "mlp.up_proj.weight":
		return c.IntermediateSize, c.HiddenSize, true
	case "mlp.down_proj.weight":
		return c.HiddenSize, c.IntermediateSize, true
	}
	return 0, 0, false
}

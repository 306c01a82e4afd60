// convert_adapter.go - Adapter-Konvertierung: Laedt einen LoRA-Adapter und schreibt GGUF
// Hauptfunktionen: ConvertAdapter
package convert

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/fimtune/fimtune/fs/ggml"
	"github.com/fimtune/fimtune/lora"
	"github.com/fimtune/fimtune/model"
)

// ConvertAdapter - Konvertiert den Adapter in dir zu einer GGUF-Datei
func ConvertAdapter(dir string, base model.Config, f *os.File, kind ggml.TensorType) error {
	a, err := lora.Load(dir)
	if err != nil {
		return err
	}

	var conv AdapterConverter
	switch arch := base.Architecture(); arch {
	case "LlamaForCausalLM", "MistralForCausalLM":
		conv, err = newLlamaAdapter(newAdapterParameters(a.Config, kind), base)
	default:
		return fmt.Errorf("%w: adapter export for architecture %q", model.ErrUnsupportedModel, arch)
	}
	if err != nil {
		return err
	}

	replacer := strings.NewReplacer(conv.Replacements()...)
	var ts []*Tensor
	for _, name := range a.Modules {
		la, lb := a.A[name], a.B[name]
		ts = append(ts,
			&Tensor{Name: replacer.Replace(lora.KeyPrefix + name + ".lora_A.weight"), Shape: []uint64{uint64(la.Rows), uint64(la.Cols)}, Data: la.Data, Kind: kind},
			&Tensor{Name: replacer.Replace(lora.KeyPrefix + name + ".lora_B.weight"), Shape: []uint64{uint64(lb.Rows), uint64(lb.Cols)}, Data: lb.Data, Kind: kind},
		)
	}

	out, err := conv.Tensors(ts)
	if err != nil {
		return err
	}

	slog.Debug("converting adapter", "modules", len(a.Modules), "tensors", len(out), "type", kind)
	return writeFile(f, conv.KV(), out)
}

// writeFile - Schreibt GGUF-Datei mit KV-Metadaten und Tensoren in ggml-Reihenfolge
func writeFile(f *os.File, kv ggml.KV, ts []*ggml.Tensor) error {
	for i := range ts {
		ts[i].Shape = slices.Clone(ts[i].Shape)
		slices.Reverse(ts[i].Shape)
	}
	return ggml.WriteAdapter(f, kv, ts)
}

// convert_types.go - Basis-Typen fuer die Adapter-Konvertierung
// Haupttypen: AdapterParameters, AdapterConverter, Tensor
package convert

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/x448/float16"

	"github.com/fimtune/fimtune/fs/ggml"
	"github.com/fimtune/fimtune/lora"
)

// AdapterParameters - Konfiguration aus adapter_config.json
type AdapterParameters struct {
	Alpha float32
	Rank  int
	Base  string

	// FileType ist der Tensor-Typ der Ausgabe
	FileType ggml.TensorType
}

func newAdapterParameters(cfg lora.Config, kind ggml.TensorType) AdapterParameters {
	return AdapterParameters{Alpha: cfg.Alpha, Rank: cfg.R, Base: cfg.BaseModelNameOrPath, FileType: kind}
}

// KV - Erstellt die Adapter-Metadaten
func (p AdapterParameters) KV() ggml.KV {
	kv := ggml.KV{
		"adapter.lora.alpha": p.Alpha,
		"adapter.type":       "lora",
		"general.file_type":  p.FileType.FileType(),
		"general.type":       "adapter",
		"general.version":    "v0.2",
	}
	if p.Base != "" {
		kv["general.base_model.count"] = uint32(1)
		kv["general.base_model.0.repo_url"] = p.Base
	}
	return kv
}

// AdapterConverter - Interface fuer Adapter-Konvertierung je Architektur
type AdapterConverter interface {
	// KV liefert die Adapter-Metadaten samt Werten des Basismodells
	KV() ggml.KV
	// Tensors bildet Eingabe-Tensoren auf GGUF-Tensoren ab
	Tensors([]*Tensor) ([]*ggml.Tensor, error)
	// Replacements liefert Paare fuer einen strings.Replacer ueber die Tensor-Namen
	Replacements() []string
}

// Tensor ist ein Adapter-Tensor in PyTorch-Reihenfolge [rows, cols]
type Tensor struct {
	Name  string
	Shape []uint64
	Data  []float32
	Kind  ggml.TensorType
}

// WriteTo schreibt die Daten im Zieltyp
func (t *Tensor) WriteTo(w io.Writer) (int64, error) {
	switch t.Kind {
	case ggml.TensorTypeF32:
		if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
			return 0, err
		}
		return int64(len(t.Data) * 4), nil
	case ggml.TensorTypeF16:
		u16s := make([]uint16, len(t.Data))
		for i, f := range t.Data {
			u16s[i] = float16.Fromfloat32(f).Bits()
		}
		if err := binary.Write(w, binary.LittleEndian, u16s); err != nil {
			return 0, err
		}
		return int64(len(u16s) * 2), nil
	default:
		return 0, fmt.Errorf("%w: tensor type %s", ggml.ErrUnsupportedFormat, t.Kind)
	}
}

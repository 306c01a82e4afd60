// Package ggml - GGUF Kerntypen
//
// Dieses Modul definiert die Kernstrukturen:
// - KV: Metadaten mit typisierten Gettern
// - Tensor: Tensor-Info mit Datenquelle fuer den Writer
// - TensorType: F32 und F16, die Typen die Adapter verwenden
package ggml

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"math"
	"strings"
)

// FILE_MAGIC_GGUF_LE ist die Magic-Zahl fuer GGUF Little-Endian
const FILE_MAGIC_GGUF_LE = 0x46554747

// ErrUnsupportedFormat wird zurueckgegeben wenn das Format nicht unterstuetzt wird
var ErrUnsupportedFormat = errors.New("unsupported model format")

// KV haelt GGUF-Metadaten
type KV map[string]any

// Architecture gibt die Modell-Architektur zurueck
func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

// Kind gibt general.type zurueck (model oder adapter)
func (kv KV) Kind() string {
	return kv.String("general.type", "unknown")
}

// Len gibt die Anzahl der Eintraege zurueck
func (kv KV) Len() int { return len(kv) }

// Keys gibt alle Schluessel zurueck
func (kv KV) Keys() iter.Seq[string] { return maps.Keys(kv) }

// Value gibt einen Wert zurueck
func (kv KV) Value(key string) any { return kv[key] }

// key ergaenzt das Architektur-Praefix fuer modellspezifische Schluessel
func (kv KV) key(k string) string {
	for _, prefix := range []string{"general.", "adapter.", "tokenizer."} {
		if strings.HasPrefix(k, prefix) {
			return k
		}
	}
	if arch, ok := kv["general.architecture"].(string); ok && !strings.HasPrefix(k, arch+".") {
		return arch + "." + k
	}
	return k
}

func keyValue[T any](kv KV, key string, defaultValue ...T) T {
	if v, ok := kv[kv.key(key)].(T); ok {
		return v
	}
	var zero T
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return zero
}

// String gibt einen String-Wert zurueck
func (kv KV) String(key string, defaultValue ...string) string {
	return keyValue(kv, key, defaultValue...)
}

// Uint gibt einen uint32-Wert zurueck
func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	return keyValue(kv, key, defaultValue...)
}

// Float gibt einen float32-Wert zurueck
func (kv KV) Float(key string, defaultValue ...float32) float32 {
	return keyValue(kv, key, defaultValue...)
}

// TensorType ist der ggml_type eines Tensors
type TensorType uint32

const (
	TensorTypeF32 TensorType = iota
	TensorTypeF16
)

// ParseTensorType parst den Tensortyp aus einem String
func ParseTensorType(s string) (TensorType, error) {
	switch strings.ToUpper(s) {
	case "F32":
		return TensorTypeF32, nil
	case "F16":
		return TensorTypeF16, nil
	default:
		return 0, fmt.Errorf("%w: tensor type %q", ErrUnsupportedFormat, s)
	}
}

// TypeSize gibt die Byte-Groesse pro Element zurueck
func (t TensorType) TypeSize() uint64 {
	switch t {
	case TensorTypeF32:
		return 4
	case TensorTypeF16:
		return 2
	default:
		return 0
	}
}

// FileType gibt den passenden general.file_type zurueck
func (t TensorType) FileType() uint32 {
	return uint32(t)
}

func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	default:
		return "unknown"
	}
}

// Tensor repraesentiert einen GGUF-Tensor
type Tensor struct {
	Name   string `json:"name"`
	Kind   uint32 `json:"kind"`
	Offset uint64 `json:"-"`

	// Shape ist die Anzahl der Elemente in jeder Dimension (ggml-Reihenfolge)
	Shape []uint64 `json:"shape"`

	io.WriterTo `json:"-"`
}

// block extrahiert die Block-Nummer aus dem Tensor-Namen
func (t Tensor) block() (n int) {
	if _, err := fmt.Sscanf(t.Name, "blk.%d.", &n); err != nil {
		return math.MaxInt
	}
	return
}

// Elements gibt die Gesamtanzahl der Elemente im Tensor zurueck
func (t Tensor) Elements() uint64 {
	var count uint64 = 1
	for _, n := range t.Shape {
		count *= n
	}
	return count
}

// Size gibt die Groesse des Tensors in Bytes zurueck
func (t Tensor) Size() uint64 {
	return t.Elements() * TensorType(t.Kind).TypeSize()
}

// Type gibt den Typ-Namen zurueck
func (t Tensor) Type() string {
	return TensorType(t.Kind).String()
}

// Package ggml - GGUF Adapter-Writer
//
// Dieses Modul schreibt LoRA-Adapter im GGUF-Format (V3):
// - WriteAdapter: prueft Adapter-Metadaten und Tensor-Paare, schreibt Kopf und Daten
// - ggufEncoder: Kopf-Serialisierung mit Fehler-Akkumulation
package ggml

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidAdapter - Metadaten oder Tensoren ergeben keinen gueltigen LoRA-Adapter
var ErrInvalidAdapter = errors.New("invalid lora adapter")

const (
	ggufVersion      = 3
	defaultAlignment = 32
	loraA            = ".lora_a"
	loraB            = ".lora_b"
)

// WriteAdapter schreibt einen LoRA-Adapter nach f; Tensoren werden nach Block und Name sortiert
func WriteAdapter(f *os.File, kv KV, ts []*Tensor) error {
	if err := validateAdapter(kv, ts); err != nil {
		return err
	}

	slices.SortStableFunc(ts, func(a, b *Tensor) int {
		return cmp.Or(cmp.Compare(a.block(), b.block()), cmp.Compare(a.Name, b.Name))
	})

	alignment := uint64(kv.Uint("general.alignment", defaultAlignment))

	var size uint64
	for _, t := range ts {
		t.Offset = size
		size += t.Size()
		size += padding(size, alignment)
	}

	var buf bytes.Buffer
	e := ggufEncoder{w: &buf}
	e.header(kv, ts)
	if e.err != nil {
		return e.err
	}

	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}

	offset := uint64(start) + uint64(buf.Len())
	offset += padding(offset, alignment)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		w := io.NewOffsetWriter(f, int64(offset+t.Offset))
		g.Go(func() error {
			n, err := t.WriteTo(w)
			if err != nil {
				return fmt.Errorf("write tensor %s: %w", t.Name, err)
			}
			if uint64(n) != t.Size() {
				return fmt.Errorf("write tensor %s: wrote %d bytes, expected %d", t.Name, n, t.Size())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Datei bis zum Ende des letzten Tensors auffuellen
	return f.Truncate(int64(offset + size))
}

// validateAdapter - general.type=adapter, adapter.type=lora, ein Tensortyp (F16 oder F32)
// fuer alle Tensoren und zu jedem lora_a ein lora_b mit passendem Rang
func validateAdapter(kv KV, ts []*Tensor) error {
	if kv.String("general.architecture") == "" {
		return fmt.Errorf("%w: general.architecture not set", ErrInvalidAdapter)
	}
	if kind := kv.Kind(); kind != "adapter" {
		return fmt.Errorf("%w: general.type is %q", ErrInvalidAdapter, kind)
	}
	if typ := kv.String("adapter.type"); typ != "lora" {
		return fmt.Errorf("%w: adapter.type is %q", ErrInvalidAdapter, typ)
	}

	fileType, ok := kv["general.file_type"].(uint32)
	if !ok {
		return fmt.Errorf("%w: general.file_type not set", ErrInvalidAdapter)
	}
	kind := TensorType(fileType)
	if kind != TensorTypeF32 && kind != TensorTypeF16 {
		return fmt.Errorf("%w: file type %d", ErrUnsupportedFormat, fileType)
	}

	pairs := make(map[string][2]*Tensor, len(ts)/2)
	for _, t := range ts {
		if TensorType(t.Kind) != kind {
			return fmt.Errorf("%w: tensor %s is %s, file type is %s", ErrInvalidAdapter, t.Name, t.Type(), kind)
		}
		if len(t.Shape) != 2 {
			return fmt.Errorf("%w: tensor %s has %d dimensions", ErrInvalidAdapter, t.Name, len(t.Shape))
		}

		switch {
		case strings.HasSuffix(t.Name, loraA):
			p := pairs[strings.TrimSuffix(t.Name, loraA)]
			p[0] = t
			pairs[strings.TrimSuffix(t.Name, loraA)] = p
		case strings.HasSuffix(t.Name, loraB):
			p := pairs[strings.TrimSuffix(t.Name, loraB)]
			p[1] = t
			pairs[strings.TrimSuffix(t.Name, loraB)] = p
		default:
			return fmt.Errorf("%w: tensor %s is neither lora_a nor lora_b", ErrInvalidAdapter, t.Name)
		}
	}

	for name, p := range pairs {
		a, b := p[0], p[1]
		if a == nil || b == nil {
			return fmt.Errorf("%w: %s needs both lora_a and lora_b", ErrInvalidAdapter, name)
		}
		// ggml-Reihenfolge: lora_a [in, r], lora_b [r, out]
		if a.Shape[1] != b.Shape[0] {
			return fmt.Errorf("%w: %s rank mismatch %d != %d", ErrInvalidAdapter, name, a.Shape[1], b.Shape[0])
		}
	}

	slog.Debug("adapter", "architecture", kv.Architecture(), "type", kind, "modules", len(pairs))
	return nil
}

func padding(offset, align uint64) uint64 {
	return (align - offset%align) % align
}

// ggufEncoder schreibt den Kopf; nach dem ersten Fehler werden weitere Schreibvorgaenge ignoriert
type ggufEncoder struct {
	w   io.Writer
	err error
}

func (e *ggufEncoder) write(v any) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, v)
	}
}

func (e *ggufEncoder) string(s string) {
	e.write(uint64(len(s)))
	e.write([]byte(s))
}

func (e *ggufEncoder) header(kv KV, ts []*Tensor) {
	e.write([]byte("GGUF"))
	e.write(uint32(ggufVersion))
	e.write(uint64(len(ts)))
	e.write(uint64(kv.Len()))

	for _, k := range slices.Sorted(kv.Keys()) {
		e.string(k)
		e.value(k, kv.Value(k))
	}

	for _, t := range ts {
		e.string(t.Name)
		e.write(uint32(len(t.Shape)))
		e.write(t.Shape)
		e.write(t.Kind)
		e.write(t.Offset)
	}
}

// value - Adapter-Metadaten kommen ohne Arrays aus
func (e *ggufEncoder) value(k string, v any) {
	switch v := v.(type) {
	case uint32:
		e.write(ggufTypeUint32)
		e.write(v)
	case int32:
		e.write(ggufTypeInt32)
		e.write(v)
	case uint64:
		e.write(ggufTypeUint64)
		e.write(v)
	case float32:
		e.write(ggufTypeFloat32)
		e.write(v)
	case bool:
		e.write(ggufTypeBool)
		e.write(v)
	case string:
		e.write(ggufTypeString)
		e.string(v)
	default:
		if e.err == nil {
			e.err = fmt.Errorf("%w: value %T for %s", ErrUnsupportedFormat, v, k)
		}
	}
}

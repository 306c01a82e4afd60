// safetensors.go - Lesen und Schreiben des safetensors Formats
//
// Hauptfunktionen:
// - Open: Liest Header und Metadaten einer .safetensors Datei
// - File.Float32: Laedt einen Tensor (F32, F16, BF16) als float32
// - Write: Schreibt F32-Tensoren mit geordnetem Header
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"
)

const metadataKey = "__metadata__"

// maximale Header-Groesse, groessere Werte deuten auf eine kaputte Datei hin
const maxHeaderSize = 100 << 20

var (
	// ErrTensorNotFound - der Tensor existiert nicht in der Datei
	ErrTensorNotFound = errors.New("safetensors: tensor not found")

	// ErrUnsupportedDType - der Datentyp kann nicht nach float32 konvertiert werden
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
)

// TensorInfo beschreibt einen Tensor im Header
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Elements gibt die Anzahl der Elemente zurueck
func (ti TensorInfo) Elements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// File ist eine geoeffnete safetensors Datei
type File struct {
	path      string
	dataStart int64
	tensors   map[string]TensorInfo
	metadata  map[string]string
}

// Open liest den Header von path
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%s: read header size: %w", path, err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("%s: invalid header size %d", path, n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	sf := &File{path: path, dataStart: 8 + int64(n), tensors: make(map[string]TensorInfo, len(raw))}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &sf.metadata); err != nil {
				return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
			}
			continue
		}

		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, fmt.Errorf("%s: parse tensor %q: %w", path, name, err)
		}
		sf.tensors[name] = ti
	}

	return sf, nil
}

// Path gibt den Dateipfad zurueck
func (f *File) Path() string { return f.path }

// Metadata gibt den __metadata__ Block zurueck
func (f *File) Metadata() map[string]string { return f.metadata }

// Names gibt alle Tensor-Namen sortiert zurueck
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info gibt den Header-Eintrag fuer name zurueck
func (f *File) Info(name string) (TensorInfo, bool) {
	ti, ok := f.tensors[name]
	return ti, ok
}

// Float32 laedt den Tensor name und gibt Daten und Form zurueck
func (f *File) Float32(name string) ([]float32, []int, error) {
	ti, ok := f.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}

	shape := make([]int, len(ti.Shape))
	for i, d := range ti.Shape {
		shape[i] = int(d)
	}

	file, err := os.Open(f.path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	size := ti.DataOffsets[1] - ti.DataOffsets[0]
	buf := make([]byte, size)
	if _, err := file.ReadAt(buf, f.dataStart+ti.DataOffsets[0]); err != nil {
		return nil, nil, fmt.Errorf("%s: read %s: %w", f.path, name, err)
	}

	data, err := decode(ti.DType, buf, ti.Elements())
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return data, shape, nil
}

func decode(dtype string, buf []byte, n int64) ([]float32, error) {
	switch dtype {
	case "F32":
		if int64(len(buf)) != 4*n {
			return nil, fmt.Errorf("F32 size %d does not match %d elements", len(buf), n)
		}
		f32s := make([]float32, n)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		return f32s, nil
	case "F16":
		if int64(len(buf)) != 2*n {
			return nil, fmt.Errorf("F16 size %d does not match %d elements", len(buf), n)
		}
		f32s := make([]float32, n)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return f32s, nil
	case "BF16":
		if int64(len(buf)) != 2*n {
			return nil, fmt.Errorf("BF16 size %d does not match %d elements", len(buf), n)
		}
		return bfloat16.DecodeFloat32(buf), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
}

// Tensor ist ein zu schreibender F32-Tensor
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write schreibt tensors in der gegebenen Reihenfolge als F32
func Write(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	header := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		meta := orderedmap.New[string, string]()
		for _, k := range keys {
			meta.Set(k, metadata[k])
		}
		header.Set(metadataKey, meta)
	}

	var offset int64
	for _, t := range tensors {
		elements := int64(1)
		shape := make([]int64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int64(d)
			elements *= int64(d)
		}
		if elements != int64(len(t.Data)) {
			return fmt.Errorf("safetensors: %s has %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
		if _, ok := header.Get(t.Name); ok {
			return fmt.Errorf("safetensors: duplicate tensor %s", t.Name)
		}

		header.Set(t.Name, TensorInfo{DType: "F32", Shape: shape, DataOffsets: [2]int64{offset, offset + 4*elements}})
		offset += 4 * elements
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Header auf 8 Byte ausrichten
	if pad := (8 - len(bts)%8) % 8; pad > 0 {
		bts = append(bts, bytes.Repeat([]byte(" "), pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(bts))); err != nil {
		return err
	}
	if _, err := w.Write(bts); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, t := range tensors {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

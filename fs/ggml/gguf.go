// Package ggml - GGUF Decode Operations
//
// Dieses Modul enthaelt Funktionen zum Lesen von GGUF-Dateien:
// - Decode: Liest Header, KV-Paare und Tensor-Infos
// - readGGUF*: Lese-Funktionen fuer die verschiedenen Datentypen
package ggml

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// GGUF Type Constants
const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// maxStringLength begrenzt Strings beim Lesen beschaedigter Dateien
const maxStringLength = 1 << 28

// File ist eine dekodierte GGUF-Datei ohne Tensor-Daten
type File struct {
	Version uint32
	KV      KV
	Tensors []*Tensor

	// TensorOffset ist der Beginn des Datenbereichs
	TensorOffset uint64
}

// Decode liest eine GGUF-Datei (Version 2 oder 3)
func Decode(r io.Reader) (*File, error) {
	br := &countingReader{r: bufio.NewReaderSize(r, 32<<10)}

	var magic uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != FILE_MAGIC_GGUF_LE {
		return nil, fmt.Errorf("%w: invalid file magic %#x", ErrUnsupportedFormat, magic)
	}

	f := &File{KV: KV{}}
	if err := binary.Read(br, binary.LittleEndian, &f.Version); err != nil {
		return nil, err
	}
	if f.Version < 2 {
		return nil, fmt.Errorf("%w: gguf version %d", ErrUnsupportedFormat, f.Version)
	}

	var header struct {
		NumTensor uint64
		NumKV     uint64
	}
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, err
	}

	for range header.NumKV {
		k, err := readGGUFString(br)
		if err != nil {
			return nil, err
		}
		t, err := readGGUF[uint32](br)
		if err != nil {
			return nil, err
		}
		v, err := readGGUFValue(br, t)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		f.KV[k] = v
	}

	for range header.NumTensor {
		t, err := readTensorInfo(br)
		if err != nil {
			return nil, err
		}
		f.Tensors = append(f.Tensors, t)
	}

	alignment := f.KV.Uint("general.alignment", 32)
	f.TensorOffset = uint64(br.n) + padding(uint64(br.n), uint64(alignment))
	return f, nil
}

// countingReader zaehlt gelesene Bytes fuer die Offset-Berechnung
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func readTensorInfo(r io.Reader) (*Tensor, error) {
	name, err := readGGUFString(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor name: %w", err)
	}

	dims, err := readGGUF[uint32](r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor dimensions: %w", err)
	}

	shape := make([]uint64, dims)
	for i := range shape {
		if shape[i], err = readGGUF[uint64](r); err != nil {
			return nil, fmt.Errorf("failed to read tensor shape: %w", err)
		}
	}

	kind, err := readGGUF[uint32](r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor kind: %w", err)
	}

	offset, err := readGGUF[uint64](r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor offset: %w", err)
	}

	return &Tensor{Name: name, Kind: kind, Offset: offset, Shape: shape}, nil
}

func readGGUFValue(r io.Reader, t uint32) (any, error) {
	switch t {
	case ggufTypeUint8:
		return readGGUF[uint8](r)
	case ggufTypeInt8:
		return readGGUF[int8](r)
	case ggufTypeUint16:
		return readGGUF[uint16](r)
	case ggufTypeInt16:
		return readGGUF[int16](r)
	case ggufTypeUint32:
		return readGGUF[uint32](r)
	case ggufTypeInt32:
		return readGGUF[int32](r)
	case ggufTypeUint64:
		return readGGUF[uint64](r)
	case ggufTypeInt64:
		return readGGUF[int64](r)
	case ggufTypeFloat32:
		return readGGUF[float32](r)
	case ggufTypeFloat64:
		return readGGUF[float64](r)
	case ggufTypeBool:
		return readGGUF[bool](r)
	case ggufTypeString:
		return readGGUFString(r)
	case ggufTypeArray:
		return readGGUFArray(r)
	default:
		return nil, fmt.Errorf("invalid type: %d", t)
	}
}

// readGGUFArray liest ein Array; Strings werden als []string, Zahlen als typisierte Slices geliefert
func readGGUFArray(r io.Reader) (any, error) {
	t, err := readGGUF[uint32](r)
	if err != nil {
		return nil, err
	}
	n, err := readGGUF[uint64](r)
	if err != nil {
		return nil, err
	}

	switch t {
	case ggufTypeString:
		s := make([]string, n)
		for i := range s {
			if s[i], err = readGGUFString(r); err != nil {
				return nil, err
			}
		}
		return s, nil
	case ggufTypeInt32:
		return readGGUFSlice[int32](r, n)
	case ggufTypeUint32:
		return readGGUFSlice[uint32](r, n)
	case ggufTypeInt64:
		return readGGUFSlice[int64](r, n)
	case ggufTypeFloat32:
		return readGGUFSlice[float32](r, n)
	case ggufTypeBool:
		return readGGUFSlice[bool](r, n)
	default:
		return nil, fmt.Errorf("%w: array of type %d", ErrUnsupportedFormat, t)
	}
}

func readGGUFSlice[T any](r io.Reader, n uint64) ([]T, error) {
	s := make([]T, n)
	return s, binary.Read(r, binary.LittleEndian, s)
}

// readGGUF liest einen typisierten Wert aus dem Reader
func readGGUF[T any](r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, binary.LittleEndian, &t)
	return t, err
}

// readGGUFString liest einen String aus dem Reader
func readGGUFString(r io.Reader) (string, error) {
	length, err := readGGUF[uint64](r)
	if err != nil {
		return "", err
	}
	if length > maxStringLength {
		return "", fmt.Errorf("%w: string of %d bytes", ErrUnsupportedFormat, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

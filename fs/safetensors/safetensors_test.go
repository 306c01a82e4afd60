package safetensors

import (
	"bufio"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestWriteOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapter_model.safetensors")
	f, err := os.Create(path)
	require.NoError(t, err)

	w := bufio.NewWriter(f)
	require.NoError(t, Write(w, []Tensor{
		{Name: "b.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "a.weight", Shape: []int{3}, Data: []float32{-1, 0, 1}},
	}, map[string]string{"format": "pt"}))
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	sf, err := Open(path)
	require.NoError(t, err)

	require.Equal(t, []string{"a.weight", "b.weight"}, sf.Names())
	require.Equal(t, map[string]string{"format": "pt"}, sf.Metadata())

	data, shape, err := sf.Float32("b.weight")
	require.NoError(t, err)
	if diff := cmp.Diff([]int{2, 2}, shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	_, _, err = sf.Float32("missing")
	require.ErrorIs(t, err, ErrTensorNotFound)

	// Header-Reihenfolge bleibt erhalten und ist auf 8 Byte ausgerichtet
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint64(raw)
	require.Zero(t, n%8)
	header := string(raw[8 : 8+n])
	require.Less(t, strings.Index(header, "__metadata__"), strings.Index(header, "b.weight"))
	require.Less(t, strings.Index(header, "b.weight"), strings.Index(header, "a.weight"))
}

func TestWriteRejectsBadShape(t *testing.T) {
	err := Write(&strings.Builder{}, []Tensor{{Name: "x", Shape: []int{2}, Data: []float32{1}}}, nil)
	require.Error(t, err)

	err = Write(&strings.Builder{}, []Tensor{
		{Name: "x", Shape: []int{1}, Data: []float32{1}},
		{Name: "x", Shape: []int{1}, Data: []float32{1}},
	}, nil)
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	want := []float32{1, -2.5, 0.125}

	f16 := make([]byte, 0, 6)
	for _, v := range want {
		f16 = binary.LittleEndian.AppendUint16(f16, float16.Fromfloat32(v).Bits())
	}
	got, err := decode("F16", f16, 3)
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = decode("BF16", bfloat16.EncodeFloat32(want), 3)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = decode("I8", []byte{1}, 1)
	require.True(t, errors.Is(err, ErrUnsupportedDType))

	_, err = decode("F32", []byte{1, 2}, 1)
	require.Error(t, err)
}

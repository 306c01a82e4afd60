// tensor.go - Zeilenweise float32 Matrizen fuer das Training
//
// Hauptfunktionen:
// - Tensor: [Rows x Cols] Matrix mit Trainierbarkeits-Flag
// - New/Zeros/FromFunc: Konstruktoren
package nn

import (
	"fmt"
	"math"
)

// Tensor ist eine dichte, zeilenweise gespeicherte Matrix.
// Gradienten liegen im Tape, damit Replikate dieselben Gewichte teilen koennen.
type Tensor struct {
	Rows, Cols int
	Data       []float32

	requiresGrad bool
}

// New erstellt einen Tensor mit vorhandenem Speicher
func New(rows, cols int, data []float32) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("nn: data length %d does not match shape %dx%d", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// Zeros erstellt einen mit Nullen gefuellten Tensor
func Zeros(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromFunc fuellt einen Tensor elementweise
func FromFunc(rows, cols int, fn func(i, j int) float32) *Tensor {
	t := Zeros(rows, cols)
	for i := range rows {
		for j := range cols {
			t.Data[i*cols+j] = fn(i, j)
		}
	}
	return t
}

// Param markiert den Tensor als trainierbar
func (t *Tensor) Param() *Tensor {
	t.requiresGrad = true
	return t
}

// SetRequiresGrad setzt das Trainierbarkeits-Flag
func (t *Tensor) SetRequiresGrad(b bool) { t.requiresGrad = b }

// RequiresGrad meldet, ob Gradienten fuer t gesammelt werden
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Len gibt die Anzahl der Elemente zurueck
func (t *Tensor) Len() int { return len(t.Data) }

// Row gibt eine Sicht auf Zeile i zurueck
func (t *Tensor) Row(i int) []float32 { return t.Data[i*t.Cols : (i+1)*t.Cols] }

// Item gibt den Wert eines 1x1 Tensors zurueck
func (t *Tensor) Item() float32 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("nn: Item on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

// Clone kopiert Daten und Flag
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Rows: t.Rows, Cols: t.Cols, Data: data, requiresGrad: t.requiresGrad}
}

// Norm gibt die L2-Norm der Daten zurueck
func (t *Tensor) Norm() float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%dx%d, grad=%t)", t.Rows, t.Cols, t.requiresGrad)
}

func sameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("nn: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}

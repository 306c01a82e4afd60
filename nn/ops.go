// ops.go - Lineare Algebra und elementweise Operationen
//
// Hauptfunktionen:
// - MatMulT: x * W^T ueber gonum blas32
// - Add/Mul/Scale/Sum: elementweise Operationen
// - Embedding: Zeilen-Lookup in einer Tabelle
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(t *Tensor) blas32.General {
	return blas32.General{Rows: t.Rows, Cols: t.Cols, Stride: t.Cols, Data: t.Data}
}

func generalOf(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMulT berechnet x [n x k] * w^T mit w [m x k]
func (tp *Tape) MatMulT(x, w *Tensor) *Tensor {
	if x.Cols != w.Cols {
		panic(fmt.Sprintf("nn: MatMulT inner dimension mismatch %dx%d * (%dx%d)^T", x.Rows, x.Cols, w.Rows, w.Cols))
	}

	out := Zeros(x.Rows, w.Rows)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(x), general(w), 0, general(out))

	tp.record(out, func() {
		dout := generalOf(out.Rows, out.Cols, tp.grad(out))
		if x.requiresGrad {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dout, general(w), 1, generalOf(x.Rows, x.Cols, tp.grad(x)))
		}
		if w.requiresGrad {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, dout, general(x), 1, generalOf(w.Rows, w.Cols, tp.grad(w)))
		}
	}, x, w)

	return out
}

// Add addiert zwei Tensoren gleicher Form
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	sameShape("Add", a, b)

	out := Zeros(a.Rows, a.Cols)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}

	tp.record(out, func() {
		dout := tp.grad(out)
		for _, in := range []*Tensor{a, b} {
			if in.requiresGrad {
				g := tp.grad(in)
				for i, d := range dout {
					g[i] += d
				}
			}
		}
	}, a, b)

	return out
}

// Mul multipliziert elementweise
func (tp *Tape) Mul(a, b *Tensor) *Tensor {
	sameShape("Mul", a, b)

	out := Zeros(a.Rows, a.Cols)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}

	tp.record(out, func() {
		dout := tp.grad(out)
		if a.requiresGrad {
			g := tp.grad(a)
			for i, d := range dout {
				g[i] += d * b.Data[i]
			}
		}
		if b.requiresGrad {
			g := tp.grad(b)
			for i, d := range dout {
				g[i] += d * a.Data[i]
			}
		}
	}, a, b)

	return out
}

// Scale multipliziert mit einem Skalar
func (tp *Tape) Scale(a *Tensor, s float32) *Tensor {
	out := Zeros(a.Rows, a.Cols)
	for i, v := range a.Data {
		out.Data[i] = v * s
	}

	tp.record(out, func() {
		g := tp.grad(a)
		for i, d := range tp.grad(out) {
			g[i] += d * s
		}
	}, a)

	return out
}

// Sum summiert alle Elemente zu einem 1x1 Tensor
func (tp *Tape) Sum(a *Tensor) *Tensor {
	var sum float32
	for _, v := range a.Data {
		sum += v
	}
	out := New(1, 1, []float32{sum})

	tp.record(out, func() {
		d := tp.grad(out)[0]
		g := tp.grad(a)
		for i := range g {
			g[i] += d
		}
	}, a)

	return out
}

// Embedding liest die Zeilen ids aus table [vocab x dim]
func (tp *Tape) Embedding(table *Tensor, ids []int32) *Tensor {
	out := Zeros(len(ids), table.Cols)
	for i, id := range ids {
		if id < 0 || int(id) >= table.Rows {
			panic(fmt.Sprintf("nn: embedding id %d out of range [0, %d)", id, table.Rows))
		}
		copy(out.Row(i), table.Row(int(id)))
	}

	tp.record(out, func() {
		dout := tp.grad(out)
		g := tp.grad(table)
		for i, id := range ids {
			row := g[int(id)*table.Cols : (int(id)+1)*table.Cols]
			for j, d := range dout[i*table.Cols : (i+1)*table.Cols] {
				row[j] += d
			}
		}
	}, table)

	return out
}

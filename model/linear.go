package model

import (
	"github.com/fimtune/fimtune/nn"
)

// Linear ist eine Projektion ohne Bias, y = x·Wᵀ.
// Implementierungen koennen per Model.Replace ausgetauscht werden.
type Linear interface {
	Forward(tp *nn.Tape, x *nn.Tensor) *nn.Tensor

	// Shape gibt (out, in) zurueck
	Shape() (int, int)
}

// Dense ist die Standard-Projektion mit Gewicht [out x in]
type Dense struct {
	Weight *nn.Tensor `hf:"weight"`
}

func (d *Dense) Forward(tp *nn.Tape, x *nn.Tensor) *nn.Tensor {
	return tp.MatMulT(x, d.Weight)
}

func (d *Dense) Shape() (int, int) {
	return d.Weight.Rows, d.Weight.Cols
}

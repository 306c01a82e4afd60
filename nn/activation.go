package nn

import "math"

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// SwiGLU berechnet silu(gate) * up
func (tp *Tape) SwiGLU(gate, up *Tensor) *Tensor {
	sameShape("SwiGLU", gate, up)

	out := Zeros(gate.Rows, gate.Cols)
	for i, g := range gate.Data {
		out.Data[i] = g * sigmoid(g) * up.Data[i]
	}

	tp.record(out, func() {
		dout := tp.grad(out)
		if gate.requiresGrad {
			dg := tp.grad(gate)
			for i, g := range gate.Data {
				s := sigmoid(g)
				dg[i] += dout[i] * up.Data[i] * s * (1 + g*(1-s))
			}
		}
		if up.requiresGrad {
			du := tp.grad(up)
			for i, g := range gate.Data {
				du[i] += dout[i] * g * sigmoid(g)
			}
		}
	}, gate, up)

	return out
}

// Dropout setzt Elemente mit Wahrscheinlichkeit p auf Null und skaliert den Rest.
// Ohne Training (nil Tape) ist Dropout die Identitaet.
func (tp *Tape) Dropout(x *Tensor, p float32) *Tensor {
	if !tp.Training() || p <= 0 || tp.rng == nil {
		return x
	}

	keep := 1 / (1 - p)
	mask := make([]float32, len(x.Data))
	out := Zeros(x.Rows, x.Cols)
	for i, v := range x.Data {
		if tp.rng.Float32() >= p {
			mask[i] = keep
			out.Data[i] = v * keep
		}
	}

	tp.record(out, func() {
		g := tp.grad(x)
		for i, d := range tp.grad(out) {
			g[i] += d * mask[i]
		}
	}, x)

	return out
}

package nn

import "math"

// RMSNorm normalisiert jede Zeile von x mit ihrem quadratischen Mittel und skaliert mit weight [1 x dim]
func (tp *Tape) RMSNorm(x, weight *Tensor, eps float32) *Tensor {
	if weight.Len() != x.Cols {
		panic("nn: RMSNorm weight does not match row length")
	}

	out := Zeros(x.Rows, x.Cols)
	inv := make([]float32, x.Rows)
	for i := range x.Rows {
		row := x.Row(i)
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		r := float32(1 / math.Sqrt(ss/float64(x.Cols)+float64(eps)))
		inv[i] = r

		o := out.Row(i)
		for j, v := range row {
			o[j] = v * r * weight.Data[j]
		}
	}

	tp.record(out, func() {
		dout := tp.grad(out)
		n := float32(x.Cols)
		for i := range x.Rows {
			row := x.Row(i)
			d := dout[i*x.Cols : (i+1)*x.Cols]
			r := inv[i]

			if x.requiresGrad {
				var dot float32
				for j, v := range row {
					dot += d[j] * weight.Data[j] * v
				}
				g := tp.grad(x)[i*x.Cols : (i+1)*x.Cols]
				c := r * r * r * dot / n
				for j, v := range row {
					g[j] += r*d[j]*weight.Data[j] - c*v
				}
			}
			if weight.requiresGrad {
				g := tp.grad(weight)
				for j, v := range row {
					g[j] += d[j] * v * r
				}
			}
		}
	}, x, weight)

	return out
}

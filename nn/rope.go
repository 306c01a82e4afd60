package nn

import (
	"fmt"
	"math"
)

// RoPEOptions beschreibt die Rotary-Einbettung im rotate-half Layout
type RoPEOptions struct {
	HeadDim int
	Theta   float32

	// Factor teilt die Positionen (lineares rope_scaling); 0 oder 1 = aus
	Factor float32
}

func (o RoPEOptions) angles(pos int32) ([]float32, []float32) {
	half := o.HeadDim / 2
	cos := make([]float32, half)
	sin := make([]float32, half)

	p := float64(pos)
	if o.Factor > 0 {
		p /= float64(o.Factor)
	}
	for i := range half {
		freq := math.Pow(float64(o.Theta), -float64(2*i)/float64(o.HeadDim))
		s, c := math.Sincos(p * freq)
		cos[i], sin[i] = float32(c), float32(s)
	}
	return cos, sin
}

// RoPE rotiert jeden Kopf von x [n x heads*headDim] gemaess positions
func (tp *Tape) RoPE(x *Tensor, positions []int32, opts RoPEOptions) *Tensor {
	if len(positions) != x.Rows {
		panic(fmt.Sprintf("nn: RoPE got %d positions for %d rows", len(positions), x.Rows))
	}
	if opts.HeadDim%2 != 0 || x.Cols%opts.HeadDim != 0 {
		panic(fmt.Sprintf("nn: RoPE head dim %d does not divide %d", opts.HeadDim, x.Cols))
	}

	half := opts.HeadDim / 2
	heads := x.Cols / opts.HeadDim
	cache := make(map[int32][2][]float32)
	lookup := func(pos int32) ([]float32, []float32) {
		cs, ok := cache[pos]
		if !ok {
			c, s := opts.angles(pos)
			cs = [2][]float32{c, s}
			cache[pos] = cs
		}
		return cs[0], cs[1]
	}

	out := Zeros(x.Rows, x.Cols)
	for r := range x.Rows {
		cos, sin := lookup(positions[r])
		in, o := x.Row(r), out.Row(r)
		for h := range heads {
			base := h * opts.HeadDim
			for i := range half {
				x1, x2 := in[base+i], in[base+half+i]
				o[base+i] = x1*cos[i] - x2*sin[i]
				o[base+half+i] = x2*cos[i] + x1*sin[i]
			}
		}
	}

	tp.record(out, func() {
		dout := tp.grad(out)
		g := tp.grad(x)
		for r := range x.Rows {
			cos, sin := lookup(positions[r])
			d := dout[r*x.Cols : (r+1)*x.Cols]
			gr := g[r*x.Cols : (r+1)*x.Cols]
			for h := range heads {
				base := h * opts.HeadDim
				for i := range half {
					d1, d2 := d[base+i], d[base+half+i]
					gr[base+i] += d1*cos[i] + d2*sin[i]
					gr[base+half+i] += d2*cos[i] - d1*sin[i]
				}
			}
		}
	}, x)

	return out
}

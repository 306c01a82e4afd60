package nn

import (
	"fmt"
	"math"
)

// CrossEntropy berechnet den mittleren Token-Loss von logits [n x vocab] gegen targets.
// Positionen mit target == ignore zaehlen nicht. Ohne gueltige Position ist der Loss 0.
func (tp *Tape) CrossEntropy(logits *Tensor, targets []int32, ignore int32) *Tensor {
	if len(targets) != logits.Rows {
		panic(fmt.Sprintf("nn: CrossEntropy got %d targets for %d rows", len(targets), logits.Rows))
	}

	count := 0
	for _, t := range targets {
		if t != ignore {
			count++
		}
	}

	out := New(1, 1, []float32{0})
	if count == 0 {
		return out
	}

	// softmax pro gueltiger Zeile fuer den Backward-Pass
	softmax := make([]float32, len(logits.Data))
	var total float64
	for r, t := range targets {
		if t == ignore {
			continue
		}
		if t < 0 || int(t) >= logits.Cols {
			panic(fmt.Sprintf("nn: CrossEntropy target %d out of range [0, %d)", t, logits.Cols))
		}

		row := logits.Row(r)
		m := row[0]
		for _, v := range row {
			m = max(m, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - m))
		}
		logZ := float64(m) + math.Log(sum)
		total += logZ - float64(row[t])

		sm := softmax[r*logits.Cols : (r+1)*logits.Cols]
		for j, v := range row {
			sm[j] = float32(math.Exp(float64(v) - logZ))
		}
	}
	out.Data[0] = float32(total / float64(count))

	tp.record(out, func() {
		d := tp.grad(out)[0] / float32(count)
		g := tp.grad(logits)
		for r, t := range targets {
			if t == ignore {
				continue
			}
			sm := softmax[r*logits.Cols : (r+1)*logits.Cols]
			gr := g[r*logits.Cols : (r+1)*logits.Cols]
			for j, s := range sm {
				gr[j] += d * s
			}
			gr[t] -= d
		}
	}, logits)

	return out
}

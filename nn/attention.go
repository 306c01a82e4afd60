package nn

import (
	"fmt"
	"math"
)

// CausalAttention berechnet Scaled-Dot-Product-Attention fuer batch Sequenzen gleicher Laenge.
// q ist [batch*seq x heads*headDim], k und v sind [batch*seq x kvHeads*headDim].
// keyMask (Laenge batch*seq) blendet Padding-Schluessel aus; nil erlaubt alle.
// Zeilen ohne gueltigen Schluessel liefern Nullen.
func (tp *Tape) CausalAttention(q, k, v *Tensor, batch, heads, kvHeads int, keyMask []bool) *Tensor {
	if q.Rows%batch != 0 || q.Cols%heads != 0 || heads%kvHeads != 0 {
		panic(fmt.Sprintf("nn: attention shape %dx%d with batch=%d heads=%d kv=%d", q.Rows, q.Cols, batch, heads, kvHeads))
	}
	sameShape("attention k/v", k, v)

	seq := q.Rows / batch
	hd := q.Cols / heads
	if k.Cols != kvHeads*hd || k.Rows != q.Rows {
		panic(fmt.Sprintf("nn: attention key shape %dx%d, expected %dx%d", k.Rows, k.Cols, q.Rows, kvHeads*hd))
	}
	if keyMask != nil && len(keyMask) != q.Rows {
		panic("nn: attention key mask length mismatch")
	}

	group := heads / kvHeads
	scale := float32(1 / math.Sqrt(float64(hd)))
	valid := func(row int) bool { return keyMask == nil || keyMask[row] }

	// probs[b][h][i][j], nur j <= i belegt
	probs := make([]float32, batch*heads*seq*seq)
	out := Zeros(q.Rows, q.Cols)

	for b := range batch {
		for h := range heads {
			kvh := h / group
			for i := range seq {
				qi := q.Data[(b*seq+i)*q.Cols+h*hd : (b*seq+i)*q.Cols+(h+1)*hd]
				p := probs[((b*heads+h)*seq+i)*seq : ((b*heads+h)*seq+i+1)*seq]

				maxScore := float32(math.Inf(-1))
				for j := 0; j <= i; j++ {
					if !valid(b*seq + j) {
						continue
					}
					kj := k.Data[(b*seq+j)*k.Cols+kvh*hd : (b*seq+j)*k.Cols+(kvh+1)*hd]
					var s float32
					for d := range hd {
						s += qi[d] * kj[d]
					}
					p[j] = s * scale
					maxScore = max(maxScore, p[j])
				}
				if math.IsInf(float64(maxScore), -1) {
					continue
				}

				var sum float64
				for j := 0; j <= i; j++ {
					if !valid(b*seq + j) {
						p[j] = 0
						continue
					}
					e := math.Exp(float64(p[j] - maxScore))
					p[j] = float32(e)
					sum += e
				}

				o := out.Data[(b*seq+i)*out.Cols+h*hd : (b*seq+i)*out.Cols+(h+1)*hd]
				for j := 0; j <= i; j++ {
					p[j] = float32(float64(p[j]) / sum)
					if p[j] == 0 {
						continue
					}
					vj := v.Data[(b*seq+j)*v.Cols+kvh*hd : (b*seq+j)*v.Cols+(kvh+1)*hd]
					for d := range hd {
						o[d] += p[j] * vj[d]
					}
				}
			}
		}
	}

	tp.record(out, func() {
		dout := tp.grad(out)
		var dq, dk, dv []float32
		if q.requiresGrad {
			dq = tp.grad(q)
		}
		if k.requiresGrad {
			dk = tp.grad(k)
		}
		if v.requiresGrad {
			dv = tp.grad(v)
		}

		dp := make([]float32, seq)
		for b := range batch {
			for h := range heads {
				kvh := h / group
				for i := range seq {
					p := probs[((b*heads+h)*seq+i)*seq : ((b*heads+h)*seq+i+1)*seq]
					do := dout[(b*seq+i)*out.Cols+h*hd : (b*seq+i)*out.Cols+(h+1)*hd]

					var dot float32
					for j := 0; j <= i; j++ {
						dp[j] = 0
						if p[j] == 0 {
							continue
						}
						vOff := (b*seq+j)*v.Cols + kvh*hd
						for d := range hd {
							dp[j] += do[d] * v.Data[vOff+d]
							if dv != nil {
								dv[vOff+d] += p[j] * do[d]
							}
						}
						dot += p[j] * dp[j]
					}

					qOff := (b*seq+i)*q.Cols + h*hd
					for j := 0; j <= i; j++ {
						if p[j] == 0 {
							continue
						}
						ds := p[j] * (dp[j] - dot) * scale
						kOff := (b*seq+j)*k.Cols + kvh*hd
						for d := range hd {
							if dq != nil {
								dq[qOff+d] += ds * k.Data[kOff+d]
							}
							if dk != nil {
								dk[kOff+d] += ds * q.Data[qOff+d]
							}
						}
					}
				}
			}
		}
	}, q, k, v)

	return out
}

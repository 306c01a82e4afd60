package trainer

import (
	"math"

	"github.com/fimtune/fimtune/nn"
)

// Optimizer aktualisiert Parameter anhand ihrer Gradienten
type Optimizer interface {
	Step(params []*nn.Tensor, grads [][]float32, lr float64)
}

// AdamW mit entkoppeltem Weight-Decay
type AdamW struct {
	Beta1, Beta2 float64
	Epsilon      float64
	WeightDecay  float64

	// CorrectBias schaltet die Bias-Korrektur der Momente
	CorrectBias bool

	m, v map[*nn.Tensor][]float64
	t    int
}

// NewAdamW erstellt einen AdamW-Optimierer
func NewAdamW(beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       beta1,
		Beta2:       beta2,
		Epsilon:     eps,
		WeightDecay: weightDecay,
		CorrectBias: true,
		m:           make(map[*nn.Tensor][]float64),
		v:           make(map[*nn.Tensor][]float64),
	}
}

func (opt *AdamW) Step(params []*nn.Tensor, grads [][]float32, lr float64) {
	opt.t++

	bc1, bc2 := 1.0, 1.0
	if opt.CorrectBias {
		bc1 = 1 - math.Pow(opt.Beta1, float64(opt.t))
		bc2 = 1 - math.Pow(opt.Beta2, float64(opt.t))
	}

	for i, p := range params {
		if _, ok := opt.m[p]; !ok {
			opt.m[p] = make([]float64, p.Len())
			opt.v[p] = make([]float64, p.Len())
		}
		m, v := opt.m[p], opt.v[p]

		for j, g := range grads[i] {
			w := float64(p.Data[j])
			if opt.WeightDecay > 0 {
				w -= lr * opt.WeightDecay * w
			}

			m[j] = opt.Beta1*m[j] + (1-opt.Beta1)*float64(g)
			v[j] = opt.Beta2*v[j] + (1-opt.Beta2)*float64(g)*float64(g)
			w -= lr * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + opt.Epsilon)
			p.Data[j] = float32(w)
		}
	}
}

// SGD ohne Momentum
type SGD struct {
	WeightDecay float64
}

func (opt *SGD) Step(params []*nn.Tensor, grads [][]float32, lr float64) {
	for i, p := range params {
		for j, g := range grads[i] {
			d := float64(g) + opt.WeightDecay*float64(p.Data[j])
			p.Data[j] -= float32(lr * d)
		}
	}
}

// newOptimizer waehlt den Optimierer nach Arguments.Optim
func newOptimizer(a Arguments) Optimizer {
	switch a.Optim {
	case OptimSGD:
		return &SGD{WeightDecay: a.WeightDecay}
	default:
		return NewAdamW(a.AdamBeta1, a.AdamBeta2, a.AdamEpsilon, a.WeightDecay)
	}
}

// clipGradNorm skaliert grads auf die Gesamtnorm maxNorm und gibt die Norm davor zurueck
func clipGradNorm(grads [][]float32, maxNorm float64) float64 {
	var sum float64
	for _, g := range grads {
		for _, x := range g {
			sum += float64(x) * float64(x)
		}
	}
	norm := math.Sqrt(sum)

	if maxNorm > 0 && norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for _, g := range grads {
			for j := range g {
				g[j] *= scale
			}
		}
	}
	return norm
}

// tape.go - Reverse-Mode Autograd
//
// Hauptfunktionen:
// - Tape: Zeichnet Backward-Closures auf und haelt alle Gradienten
// - Backward: Laeuft die Aufzeichnung rueckwaerts ab
// - Grad: Gradient eines Tensors nach Backward
package nn

import (
	"errors"
	"math/rand/v2"
)

// ErrNotScalar - Backward braucht einen 1x1 Loss
var ErrNotScalar = errors.New("nn: backward requires a 1x1 loss")

// Tape zeichnet Operationen eines Forward-Passes auf.
// Ein nil Tape bedeutet Inferenz: keine Aufzeichnung und kein Dropout.
type Tape struct {
	ops   []func()
	grads map[*Tensor][]float32
	rng   *rand.Rand
}

// NewTape erstellt ein Tape fuer einen Trainingsschritt
func NewTape(rng *rand.Rand) *Tape {
	return &Tape{grads: make(map[*Tensor][]float32), rng: rng}
}

// Training meldet, ob Dropout aktiv ist
func (tp *Tape) Training() bool { return tp != nil }

// Len gibt die Anzahl aufgezeichneter Operationen zurueck
func (tp *Tape) Len() int {
	if tp == nil {
		return 0
	}
	return len(tp.ops)
}

// record speichert backward, falls einer der Inputs Gradienten braucht
func (tp *Tape) record(out *Tensor, backward func(), inputs ...*Tensor) {
	if tp == nil {
		return
	}
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			tp.ops = append(tp.ops, backward)
			return
		}
	}
}

// grad gibt den Gradienten-Puffer von t zurueck und legt ihn bei Bedarf an
func (tp *Tape) grad(t *Tensor) []float32 {
	g, ok := tp.grads[t]
	if !ok {
		g = make([]float32, len(t.Data))
		tp.grads[t] = g
	}
	return g
}

// Grad gibt den gesammelten Gradienten von t zurueck oder nil
func (tp *Tape) Grad(t *Tensor) []float32 {
	if tp == nil {
		return nil
	}
	return tp.grads[t]
}

// Backward berechnet die Gradienten aller trainierbaren Tensoren bezueglich loss
func (tp *Tape) Backward(loss *Tensor) error {
	if loss.Len() != 1 {
		return ErrNotScalar
	}
	if tp == nil || !loss.requiresGrad {
		return nil
	}

	tp.grad(loss)[0] = 1
	for i := len(tp.ops) - 1; i >= 0; i-- {
		tp.ops[i]()
	}
	tp.ops = nil
	return nil
}

// Reset verwirft Aufzeichnung und Gradienten
func (tp *Tape) Reset() {
	tp.ops = nil
	clear(tp.grads)
}

// collate.go - Batch-Collator fuer tokenisierte Beispiele
//
// Hauptfunktionen:
// - Collator.Collate: Rechts-Padding auf die laengste Sequenz der Batch
// - Batch: input_ids, labels und attention_mask als [batch, seq] Tensoren
package collate

import (
	"errors"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/fimtune/fimtune/sft"
)

var (
	// ErrEmptyBatch - Collate ohne Beispiele aufgerufen
	ErrEmptyBatch = errors.New("collate: empty batch")

	// ErrShapeMismatch - input_ids und labels eines Beispiels sind unterschiedlich lang
	ErrShapeMismatch = errors.New("collate: input ids and labels differ in length")
)

// PaddingSide ist die Seite, auf der Collate auffuellt
const PaddingSide = "right"

// Collator fuellt Beispiele mit PadID bzw. sft.IgnoreIndex auf
type Collator struct {
	PadID int32
}

// Batch ist eine rechteckige Batch im batch-first Layout
type Batch struct {
	InputIDs      *tensor.Dense
	Labels        *tensor.Dense
	AttentionMask *tensor.Dense

	size, seqLen int
}

// Collate stapelt examples zu einer Batch
func (c Collator) Collate(examples []sft.Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, ErrEmptyBatch
	}

	seqLen := 0
	for i, ex := range examples {
		if len(ex.InputIDs) != len(ex.Labels) {
			return nil, fmt.Errorf("%w: example %d has %d ids and %d labels", ErrShapeMismatch, i, len(ex.InputIDs), len(ex.Labels))
		}
		seqLen = max(seqLen, len(ex.InputIDs))
	}

	n := len(examples) * seqLen
	ids := make([]int32, n)
	labels := make([]int32, n)
	mask := make([]bool, n)

	for i, ex := range examples {
		row := i * seqLen
		copy(ids[row:], ex.InputIDs)
		copy(labels[row:], ex.Labels)
		for j := len(ex.InputIDs); j < seqLen; j++ {
			ids[row+j] = c.PadID
			labels[row+j] = sft.IgnoreIndex
		}
	}

	for i, id := range ids {
		mask[i] = id != c.PadID
	}

	return &Batch{
		InputIDs:      tensor.New(tensor.WithShape(len(examples), seqLen), tensor.WithBacking(ids)),
		Labels:        tensor.New(tensor.WithShape(len(examples), seqLen), tensor.WithBacking(labels)),
		AttentionMask: tensor.New(tensor.WithShape(len(examples), seqLen), tensor.WithBacking(mask)),
		size:          len(examples),
		seqLen:        seqLen,
	}, nil
}

// Size gibt die Anzahl der Zeilen zurueck
func (b *Batch) Size() int { return b.size }

// SeqLen gibt die gepaddete Sequenzlaenge zurueck
func (b *Batch) SeqLen() int { return b.seqLen }

// Row gibt die Sichten auf Zeile i zurueck
func (b *Batch) Row(i int) (ids, labels []int32, mask []bool) {
	lo, hi := i*b.seqLen, (i+1)*b.seqLen
	return b.InputIDs.Data().([]int32)[lo:hi],
		b.Labels.Data().([]int32)[lo:hi],
		b.AttentionMask.Data().([]bool)[lo:hi]
}

// Tokens zaehlt die Positionen mit gesetzter attention_mask
func (b *Batch) Tokens() int {
	n := 0
	for _, m := range b.AttentionMask.Data().([]bool) {
		if m {
			n++
		}
	}
	return n
}

// sft.go - Tokenisierung und Label-Maskierung fuer Supervised Fine-Tuning
//
// Hauptfunktionen:
// - Preprocess: Kodiert Prompt+Target und maskiert den Prompt-Anteil der Labels
// - TokenizeBatch: Map-Funktion ueber eine spaltenweise Datensatz-Batch
package sft

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fimtune/fimtune/fim"
	"github.com/fimtune/fimtune/tokenizer"
)

// IgnoreIndex markiert Label-Positionen, die nicht in den Loss eingehen
const IgnoreIndex int32 = -100

// Standard-Spaltennamen des Datensatzes
const (
	DefaultSourceColumn = "masked_contract"
	DefaultTargetColumn = "func_body"
)

var (
	// ErrLengthMismatch - sources und targets sind unterschiedlich lang
	ErrLengthMismatch = errors.New("sft: sources and targets differ in length")

	// ErrMissingColumn - die Batch enthaelt eine benoetigte Spalte nicht
	ErrMissingColumn = errors.New("sft: missing column")
)

// Encoder ist der Teil des Tokenizers, den die Vorverarbeitung braucht
type Encoder interface {
	Encode(text string, opts tokenizer.EncodeOptions) []int32
	PadID() int32
}

// Example ist ein tokenisiertes Trainingsbeispiel
type Example struct {
	InputIDs []int32 `json:"input_ids"`
	Labels   []int32 `json:"labels"`
}

// Len gibt die Sequenzlaenge zurueck
func (e Example) Len() int { return len(e.InputIDs) }

// Preprocess tokenisiert jede source+target Kombination und maskiert die Prompt-Tokens.
// Die Prompt-Laenge zaehlt alle Prompt-Tokens, die nicht dem Pad-Token entsprechen.
func Preprocess(tok Encoder, sources, targets []string, maxLen int) ([]Example, error) {
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("%w: %d sources, %d targets", ErrLengthMismatch, len(sources), len(targets))
	}

	opts := tokenizer.EncodeOptions{AddSpecial: true, MaxLength: maxLen}
	pad := tok.PadID()

	examples := make([]Example, len(sources))
	for i := range sources {
		ids := tok.Encode(sources[i]+targets[i], opts)
		prompt := tok.Encode(sources[i], opts)

		n := 0
		for _, id := range prompt {
			if id != pad {
				n++
			}
		}

		labels := make([]int32, len(ids))
		copy(labels, ids)
		for j := 0; j < min(n, len(labels)); j++ {
			labels[j] = IgnoreIndex
		}

		examples[i] = Example{InputIDs: ids, Labels: labels}
	}

	return examples, nil
}

// Options steuert TokenizeBatch
type Options struct {
	SourceColumn  string
	TargetColumn  string
	MaxLength     int
	SkipMalformed bool
}

func (o Options) columns() (string, string) {
	source, target := o.SourceColumn, o.TargetColumn
	if source == "" {
		source = DefaultSourceColumn
	}
	if target == "" {
		target = DefaultTargetColumn
	}
	return source, target
}

// Fingerprint identifiziert Format und Optionen fuer den Map-Cache
func (o Options) Fingerprint(format fim.Format) string {
	source, target := o.columns()
	h := sha256.New()
	fmt.Fprintf(h, "%q|%q|%q|%q|%q|%q|%q|%d|%t",
		format.Begin, format.Hole, format.End, format.EOT, format.Placeholder,
		source, target, o.MaxLength, o.SkipMalformed)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// TokenizeBatch formatiert und tokenisiert eine spaltenweise Batch
func TokenizeBatch(tok Encoder, format fim.Format, batch map[string][]string, opts Options) ([]Example, error) {
	sourceColumn, targetColumn := opts.columns()

	masked, ok := batch[sourceColumn]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, sourceColumn)
	}
	bodies, ok := batch[targetColumn]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, targetColumn)
	}
	if len(masked) != len(bodies) {
		return nil, fmt.Errorf("%w: %d sources, %d targets", ErrLengthMismatch, len(masked), len(bodies))
	}

	sources := make([]string, 0, len(masked))
	targets := make([]string, 0, len(bodies))
	for i := range masked {
		ex, err := format.Build(fim.Record{MaskedCode: masked[i], Body: bodies[i]})
		if err != nil {
			if opts.SkipMalformed {
				slog.Debug("skipping malformed record", "row", i, "error", err)
				continue
			}
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		sources = append(sources, ex.Prompt)
		targets = append(targets, ex.Target)
	}

	return Preprocess(tok, sources, targets, opts.MaxLength)
}

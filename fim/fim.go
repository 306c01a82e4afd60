// fim.go - Fill-in-the-Middle Prompt-Formatierung
//
// Hauptfunktionen:
// - Format: Sentinel-Tokens eines FIM-Checkpoints
// - BuildPrompt: Ersetzt den Platzhalter durch HOLE und klammert mit BEGIN/END
// - BuildTarget: Haengt Zeilenumbruch und EOT an den Funktionskoerper
package fim

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels der deepseek-coder Checkpoint-Familie
const (
	Begin       = "<｜fim▁begin｜>"
	Hole        = "<｜fim▁hole｜>"
	End         = "<｜fim▁end｜>"
	EOT         = "<|EOT|>"
	Placeholder = "<FILL_FUNCTION_BODY>"
)

var (
	// ErrPlaceholderMissing - der maskierte Code enthaelt keinen Platzhalter
	ErrPlaceholderMissing = errors.New("fim: placeholder not found")

	// ErrPlaceholderRepeated - der Platzhalter kommt mehrfach vor
	ErrPlaceholderRepeated = errors.New("fim: placeholder occurs more than once")

	// ErrSentinelNotToken - ein Sentinel ist kein Special Token des Tokenizers
	ErrSentinelNotToken = errors.New("fim: sentinel is not a special token of the tokenizer")
)

// Format beschreibt die Sentinel-Strings eines FIM-Modells
type Format struct {
	Begin       string
	Hole        string
	End         string
	EOT         string
	Placeholder string
}

// DeepSeek ist das Standard-Format
var DeepSeek = Format{
	Begin:       Begin,
	Hole:        Hole,
	End:         End,
	EOT:         EOT,
	Placeholder: Placeholder,
}

// Record ist ein Roh-Datensatz: Code mit Platzhalter plus der entfernte Koerper
type Record struct {
	MaskedCode string
	Body       string
}

// Example ist ein formatiertes Prompt/Target-Paar
type Example struct {
	Prompt string
	Target string
}

// BuildPrompt ersetzt den Platzhalter durch Hole und umschliesst das Ergebnis mit Begin/End.
// Der Platzhalter muss genau einmal vorkommen.
func (f Format) BuildPrompt(masked string) (string, error) {
	switch n := strings.Count(masked, f.Placeholder); {
	case n == 0:
		return "", fmt.Errorf("%w: %q", ErrPlaceholderMissing, f.Placeholder)
	case n > 1:
		return "", fmt.Errorf("%w: %d occurrences of %q", ErrPlaceholderRepeated, n, f.Placeholder)
	}

	var sb strings.Builder
	sb.Grow(len(f.Begin) + len(masked) + len(f.Hole) + len(f.End))
	sb.WriteString(f.Begin)
	sb.WriteString(strings.Replace(masked, f.Placeholder, f.Hole, 1))
	sb.WriteString(f.End)
	return sb.String(), nil
}

// BuildTarget gibt body + "\n" + EOT zurueck
func (f Format) BuildTarget(body string) string {
	return body + "\n" + f.EOT
}

// Build formatiert einen kompletten Datensatz
func (f Format) Build(r Record) (Example, error) {
	prompt, err := f.BuildPrompt(r.MaskedCode)
	if err != nil {
		return Example{}, err
	}
	return Example{Prompt: prompt, Target: f.BuildTarget(r.Body)}, nil
}

// Validate prueft, dass alle Sentinels gesetzt sind und der Platzhalter nicht mit Hole kollidiert
func (f Format) Validate() error {
	for name, v := range map[string]string{
		"begin":       f.Begin,
		"hole":        f.Hole,
		"end":         f.End,
		"eot":         f.EOT,
		"placeholder": f.Placeholder,
	} {
		if v == "" {
			return fmt.Errorf("fim: empty %s sentinel", name)
		}
	}
	if f.Placeholder == f.Hole {
		return errors.New("fim: placeholder must differ from the hole sentinel")
	}
	return nil
}

// SpecialTokens listet die Sentinels, die der Tokenizer als Einzeltoken kennen muss
func (f Format) SpecialTokens() []string {
	return []string{f.Begin, f.Hole, f.End, f.EOT}
}

// Vocabulary ist der Teil eines Tokenizers, den CheckVocabulary braucht
type Vocabulary interface {
	TokenID(s string) (int32, bool)
	IsSpecial(id int32) bool
}

// CheckVocabulary prueft das Format und dass jeder Sentinel ein einzelnes Special Token ist
func (f Format) CheckVocabulary(v Vocabulary) error {
	if err := f.Validate(); err != nil {
		return err
	}

	var missing []string
	for _, s := range f.SpecialTokens() {
		if id, ok := v.TokenID(s); !ok || !v.IsSpecial(id) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrSentinelNotToken, strings.Join(missing, ", "))
	}
	return nil
}

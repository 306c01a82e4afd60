// tokenizer.go - Byte-Level BPE Tokenizer fuer HuggingFace Checkpoints
//
// Hauptfunktionen:
// - Tokenizer: Vokabular, Special Tokens, Normalizer und Pre-Tokenizer
// - EncodeOptions: Special Tokens und Truncation beim Encoden
// - PadID/BOS/EOS/SetPad: Zugriff auf die Steuer-Tokens
//
// Siehe auch: loader.go fuer tokenizer.json, bpe.go fuer den Merge-Algorithmus
package tokenizer

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/dgraph-io/ristretto"
)

// DefaultModelMaxLength ist die Truncation-Laenge, wenn nichts anderes gesetzt ist
const DefaultModelMaxLength = 512

var (
	// ErrNoPadToken - weder Pad- noch EOS-Token sind bekannt
	ErrNoPadToken = errors.New("tokenizer: no pad token and no eos token to fall back to")

	// ErrPaddingSide - padding_side ist weder "right" noch "left"
	ErrPaddingSide = errors.New("tokenizer: padding side must be right or left")
)

// TokenizerType unterscheidet die Encoding-Varianten
type TokenizerType int

const (
	// TokenizerBPE ist GPT-2 style Byte-Level BPE
	TokenizerBPE TokenizerType = iota
	// TokenizerSentencePiece ist BPE mit ▁ fuer Leerzeichen und <0xNN> Byte-Fallback
	TokenizerSentencePiece
)

func (t TokenizerType) String() string {
	if t == TokenizerSentencePiece {
		return "sentencepiece"
	}
	return "bpe"
}

// Vocabulary haelt Token-Strings, Merge-Raenge und Steuer-Tokens
type Vocabulary struct {
	Values  []string
	Reverse map[string]int32
	Merges  map[string]int

	BOS    int32
	EOS    []int32
	PAD    int32
	UNK    int32
	AddBOS bool
	AddEOS bool

	byteTokens [256]int32
}

// Merge gibt den Rang des Paares left+right zurueck oder -1
func (v *Vocabulary) Merge(left, right string) int {
	if rank, ok := v.Merges[left+" "+right]; ok {
		return rank
	}
	return -1
}

// Tokenizer kodiert Text in Token-IDs und zurueck
type Tokenizer struct {
	vocab         *Vocabulary
	typ           TokenizerType
	normalizer    normalizer
	pretokenizer  preTokenizer
	specialTokens map[string]int32
	specialOrder  []string
	cache         *ristretto.Cache

	stripLeadingSpace bool

	// ModelMaxLength begrenzt Encode, wenn EncodeOptions.MaxLength nicht gesetzt ist
	ModelMaxLength int

	// PaddingSide ist "right" oder "left"
	PaddingSide string
}

// EncodeOptions steuert Encode
type EncodeOptions struct {
	// AddSpecial fuegt BOS/EOS gemaess tokenizer_config.json hinzu
	AddSpecial bool

	// MaxLength schneidet rechts ab; 0 verwendet ModelMaxLength, negativ deaktiviert
	MaxLength int
}

func newTokenizer(vocab *Vocabulary) *Tokenizer {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 20,
		MaxCost:     1 << 17,
		BufferItems: 64,
	})
	if err != nil {
		slog.Warn("tokenizer cache disabled", "error", err)
	}

	return &Tokenizer{
		vocab:          vocab,
		specialTokens:  make(map[string]int32),
		cache:          cache,
		ModelMaxLength: DefaultModelMaxLength,
		PaddingSide:    "right",
	}
}

// addSpecial registriert ein Token, das vor dem Pre-Tokenizer als Ganzes erkannt wird
func (t *Tokenizer) addSpecial(content string, id int32) {
	if int(id) >= len(t.vocab.Values) {
		values := make([]string, id+1)
		copy(values, t.vocab.Values)
		t.vocab.Values = values
	}
	t.vocab.Values[id] = content
	t.vocab.Reverse[content] = id
	t.specialTokens[content] = id
}

// sortSpecial ordnet Special Tokens laengste zuerst
func (t *Tokenizer) sortSpecial() {
	t.specialOrder = t.specialOrder[:0]
	for tok := range t.specialTokens {
		t.specialOrder = append(t.specialOrder, tok)
	}
	sort.Slice(t.specialOrder, func(i, j int) bool {
		if len(t.specialOrder[i]) != len(t.specialOrder[j]) {
			return len(t.specialOrder[i]) > len(t.specialOrder[j])
		}
		return t.specialOrder[i] < t.specialOrder[j]
	})
}

// Type gibt die Encoding-Variante zurueck
func (t *Tokenizer) Type() TokenizerType { return t.typ }

// VocabSize gibt die Anzahl der Token-IDs zurueck
func (t *Tokenizer) VocabSize() int { return len(t.vocab.Values) }

// BOS gibt die BOS-ID zurueck oder -1
func (t *Tokenizer) BOS() int32 { return t.vocab.BOS }

// EOS gibt die erste EOS-ID zurueck oder -1
func (t *Tokenizer) EOS() int32 {
	if len(t.vocab.EOS) == 0 {
		return -1
	}
	return t.vocab.EOS[0]
}

// PadID gibt die Pad-ID zurueck oder -1
func (t *Tokenizer) PadID() int32 { return t.vocab.PAD }

// SetPad setzt die Pad-ID explizit
func (t *Tokenizer) SetPad(id int32) { t.vocab.PAD = id }

// EnsurePad verwendet EOS als Pad-Token, wenn der Checkpoint keins definiert
func (t *Tokenizer) EnsurePad() error {
	if t.vocab.PAD >= 0 {
		return nil
	}
	eos := t.EOS()
	if eos < 0 {
		return ErrNoPadToken
	}
	slog.Warn("tokenizer has no pad token, using eos", "eos", t.TokenString(eos))
	t.vocab.PAD = eos
	return nil
}

// TokenString gibt den Vokabular-Eintrag fuer id zurueck
func (t *Tokenizer) TokenString(id int32) string {
	if id < 0 || int(id) >= len(t.vocab.Values) {
		return ""
	}
	return t.vocab.Values[id]
}

// TokenID sucht ein Token im Vokabular
func (t *Tokenizer) TokenID(s string) (int32, bool) {
	id, ok := t.vocab.Reverse[s]
	return id, ok
}

// IsSpecial meldet, ob id ein Added/Special Token ist
func (t *Tokenizer) IsSpecial(id int32) bool {
	s := t.TokenString(id)
	if s == "" {
		return false
	}
	special, ok := t.specialTokens[s]
	return ok && special == id
}

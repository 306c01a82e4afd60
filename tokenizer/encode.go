// encode.go - Text zu Token-IDs kodieren
//
// Enthaelt:
// - Encode: Special Tokens, Normalizer, Pre-Tokenizer, BPE, Truncation
// - splitBySpecialTokens: Trennt Added Tokens (laengste zuerst)
package tokenizer

import (
	"strings"
)

// splitBySpecialTokens zerlegt s so, dass Special Tokens eigene Elemente sind
func (t *Tokenizer) splitBySpecialTokens(s string) []string {
	if len(t.specialOrder) == 0 {
		return []string{s}
	}

	var result []string
	remaining := s
	for len(remaining) > 0 {
		found := false
		for _, tok := range t.specialOrder {
			if strings.HasPrefix(remaining, tok) {
				result = append(result, tok)
				remaining = remaining[len(tok):]
				found = true
				break
			}
		}
		if found {
			continue
		}

		next := len(remaining)
		for _, tok := range t.specialOrder {
			if idx := strings.Index(remaining, tok); idx != -1 && idx < next {
				next = idx
			}
		}
		result = append(result, remaining[:next])
		remaining = remaining[next:]
	}

	return result
}

// Encode kodiert s in Token-IDs
func (t *Tokenizer) Encode(s string, opts EncodeOptions) []int32 {
	var ids []int32
	if opts.AddSpecial && t.vocab.AddBOS && t.vocab.BOS >= 0 {
		ids = append(ids, t.vocab.BOS)
	}

	for _, part := range t.splitBySpecialTokens(s) {
		if id, ok := t.specialTokens[part]; ok {
			ids = append(ids, id)
			continue
		}

		if t.normalizer != nil {
			part = t.normalizer(part)
		}

		pieces := []string{part}
		if t.pretokenizer != nil {
			pieces = t.pretokenizer(pieces)
		}
		for _, piece := range pieces {
			ids = t.encodeChunkInto(piece, ids)
		}
	}

	maxLen := opts.MaxLength
	if maxLen == 0 {
		maxLen = t.ModelMaxLength
	}

	// EOS zaehlt zur Laenge, der Text wird davor gekuerzt
	addEOS := opts.AddSpecial && t.vocab.AddEOS && len(t.vocab.EOS) > 0
	if maxLen > 0 {
		limit := maxLen
		if addEOS {
			limit--
		}
		if len(ids) > limit {
			ids = ids[:limit]
		}
	}
	if addEOS {
		ids = append(ids, t.vocab.EOS[0])
	}
	return ids
}

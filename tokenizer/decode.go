// decode.go - Token-IDs zu Text dekodieren
package tokenizer

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Decode wandelt Token-IDs zurueck in Text. Special Tokens bleiben erhalten.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	var pending []byte

	flush := func() {
		if len(pending) > 0 {
			sb.Write(pending)
			pending = pending[:0]
		}
	}

	for _, id := range ids {
		if id < 0 || int(id) >= len(t.vocab.Values) {
			continue
		}
		token := t.vocab.Values[id]

		if _, ok := t.specialTokens[token]; ok {
			flush()
			sb.WriteString(token)
			continue
		}

		switch t.typ {
		case TokenizerSentencePiece:
			if b, ok := parseByteToken(token); ok {
				pending = append(pending, b)
				continue
			}
			flush()
			sb.WriteString(strings.ReplaceAll(token, "▁", " "))
		default:
			for _, r := range token {
				if b, ok := runeToByte[r]; ok {
					pending = append(pending, b)
				} else {
					pending = utf8.AppendRune(pending, r)
				}
			}
		}
	}
	flush()

	out := strings.ToValidUTF8(sb.String(), "�")
	if t.stripLeadingSpace {
		out = strings.TrimPrefix(out, " ")
	}
	return out
}

// parseByteToken erkennt <0xNN>
func parseByteToken(token string) (byte, bool) {
	if len(token) != 6 || !strings.HasPrefix(token, "<0x") || token[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(token[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// config.go - Laden der Special Token Konfiguration
//
// Enthaelt:
//   - loadSpecialTokenConfig: Liest generation_config.json, config.json,
//     tokenizer_config.json und special_tokens_map.json
//   - extractTokenString: Extrahiert Token-Strings aus verschiedenen JSON-Formaten
package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// parseTokenIDs liest eos_token_id/bos_token_id, die int oder []int sein koennen
func parseTokenIDs(v any) []int32 {
	switch val := v.(type) {
	case float64:
		return []int32{int32(val)}
	case []any:
		ids := make([]int32, 0, len(val))
		for _, id := range val {
			if f, ok := id.(float64); ok {
				ids = append(ids, int32(f))
			}
		}
		return ids
	}
	return nil
}

// loadSpecialTokenConfig laedt BOS/EOS/PAD aus den Begleitdateien eines Checkpoints.
//
// Prioritaet fuer IDs:
//  1. generation_config.json
//  2. config.json
//  3. tokenizer_config.json (Token-Strings, add_bos/add_eos, model_max_length)
//  4. special_tokens_map.json
func loadSpecialTokenConfig(dir string, t *Tokenizer) {
	if dir == "" {
		return
	}

	for _, name := range []string{"generation_config.json", "config.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var config struct {
			EOSTokenID any `json:"eos_token_id"`
			BOSTokenID any `json:"bos_token_id"`
			PADTokenID any `json:"pad_token_id"`
		}
		if err := json.Unmarshal(data, &config); err != nil {
			continue
		}
		if len(t.vocab.EOS) == 0 {
			t.vocab.EOS = parseTokenIDs(config.EOSTokenID)
		}
		if ids := parseTokenIDs(config.BOSTokenID); t.vocab.BOS < 0 && len(ids) > 0 {
			t.vocab.BOS = ids[0]
		}
		if ids := parseTokenIDs(config.PADTokenID); t.vocab.PAD < 0 && len(ids) > 0 {
			t.vocab.PAD = ids[0]
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); err == nil {
		var config struct {
			BOSToken       any     `json:"bos_token"`
			EOSToken       any     `json:"eos_token"`
			PADToken       any     `json:"pad_token"`
			UNKToken       any     `json:"unk_token"`
			AddBOSToken    *bool   `json:"add_bos_token"`
			AddEOSToken    *bool   `json:"add_eos_token"`
			ModelMaxLength float64 `json:"model_max_length"`
			PaddingSide    string  `json:"padding_side"`
		}
		if err := json.Unmarshal(data, &config); err == nil {
			t.applyTokenStrings(config.BOSToken, config.EOSToken, config.PADToken, config.UNKToken)
			if config.AddBOSToken != nil {
				t.vocab.AddBOS = *config.AddBOSToken
			}
			if config.AddEOSToken != nil {
				t.vocab.AddEOS = *config.AddEOSToken
			}
			// sehr grosse Werte stehen fuer "unbegrenzt"
			if config.ModelMaxLength > 0 && config.ModelMaxLength < 1<<31 {
				t.ModelMaxLength = int(config.ModelMaxLength)
			}
			if config.PaddingSide != "" {
				t.PaddingSide = config.PaddingSide
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "special_tokens_map.json")); err == nil {
		var tokensMap map[string]any
		if err := json.Unmarshal(data, &tokensMap); err == nil {
			t.applyTokenStrings(tokensMap["bos_token"], tokensMap["eos_token"], tokensMap["pad_token"], tokensMap["unk_token"])
		}
	}
}

// applyTokenStrings setzt noch fehlende Steuer-Tokens ueber ihren String
func (t *Tokenizer) applyTokenStrings(bos, eos, pad, unk any) {
	lookup := func(v any) (int32, bool) {
		s := extractTokenString(v)
		if s == "" {
			return -1, false
		}
		id, ok := t.vocab.Reverse[s]
		return id, ok
	}

	if id, ok := lookup(bos); ok && t.vocab.BOS < 0 {
		t.vocab.BOS = id
	}
	if id, ok := lookup(eos); ok && len(t.vocab.EOS) == 0 {
		t.vocab.EOS = []int32{id}
	}
	if id, ok := lookup(pad); ok && t.vocab.PAD < 0 {
		t.vocab.PAD = id
	}
	if id, ok := lookup(unk); ok && t.vocab.UNK < 0 {
		t.vocab.UNK = id
	}
}

// extractTokenString extrahiert den Token-String.
// Tokens koennen als "token" oder {"content": "token", ...} vorliegen.
func extractTokenString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}

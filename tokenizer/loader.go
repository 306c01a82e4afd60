// loader.go - Tokenizer laden (tokenizer.json oder vocab.json + merges.txt)
//
// Enthaelt:
// - Load: Laedt aus Datei oder Verzeichnis
// - LoadOption: WithModelMaxLength, WithPaddingSide
// - loadFromTokenizerJSON: Parst das tokenizers-Format
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedModel - tokenizer.json beschreibt kein BPE-Modell
var ErrUnsupportedModel = errors.New("tokenizer: unsupported model type")

// LoadOption konfiguriert Load
type LoadOption func(*Tokenizer)

// WithModelMaxLength ueberschreibt model_max_length aus tokenizer_config.json
func WithModelMaxLength(n int) LoadOption {
	return func(t *Tokenizer) {
		if n > 0 {
			t.ModelMaxLength = n
		}
	}
}

// WithPaddingSide setzt "right" oder "left"
func WithPaddingSide(side string) LoadOption {
	return func(t *Tokenizer) {
		if side != "" {
			t.PaddingSide = side
		}
	}
}

// Load laedt einen Tokenizer. path ist eine tokenizer.json Datei oder ein
// Verzeichnis mit tokenizer.json bzw. vocab.json + merges.txt.
func Load(path string, opts ...LoadOption) (*Tokenizer, error) {
	var (
		t   *Tokenizer
		err error
	)

	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		if data, readErr := os.ReadFile(filepath.Join(path, "tokenizer.json")); readErr == nil {
			t, err = loadFromTokenizerJSON(data, path)
		} else {
			t, err = LoadVocabMerges(path)
		}
	} else {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read tokenizer: %w", readErr)
		}
		t, err = loadFromTokenizerJSON(data, filepath.Dir(path))
	}
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(t)
	}
	if t.PaddingSide != "right" && t.PaddingSide != "left" {
		return nil, fmt.Errorf("%w, got %q", ErrPaddingSide, t.PaddingSide)
	}
	return t, nil
}

func loadFromTokenizerJSON(data []byte, dir string) (*Tokenizer, error) {
	var raw struct {
		Model struct {
			Type         string           `json:"type"`
			Vocab        map[string]int32 `json:"vocab"`
			Merges       json.RawMessage  `json:"merges"`
			ByteFallback bool             `json:"byte_fallback"`
			UnkToken     *string          `json:"unk_token"`
		} `json:"model"`
		Normalizer   json.RawMessage `json:"normalizer"`
		PreTokenizer json.RawMessage `json:"pre_tokenizer"`
		Decoder      json.RawMessage `json:"decoder"`
		AddedTokens  []struct {
			ID      int32  `json:"id"`
			Content string `json:"content"`
			Special bool   `json:"special"`
		} `json:"added_tokens"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}

	if raw.Model.Type != "" && raw.Model.Type != "BPE" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, raw.Model.Type)
	}

	merges, err := parseMerges(raw.Model.Merges)
	if err != nil {
		return nil, err
	}

	t := newTokenizer(newVocabulary(raw.Model.Vocab, merges))

	for _, tok := range raw.AddedTokens {
		t.addSpecial(tok.Content, tok.ID)
	}
	t.sortSpecial()

	if raw.Model.UnkToken != nil {
		if id, ok := t.vocab.Reverse[*raw.Model.UnkToken]; ok {
			t.vocab.UNK = id
		}
	}

	if t.normalizer, err = parseNormalizer(raw.Normalizer); err != nil {
		return nil, err
	}
	if t.pretokenizer, err = parsePreTokenizer(raw.PreTokenizer); err != nil {
		return nil, err
	}

	if raw.Model.ByteFallback || detectSentencePiece(raw.Decoder) {
		t.typ = TokenizerSentencePiece
		t.stripLeadingSpace = detectStrip(raw.Decoder)
	}

	loadSpecialTokenConfig(dir, t)
	initByteTokens(t.vocab)

	return t, nil
}

// parseMerges akzeptiert []string ("a b") und [][]string
func parseMerges(data json.RawMessage) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var merges []string
	if err := json.Unmarshal(data, &merges); err == nil {
		return merges, nil
	}

	var pairs [][]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("failed to parse merges: %w", err)
	}
	merges = make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("failed to parse merges: pair of length %d", len(pair))
		}
		merges = append(merges, pair[0]+" "+pair[1])
	}
	return merges, nil
}

func newVocabulary(reverse map[string]int32, merges []string) *Vocabulary {
	v := &Vocabulary{
		Values:  make([]string, len(reverse)),
		Reverse: reverse,
		Merges:  make(map[string]int, len(merges)),
		BOS:     -1,
		PAD:     -1,
		UNK:     -1,
	}

	for token, id := range reverse {
		if int(id) >= len(v.Values) {
			values := make([]string, id+1)
			copy(values, v.Values)
			v.Values = values
		}
		v.Values[id] = token
	}

	for i, merge := range merges {
		v.Merges[merge] = i
	}
	return v
}

// detectSentencePiece erkennt Decoder mit ▁-Ersetzung oder ByteFallback
func detectSentencePiece(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}

	var seq struct {
		Type     string `json:"type"`
		Decoders []struct {
			Type    string  `json:"type"`
			Pattern pattern `json:"pattern"`
		} `json:"decoders"`
	}
	if err := json.Unmarshal(data, &seq); err != nil {
		return false
	}

	switch seq.Type {
	case "Metaspace", "ByteFallback":
		return true
	case "Sequence":
		for _, dec := range seq.Decoders {
			if dec.Type == "ByteFallback" || dec.Type == "Metaspace" ||
				(dec.Type == "Replace" && dec.Pattern.String == "▁") {
				return true
			}
		}
	}
	return false
}

// detectStrip erkennt einen Strip-Decoder, der das vorangestellte ▁ wieder entfernt
func detectStrip(data json.RawMessage) bool {
	var seq struct {
		Decoders []struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Start   int    `json:"start"`
		} `json:"decoders"`
	}
	if err := json.Unmarshal(data, &seq); err != nil {
		return false
	}
	for _, dec := range seq.Decoders {
		if dec.Type == "Strip" && dec.Content == " " && dec.Start > 0 {
			return true
		}
	}
	return false
}

// LoadVocabMerges laedt das GPT-2 Format aus vocab.json + merges.txt
func LoadVocabMerges(dir string) (*Tokenizer, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab.json: %w", err)
	}

	vocab := make(map[string]int32)
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab.json: %w", err)
	}

	mergesData, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read merges.txt: %w", err)
	}

	var merges []string
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		merges = append(merges, line)
	}

	t := newTokenizer(newVocabulary(vocab, merges))

	if addedData, err := os.ReadFile(filepath.Join(dir, "added_tokens.json")); err == nil {
		added := make(map[string]int32)
		if err := json.Unmarshal(addedData, &added); err != nil {
			return nil, fmt.Errorf("failed to parse added_tokens.json: %w", err)
		}
		for token, id := range added {
			t.addSpecial(token, id)
		}
	}
	t.sortSpecial()

	t.pretokenizer, err = parsePreTokenizer(json.RawMessage(`{"type":"ByteLevel","add_prefix_space":false,"use_regex":true}`))
	if err != nil {
		return nil, err
	}

	loadSpecialTokenConfig(dir, t)
	initByteTokens(t.vocab)

	return t, nil
}

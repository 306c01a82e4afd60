package tokenizer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dlclark/regexp2"
	"github.com/google/go-cmp/cmp"
)

func loadTiny(t *testing.T, opts ...LoadOption) *Tokenizer {
	t.Helper()
	tok, err := Load(filepath.Join("testdata", "tiny"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestLoadSpecialTokens(t *testing.T) {
	tok := loadTiny(t)

	if tok.BOS() != 300 {
		t.Errorf("BOS() = %d, erwartet 300", tok.BOS())
	}
	if tok.EOS() != 301 {
		t.Errorf("EOS() = %d, erwartet 301", tok.EOS())
	}
	if tok.PadID() != 301 {
		t.Errorf("PadID() = %d, erwartet 301", tok.PadID())
	}
	if tok.ModelMaxLength != 16384 {
		t.Errorf("ModelMaxLength = %d, erwartet 16384", tok.ModelMaxLength)
	}
	if tok.Type() != TokenizerBPE {
		t.Errorf("Type() = %v, erwartet bpe", tok.Type())
	}
	if !tok.IsSpecial(303) || tok.IsSpecial(257) {
		t.Error("IsSpecial liefert falsche Werte")
	}
	if got := tok.TokenString(305); got != "<|EOT|>" {
		t.Errorf("TokenString(305) = %q", got)
	}

	tok = loadTiny(t, WithModelMaxLength(512), WithPaddingSide("right"))
	if tok.ModelMaxLength != 512 {
		t.Errorf("ModelMaxLength = %d, erwartet 512", tok.ModelMaxLength)
	}
}

func TestPaddingSide(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"tokenizer.json", "tokenizer_config.json"} {
		data, err := os.ReadFile(filepath.Join("testdata", "tiny", name))
		if err != nil {
			t.Fatal(err)
		}
		if name == "tokenizer_config.json" {
			var config map[string]any
			if err := json.Unmarshal(data, &config); err != nil {
				t.Fatal(err)
			}
			config["padding_side"] = "left"
			if data, err = json.Marshal(config); err != nil {
				t.Fatal(err)
			}
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if tok.PaddingSide != "left" {
		t.Errorf("PaddingSide = %q, erwartet left aus tokenizer_config.json", tok.PaddingSide)
	}

	tok, err = Load(dir, WithPaddingSide("right"))
	if err != nil {
		t.Fatal(err)
	}
	if tok.PaddingSide != "right" {
		t.Errorf("PaddingSide = %q, erwartet right", tok.PaddingSide)
	}

	if _, err := Load(dir, WithPaddingSide("middle")); !errors.Is(err, ErrPaddingSide) {
		t.Errorf("erwartet ErrPaddingSide, got %v", err)
	}
}

func TestEncode(t *testing.T) {
	tok := loadTiny(t)

	tests := []struct {
		name string
		text string
		opts EncodeOptions
		want []int32
	}{
		{
			name: "mit BOS",
			text: "def f(x):\n",
			opts: EncodeOptions{AddSpecial: true},
			want: []int32{300, 257, 264, 40, 120, 41, 58, 10},
		},
		{
			name: "Ziffern und EOT",
			text: "return x+1\n<|EOT|>",
			want: []int32{262, 263, 43, 49, 10, 305},
		},
		{
			name: "FIM Sentinels",
			text: "<｜fim▁begin｜>def<｜fim▁hole｜><｜fim▁end｜>",
			want: []int32{303, 257, 302, 304},
		},
		{
			name: "Leerzeichen vor Wort",
			text: "    x",
			want: []int32{266, 32, 263},
		},
		{
			name: "Truncation",
			text: "def f(x):\n",
			opts: EncodeOptions{AddSpecial: true, MaxLength: 3},
			want: []int32{300, 257, 264},
		},
		{
			name: "leer",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tok.Encode(tt.text, tt.opts)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Encode(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestEncodeUsesModelMaxLength(t *testing.T) {
	tok := loadTiny(t, WithModelMaxLength(2))
	if got := tok.Encode("return x+1", EncodeOptions{}); len(got) != 2 {
		t.Errorf("erwartet 2 Tokens, bekommen %v", got)
	}
	if got := tok.Encode("return x+1", EncodeOptions{MaxLength: -1}); len(got) != 4 {
		t.Errorf("erwartet 4 Tokens ohne Truncation, bekommen %v", got)
	}
}

func TestEncodeKeepsEOS(t *testing.T) {
	tok := loadTiny(t)
	tok.vocab.AddEOS = true

	full := tok.Encode("def f(x):\n", EncodeOptions{AddSpecial: true, MaxLength: -1})
	if full[0] != 300 || full[len(full)-1] != 301 {
		t.Fatalf("erwartet BOS ... EOS, bekommen %v", full)
	}

	got := tok.Encode("def f(x):\n", EncodeOptions{AddSpecial: true, MaxLength: 3})
	if diff := cmp.Diff([]int32{300, 257, 301}, got); diff != "" {
		t.Errorf("EOS muss nach der Truncation erhalten bleiben (-want +got):\n%s", diff)
	}

	// ohne AddSpecial wird weiter nur abgeschnitten
	if got := tok.Encode("def f(x):\n", EncodeOptions{MaxLength: 2}); len(got) != 2 || got[1] == 301 {
		t.Errorf("erwartet 2 Tokens ohne EOS, bekommen %v", got)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	tok := loadTiny(t)

	for _, s := range []string{
		"def f(x):\n    return x+1\n",
		"héllo 世界 🚀",
		"<｜fim▁begin｜>a<｜fim▁hole｜>b<｜fim▁end｜>",
		"tab\tand\r\nnewline",
	} {
		if got := tok.Decode(tok.Encode(s, EncodeOptions{MaxLength: -1})); got != s {
			t.Errorf("Decode(Encode(%q)) = %q", s, got)
		}
	}

	if got := tok.Decode([]int32{300, 262, -1, 99999}); got != "<｜begin▁of▁sentence｜>return" {
		t.Errorf("Decode() = %q", got)
	}
}

func TestEncodeBPEMerge(t *testing.T) {
	tok := loadTiny(t)

	tests := []struct {
		in   string
		want []int32
	}{
		{"ĠĠĠĠ", []int32{267}},
		{"ĠĠĠ", []int32{266, 32}},
		{"return", []int32{262}},
		{"returnx", []int32{262, 120}},
	}

	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tok.encodeBPEMerge(tt.in, nil)); diff != "" {
			t.Errorf("encodeBPEMerge(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestEnsurePad(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join("testdata", "tiny", "tokenizer.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	config := `{"bos_token": "<｜begin▁of▁sentence｜>", "eos_token": "<｜end▁of▁sentence｜>"}`
	if err := os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if tok.PadID() != -1 {
		t.Fatalf("PadID() = %d, erwartet -1", tok.PadID())
	}
	if err := tok.EnsurePad(); err != nil {
		t.Fatal(err)
	}
	if tok.PadID() != 301 {
		t.Errorf("PadID() = %d, erwartet EOS 301", tok.PadID())
	}

	tok.vocab.PAD, tok.vocab.EOS = -1, nil
	if err := tok.EnsurePad(); !errors.Is(err, ErrNoPadToken) {
		t.Errorf("erwartet ErrNoPadToken, bekommen %v", err)
	}
}

func TestRegexSplit(t *testing.T) {
	re := regexp2.MustCompile(`-`, regexp2.None)

	tests := []struct {
		behavior splitBehavior
		invert   bool
		want     []string
	}{
		{behaviorIsolated, false, []string{"a", "-", "b", "-", "-", "c"}},
		{behaviorRemoved, false, []string{"a", "b", "c"}},
		{behaviorMergedWithPrev, false, []string{"a-", "b-", "-", "c"}},
		{behaviorMergedWithNext, false, []string{"a", "-b", "--c"}},
		{behaviorContiguous, false, []string{"a", "-", "b", "--", "c"}},
		{behaviorRemoved, true, []string{"-", "-", "-"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.behavior), func(t *testing.T) {
			got := regexSplit(re, tt.behavior, tt.invert)([]string{"a-b--c"})
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePreTokenizer(t *testing.T) {
	tests := []struct {
		name   string
		config string
		in     string
		want   []string
	}{
		{
			name:   "Metaspace",
			config: `{"type": "Metaspace", "replacement": "▁", "prepend_scheme": "always"}`,
			in:     "hello world",
			want:   []string{"▁hello", "▁world"},
		},
		{
			name:   "Whitespace",
			config: `{"type": "Whitespace"}`,
			in:     "hi, you",
			want:   []string{"hi", ",", "you"},
		},
		{
			name:   "Digits zusammenhaengend",
			config: `{"type": "Digits", "individual_digits": false}`,
			in:     "ab123c4",
			want:   []string{"ab", "123", "c", "4"},
		},
		{
			name:   "ByteLevel mit Prefix",
			config: `{"type": "ByteLevel", "add_prefix_space": true, "use_regex": true}`,
			in:     "hello world",
			want:   []string{" hello", " world"},
		},
		{
			name:   "Split mit String-Pattern",
			config: `{"type": "Split", "pattern": {"String": "."}, "behavior": "Removed"}`,
			in:     "a.b",
			want:   []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pre, err := parsePreTokenizer(json.RawMessage(tt.config))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, pre([]string{tt.in})); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := parsePreTokenizer(json.RawMessage(`{"type": "UnicodeScripts"}`)); err == nil {
		t.Error("erwartet Fehler fuer unbekannten Pre-Tokenizer")
	}
}

func TestParseNormalizer(t *testing.T) {
	n, err := parseNormalizer(json.RawMessage(`{"type": "Sequence", "normalizers": [
		{"type": "NFKC"},
		{"type": "Prepend", "prepend": "▁"},
		{"type": "Replace", "pattern": {"String": " "}, "content": "▁"}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := n("ﬁ x"); got != "▁fi▁x" {
		t.Errorf("normalizer() = %q, erwartet %q", got, "▁fi▁x")
	}
}

func TestLoadVocabMerges(t *testing.T) {
	dir := t.TempDir()
	vocab := map[string]int32{"a": 0, "b": 1, "ab": 2, "Ġ": 3, "<eos>": 4}
	data, _ := json.Marshal(vocab)
	if err := os.WriteFile(filepath.Join(dir, "vocab.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "merges.txt"), []byte("#version: 0.2\na b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "added_tokens.json"), []byte(`{"<eos>": 4}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{2, 3, 2, 4}, tok.Encode("ab ab<eos>", EncodeOptions{})); diff != "" {
		t.Errorf("Encode mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadUnsupportedModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(`{"model": {"type": "WordPiece", "vocab": {}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("erwartet ErrUnsupportedModel, bekommen %v", err)
	}
}

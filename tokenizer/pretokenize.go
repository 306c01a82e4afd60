// pretokenize.go - Normalizer und Pre-Tokenizer aus tokenizer.json
//
// Enthaelt:
// - parseNormalizer: NFC/NFD/NFKC/NFKD, Lowercase, Prepend, Replace, Sequence
// - parsePreTokenizer: Split, Digits, ByteLevel, Metaspace, Whitespace, Sequence
// - splitPieces: Regex-Split mit den HuggingFace Delimiter-Modi
package tokenizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// gpt2Pattern ist das Pre-Tokenizer-Muster von ByteLevel(use_regex=true)
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type normalizer func(string) string

type preTokenizer func(pieces []string) []string

// splitBehavior entspricht SplitDelimiterBehavior in tokenizers
type splitBehavior string

const (
	behaviorRemoved        splitBehavior = "Removed"
	behaviorIsolated       splitBehavior = "Isolated"
	behaviorMergedWithPrev splitBehavior = "MergedWithPrevious"
	behaviorMergedWithNext splitBehavior = "MergedWithNext"
	behaviorContiguous     splitBehavior = "Contiguous"
)

type pattern struct {
	String string `json:"String"`
	Regex  string `json:"Regex"`
}

func (p pattern) compile() (*regexp2.Regexp, error) {
	expr := p.Regex
	if expr == "" {
		expr = regexp2.Escape(p.String)
	}
	if expr == "" {
		return nil, fmt.Errorf("empty split pattern")
	}
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pretokenizer regex %q: %w", expr, err)
	}
	return re, nil
}

func parseNormalizer(data json.RawMessage) (normalizer, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var raw struct {
		Type        string            `json:"type"`
		Normalizers []json.RawMessage `json:"normalizers"`
		Prepend     string            `json:"prepend"`
		Pattern     pattern           `json:"pattern"`
		Content     string            `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse normalizer: %w", err)
	}

	switch raw.Type {
	case "NFC":
		return norm.NFC.String, nil
	case "NFD":
		return norm.NFD.String, nil
	case "NFKC":
		return norm.NFKC.String, nil
	case "NFKD":
		return norm.NFKD.String, nil
	case "Lowercase":
		return strings.ToLower, nil
	case "Prepend":
		return func(s string) string {
			if s == "" {
				return s
			}
			return raw.Prepend + s
		}, nil
	case "Replace":
		re, err := raw.Pattern.compile()
		if err != nil {
			return nil, err
		}
		return func(s string) string {
			out, err := re.Replace(s, raw.Content, -1, -1)
			if err != nil {
				return s
			}
			return out
		}, nil
	case "Sequence":
		var steps []normalizer
		for _, n := range raw.Normalizers {
			step, err := parseNormalizer(n)
			if err != nil {
				return nil, err
			}
			if step != nil {
				steps = append(steps, step)
			}
		}
		return func(s string) string {
			for _, step := range steps {
				s = step(s)
			}
			return s
		}, nil
	}

	return nil, fmt.Errorf("unsupported normalizer %q", raw.Type)
}

func parsePreTokenizer(data json.RawMessage) (preTokenizer, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var raw struct {
		Type             string            `json:"type"`
		Pretokenizers    []json.RawMessage `json:"pretokenizers"`
		Pattern          pattern           `json:"pattern"`
		Behavior         splitBehavior     `json:"behavior"`
		Invert           bool              `json:"invert"`
		IndividualDigits bool              `json:"individual_digits"`
		AddPrefixSpace   bool              `json:"add_prefix_space"`
		UseRegex         *bool             `json:"use_regex"`
		Replacement      string            `json:"replacement"`
		PrependScheme    string            `json:"prepend_scheme"`
		Split            *bool             `json:"split"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pre_tokenizer: %w", err)
	}

	switch raw.Type {
	case "Sequence":
		var steps []preTokenizer
		for _, p := range raw.Pretokenizers {
			step, err := parsePreTokenizer(p)
			if err != nil {
				return nil, err
			}
			if step != nil {
				steps = append(steps, step)
			}
		}
		return func(pieces []string) []string {
			for _, step := range steps {
				pieces = step(pieces)
			}
			return pieces
		}, nil
	case "Split":
		re, err := raw.Pattern.compile()
		if err != nil {
			return nil, err
		}
		return regexSplit(re, raw.Behavior, raw.Invert), nil
	case "Digits":
		if raw.IndividualDigits {
			return regexSplit(regexp2.MustCompile(`\p{N}`, regexp2.None), behaviorIsolated, false), nil
		}
		return regexSplit(regexp2.MustCompile(`\p{N}`, regexp2.None), behaviorContiguous, false), nil
	case "ByteLevel":
		var split preTokenizer
		if raw.UseRegex == nil || *raw.UseRegex {
			split = regexSplit(regexp2.MustCompile(gpt2Pattern, regexp2.None), behaviorIsolated, false)
		}
		return func(pieces []string) []string {
			if raw.AddPrefixSpace && len(pieces) > 0 && !strings.HasPrefix(pieces[0], " ") {
				pieces[0] = " " + pieces[0]
			}
			if split != nil {
				pieces = split(pieces)
			}
			return pieces
		}, nil
	case "Whitespace":
		return regexSplit(regexp2.MustCompile(`\w+|[^\w\s]+`, regexp2.None), behaviorRemoved, true), nil
	case "WhitespaceSplit":
		return regexSplit(regexp2.MustCompile(`\s+`, regexp2.None), behaviorRemoved, false), nil
	case "Metaspace":
		replacement := raw.Replacement
		if replacement == "" {
			replacement = "▁"
		}
		scheme := raw.PrependScheme
		if scheme == "" {
			scheme = "always"
		}
		doSplit := raw.Split == nil || *raw.Split
		splitter := regexSplit(regexp2.MustCompile(regexp2.Escape(replacement), regexp2.None), behaviorMergedWithNext, false)
		return func(pieces []string) []string {
			for i, p := range pieces {
				p = strings.ReplaceAll(p, " ", replacement)
				if scheme == "always" || (scheme == "first" && i == 0) {
					if !strings.HasPrefix(p, replacement) {
						p = replacement + p
					}
				}
				pieces[i] = p
			}
			if doSplit {
				pieces = splitter(pieces)
			}
			return pieces
		}, nil
	}

	return nil, fmt.Errorf("unsupported pre_tokenizer %q", raw.Type)
}

type segment struct {
	start, end int
	match      bool
}

// findSegments zerlegt runes in abwechselnde Match/Nicht-Match Abschnitte
func findSegments(re *regexp2.Regexp, runes []rune) []segment {
	var segments []segment
	prev := 0

	m, err := re.FindRunesMatch(runes)
	for m != nil && err == nil {
		if m.Length > 0 {
			if m.Index > prev {
				segments = append(segments, segment{prev, m.Index, false})
			}
			segments = append(segments, segment{m.Index, m.Index + m.Length, true})
			prev = m.Index + m.Length
		}
		m, err = re.FindNextMatch(m)
	}

	if prev < len(runes) {
		segments = append(segments, segment{prev, len(runes), false})
	}
	return segments
}

// regexSplit teilt jedes Stueck an den Treffern von re
func regexSplit(re *regexp2.Regexp, behavior splitBehavior, invert bool) preTokenizer {
	if behavior == "" {
		behavior = behaviorIsolated
	}

	return func(pieces []string) []string {
		out := make([]string, 0, len(pieces))
		for _, piece := range pieces {
			if piece == "" {
				continue
			}

			runes := []rune(piece)
			segments := findSegments(re, runes)
			if invert {
				for i := range segments {
					segments[i].match = !segments[i].match
				}
			}

			var spans []segment
			prevMatch := false
			for _, s := range segments {
				switch behavior {
				case behaviorRemoved:
					if !s.match {
						spans = append(spans, s)
					}
				case behaviorMergedWithPrev:
					if s.match && !prevMatch && len(spans) > 0 {
						spans[len(spans)-1].end = s.end
					} else {
						spans = append(spans, s)
					}
				case behaviorMergedWithNext:
					if prevMatch && len(spans) > 0 {
						spans[len(spans)-1].end = s.end
					} else {
						spans = append(spans, s)
					}
				case behaviorContiguous:
					if s.match && prevMatch && len(spans) > 0 {
						spans[len(spans)-1].end = s.end
					} else {
						spans = append(spans, s)
					}
				default:
					spans = append(spans, s)
				}
				prevMatch = s.match
			}

			for _, s := range spans {
				if s.end > s.start {
					out = append(out, string(runes[s.start:s.end]))
				}
			}
		}
		return out
	}
}

// bpe.go - BPE Merge-Algorithmus mit Prioritaets-Queue
//
// Enthaelt:
// - byteToRune/runeToByte: GPT-2 Byte-Level Abbildung
// - encodeChunkInto: Kodiert ein Pre-Tokenizer-Stueck (mit Cache)
// - encodeBPEMerge: Mergt das Paar mit niedrigstem Rang zuerst
package tokenizer

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		switch {
		case b >= '!' && b <= '~', b >= 0xa1 && b <= 0xac, b >= 0xae && b <= 0xff:
		default:
			r = rune(256 + n)
			n++
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

// initByteTokens berechnet die IDs der <0xNN> Fallback-Tokens
func initByteTokens(v *Vocabulary) {
	for b := range v.byteTokens {
		v.byteTokens[b] = -1
		if id, ok := v.Reverse[fmt.Sprintf("<0x%02X>", b)]; ok {
			v.byteTokens[b] = id
		}
	}
}

// encodeChunkInto haengt die IDs eines Stuecks an ids an
func (t *Tokenizer) encodeChunkInto(s string, ids []int32) []int32 {
	if s == "" {
		return ids
	}

	var encoded string
	if t.typ == TokenizerSentencePiece {
		encoded = s
	} else {
		var sb strings.Builder
		sb.Grow(len(s) * 2)
		for i := 0; i < len(s); i++ {
			sb.WriteRune(byteToRune[s[i]])
		}
		encoded = sb.String()
	}

	if id, ok := t.vocab.Reverse[encoded]; ok {
		return append(ids, id)
	}

	if t.cache != nil {
		if v, ok := t.cache.Get(encoded); ok {
			return append(ids, v.([]int32)...)
		}
	}

	word := t.encodeBPEMerge(encoded, nil)
	if t.cache != nil {
		t.cache.Set(encoded, word, int64(len(word)))
	}
	return append(ids, word...)
}

type mergeNode struct {
	p, n  int
	runes []rune
}

type mergePair struct {
	a, b  int
	rank  int
	value string
}

// encodeBPEMerge mergt wiederholt das Paar mit niedrigstem Rang, bei Gleichstand das linke
func (t *Tokenizer) encodeBPEMerge(encoded string, ids []int32) []int32 {
	runes := []rune(encoded)
	nodes := make([]mergeNode, len(runes))
	for i := range runes {
		nodes[i] = mergeNode{p: i - 1, n: i + 1, runes: []rune{runes[i]}}
	}

	pairwise := func(a, b int) *mergePair {
		if a < 0 || b >= len(runes) {
			return nil
		}
		left, right := string(nodes[a].runes), string(nodes[b].runes)
		rank := t.vocab.Merge(left, right)
		if rank < 0 {
			return nil
		}
		return &mergePair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := binaryheap.NewWith(func(i, j *mergePair) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}
		return cmp.Compare(i.a, j.a)
	})

	for i := 0; i < len(runes)-1; i++ {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := nodes[pair.a], nodes[pair.b]
		if len(left.runes) == 0 || len(right.runes) == 0 || left.n != pair.b ||
			string(left.runes)+string(right.runes) != pair.value {
			continue
		}

		nodes[pair.a].runes = append(left.runes, right.runes...)
		nodes[pair.b].runes = nil
		nodes[pair.a].n = right.n
		if right.n < len(nodes) {
			nodes[right.n].p = pair.a
		}

		if p := pairwise(nodes[pair.a].p, pair.a); p != nil {
			pairs.Push(p)
		}
		if p := pairwise(pair.a, nodes[pair.a].n); p != nil {
			pairs.Push(p)
		}
	}

	for _, node := range nodes {
		if len(node.runes) == 0 {
			continue
		}
		part := string(node.runes)
		if id, ok := t.vocab.Reverse[part]; ok {
			ids = append(ids, id)
			continue
		}
		ids = t.fallbackInto(part, ids)
	}

	return ids
}

// fallbackInto kodiert ein unbekanntes Stueck als <0xNN> Tokens oder UNK
func (t *Tokenizer) fallbackInto(part string, ids []int32) []int32 {
	var raw []byte
	if t.typ == TokenizerSentencePiece {
		raw = []byte(part)
	} else {
		for _, r := range part {
			raw = append(raw, runeToByte[r])
		}
	}

	for _, b := range raw {
		if id := t.vocab.byteTokens[b]; id >= 0 {
			ids = append(ids, id)
		} else if t.vocab.UNK >= 0 {
			ids = append(ids, t.vocab.UNK)
		}
	}
	return ids
}

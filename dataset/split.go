// split.go - Split-Ausdruecke wie "train", "train[:5%]" oder "test[10:20]"
package dataset

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidSplit - der Split-Ausdruck ist nicht gueltig
var ErrInvalidSplit = errors.New("invalid split")

var splitPattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)(?:\[([^:\]]*):([^:\]]*)\])?$`)

// bound ist eine Grenze eines Slices, absolut oder in Prozent
type bound struct {
	set     bool
	value   int
	percent bool
}

// Split beschreibt einen benannten Split mit optionalem Slice
type Split struct {
	Name string
	from bound
	to   bound
}

// ParseSplit liest einen Split-Ausdruck
func ParseSplit(s string) (Split, error) {
	m := splitPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Split{}, fmt.Errorf("%w: %q", ErrInvalidSplit, s)
	}

	from, err := parseBound(m[2])
	if err != nil {
		return Split{}, fmt.Errorf("%w: %q: %v", ErrInvalidSplit, s, err)
	}
	to, err := parseBound(m[3])
	if err != nil {
		return Split{}, fmt.Errorf("%w: %q: %v", ErrInvalidSplit, s, err)
	}
	return Split{Name: m[1], from: from, to: to}, nil
}

func parseBound(s string) (bound, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return bound{}, nil
	}

	b := bound{set: true}
	if v, ok := strings.CutSuffix(s, "%"); ok {
		b.percent = true
		s = v
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return bound{}, fmt.Errorf("bound %q is not an integer", s)
	}
	if b.percent && (n < -100 || n > 100) {
		return bound{}, fmt.Errorf("percentage %d%% out of range", n)
	}
	b.value = n
	return b, nil
}

// resolve rechnet eine Grenze fuer n Zeilen in einen Index um.
// Prozentwerte werden auf die naechste ganze Zeile gerundet.
func (b bound) resolve(n, fallback int) int {
	if !b.set {
		return fallback
	}

	v := b.value
	if b.percent {
		v = int(math.Round(float64(b.value) * float64(n) / 100))
	}
	if v < 0 {
		v += n
	}
	return min(max(v, 0), n)
}

// Sliced meldet, ob der Ausdruck einen Slice enthaelt
func (s Split) Sliced() bool { return s.from.set || s.to.set }

// Bounds gibt [start, end) fuer einen Split mit n Zeilen zurueck
func (s Split) Bounds(n int) (int, int) {
	start := s.from.resolve(n, 0)
	end := s.to.resolve(n, n)
	return start, max(start, end)
}

// String gibt den Ausdruck in kanonischer Form zurueck
func (s Split) String() string {
	if !s.Sliced() {
		return s.Name
	}
	return s.Name + "[" + s.from.String() + ":" + s.to.String() + "]"
}

func (b bound) String() string {
	if !b.set {
		return ""
	}
	if b.percent {
		return strconv.Itoa(b.value) + "%"
	}
	return strconv.Itoa(b.value)
}

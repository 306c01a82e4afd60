// Package model - Reflection-basierte Tensor-Population
//
// Dieses Modul enthaelt die Reflection-Logik zum automatischen Befuellen
// von Model-Strukturen mit Tensoren aus einer Gewichtsquelle.
//
// Hauptkomponenten:
// - populateFields: Befuellt Strukturfelder rekursiv mit Tensoren
// - walkFields: Besucht alle benannten Tensoren und Linear-Felder
// - Tag: hf-Tag-Struktur fuer Tensor-Namen
// - parseTag: Parst hf-Tags aus Struct-Tags

package model

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/fimtune/fimtune/logutil"
	"github.com/fimtune/fimtune/nn"
)

// TensorSource liefert Tensoren nach HF-Namen
type TensorSource interface {
	Has(name string) bool
	Get(name string) (*nn.Tensor, error)
}

var (
	tensorType = reflect.TypeOf((*nn.Tensor)(nil))
	linearType = reflect.TypeOf((*Linear)(nil)).Elem()
)

// Tag repraesentiert einen geparsten hf-Tag
type Tag struct {
	name         string
	alternatives []string
}

// parseTag parst einen hf-Tag-String in eine Tag-Struktur
func parseTag(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	tag.name = parts[0]
	for _, part := range parts[1:] {
		value, ok := strings.CutPrefix(part, "alt:")
		if !ok {
			continue
		}
		if tag.name == "" {
			// Alternative zum Primaernamen erheben wenn kein Primaername
			tag.name = value
			slog.Warn("hf tag has alt: but no primary name", "tag", s)
		} else {
			tag.alternatives = append(tag.alternatives, value)
		}
	}
	return
}

// buildTensorNames baut die vollstaendigen Tensor-Namen aus Tags, Primaername zuerst
func buildTensorNames(tags []Tag) []string {
	names := []string{""}
	for _, tag := range tags {
		if tag.name == "" {
			continue
		}

		var next []string
		for _, prefix := range names {
			for _, n := range append([]string{tag.name}, tag.alternatives...) {
				if prefix != "" {
					n = prefix + "." + n
				}
				next = append(next, n)
			}
		}
		names = next
	}
	return names
}

// populateFields befuellt Strukturfelder rekursiv mit Tensoren aus src.
// Nil Linear-Felder werden mit *Dense belegt, bestehende Implementierungen
// (z.B. LoRA) werden rekursiv befuellt.
func populateFields(src TensorSource, v reflect.Value, tags ...Tag) error {
	var errs []error
	loaded := make(map[string]*nn.Tensor)
	walk(v, tags, func(names []string, field reflect.Value) bool {
		switch field.Type() {
		case tensorType:
			if !field.IsNil() {
				return false
			}
			for _, name := range names {
				if t, ok := loaded[name]; ok {
					field.Set(reflect.ValueOf(t))
					return false
				}
				if !src.Has(name) {
					continue
				}
				t, err := src.Get(name)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					return false
				}
				logutil.Trace("found tensor", "name", name, "shape", t.String())
				loaded[name] = t
				field.Set(reflect.ValueOf(t))
				return false
			}
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingTensor, names[0]))
		case linearType:
			if field.IsNil() {
				field.Set(reflect.ValueOf(&Dense{}))
			}
		}
		return true
	})
	return errors.Join(errs...)
}

// walk besucht Tensor- und Linear-Felder mit ihren Kandidatennamen.
// Gibt visit false zurueck, wird ein Linear-Feld nicht weiter durchlaufen.
func walk(v reflect.Value, tags []Tag, visit func(names []string, field reflect.Value) bool) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			walk(v.Elem(), tags, visit)
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			walk(v.Index(i), append(tags, Tag{name: strconv.Itoa(i)}), visit)
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			sf := t.Field(i)
			raw, ok := sf.Tag.Lookup("hf")
			if !ok || !sf.IsExported() {
				continue
			}

			// Kopie erstellen
			fieldTags := append(append([]Tag(nil), tags...), parseTag(raw))
			fv := v.Field(i)
			switch {
			case sf.Type == tensorType:
				visit(buildTensorNames(fieldTags), fv)
			case sf.Type == linearType:
				if visit(buildTensorNames(fieldTags), fv) {
					walk(fv, fieldTags, visit)
				}
			case sf.Type.Kind() == reflect.Pointer && sf.Type.Elem().Kind() == reflect.Struct:
				if fv.IsNil() {
					fv.Set(reflect.New(sf.Type.Elem()))
				}
				walk(fv, fieldTags, visit)
			default:
				walk(fv, fieldTags, visit)
			}
		}
	}
}

// NamedTensor ist ein Tensor mit seinem HF-Namen
type NamedTensor struct {
	Name   string
	Tensor *nn.Tensor
}

// tensors gibt alle Tensoren unter v mit Primaernamen zurueck; geteilte Tensoren einmal
func tensors(v reflect.Value) []NamedTensor {
	var out []NamedTensor
	seen := make(map[*nn.Tensor]bool)
	walk(v, nil, func(names []string, field reflect.Value) bool {
		if field.Type() != tensorType || field.IsNil() {
			return true
		}
		t := field.Interface().(*nn.Tensor)
		if !seen[t] {
			seen[t] = true
			out = append(out, NamedTensor{Name: names[0], Tensor: t})
		}
		return true
	})
	return out
}

// linears gibt alle Linear-Felder unter v mit ihren Modulnamen zurueck
func linears(v reflect.Value) (names []string, fields []reflect.Value) {
	walk(v, nil, func(n []string, field reflect.Value) bool {
		if field.Type() == linearType {
			names = append(names, n[0])
			fields = append(fields, field)
			return false
		}
		return true
	})
	return
}

// dataset.go - Spaltenweiser In-Memory-Datensatz mit String-Spalten
//
// Hauptfunktionen:
// - New: Erstellt einen Datensatz aus gleich langen Spalten
// - Select/Shuffle: Abgeleitete Datensaetze mit eigenem Fingerprint
// - Batch: Spaltenweiser Ausschnitt fuer Map-Funktionen
package dataset

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

var (
	// ErrColumnLength - Spalten haben unterschiedlich viele Zeilen
	ErrColumnLength = errors.New("columns differ in length")

	// ErrNoData - es wurden keine Dateien oder Zeilen gefunden
	ErrNoData = errors.New("no data found")
)

// Dataset haelt Zeilen spaltenweise. Datensaetze sind nach dem Erstellen unveraenderlich.
type Dataset struct {
	columns     []string
	data        map[string][]string
	rows        []int
	fingerprint string
}

// New erstellt einen Datensatz. Spaltennamen werden sortiert.
func New(columns map[string][]string) (*Dataset, error) {
	names := make([]string, 0, len(columns))
	n := -1
	for name, values := range columns {
		if n >= 0 && len(values) != n {
			return nil, fmt.Errorf("%w: column %q has %d rows, expected %d", ErrColumnLength, name, len(values), n)
		}
		n = len(values)
		names = append(names, name)
	}
	slices.Sort(names)

	rows := make([]int, max(n, 0))
	for i := range rows {
		rows[i] = i
	}

	d := &Dataset{columns: names, data: columns, rows: rows}
	d.fingerprint = d.contentHash()
	return d, nil
}

// contentHash berechnet einen Hash ueber Spaltennamen und Werte
func (d *Dataset) contentHash() string {
	h := sha256.New()
	var buf [8]byte
	write := func(s string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}

	for _, name := range d.columns {
		write(name)
		for _, i := range d.rows {
			write(d.data[name][i])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// derive erstellt eine Sicht auf andere Zeilen
func (d *Dataset) derive(rows []int, op string) *Dataset {
	h := sha256.Sum256([]byte(d.fingerprint + "|" + op))
	return &Dataset{columns: d.columns, data: d.data, rows: rows, fingerprint: hex.EncodeToString(h[:])}
}

// Len gibt die Anzahl der Zeilen zurueck
func (d *Dataset) Len() int { return len(d.rows) }

// Columns gibt die Spaltennamen sortiert zurueck
func (d *Dataset) Columns() []string { return slices.Clone(d.columns) }

// Fingerprint identifiziert Inhalt und Herkunft des Datensatzes
func (d *Dataset) Fingerprint() string { return d.fingerprint }

// Column gibt die Werte einer Spalte zurueck
func (d *Dataset) Column(name string) ([]string, bool) {
	values, ok := d.data[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(d.rows))
	for j, i := range d.rows {
		out[j] = values[i]
	}
	return out, true
}

// Row gibt eine Zeile als Map zurueck
func (d *Dataset) Row(i int) map[string]string {
	row := make(map[string]string, len(d.columns))
	for _, name := range d.columns {
		row[name] = d.data[name][d.rows[i]]
	}
	return row
}

// Batch gibt die Zeilen [start, end) spaltenweise zurueck
func (d *Dataset) Batch(start, end int) map[string][]string {
	batch := make(map[string][]string, len(d.columns))
	for _, name := range d.columns {
		values := make([]string, 0, end-start)
		for _, i := range d.rows[start:end] {
			values = append(values, d.data[name][i])
		}
		batch[name] = values
	}
	return batch
}

// Select gibt die Zeilen [start, end) als neuen Datensatz zurueck
func (d *Dataset) Select(start, end int) *Dataset {
	start = min(max(start, 0), len(d.rows))
	end = min(max(end, start), len(d.rows))
	return d.derive(slices.Clone(d.rows[start:end]), fmt.Sprintf("select:%d:%d", start, end))
}

// Shuffle gibt die Zeilen in einer durch seed bestimmten Reihenfolge zurueck
func (d *Dataset) Shuffle(seed uint64) *Dataset {
	rng := rand.New(rand.NewPCG(seed, seed))
	rows := slices.Clone(d.rows)
	rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	return d.derive(rows, fmt.Sprintf("shuffle:%d", seed))
}

// load.go - Laden von Datensaetzen aus lokalen Dateien oder vom Hub
//
// Unterstuetzte Formate: .json (Array oder JSON Lines), .jsonl, .parquet.
// Hub-Datasets werden ueber die Parquet-Konvertierung des Hubs geladen.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/fimtune/fimtune/huggingface"
)

// ErrUnsupportedFormat - die Dateiendung wird nicht unterstuetzt
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

// LoadOptions steuert Load
type LoadOptions struct {
	// Client fuer Hub-Datasets; nil verwendet einen Client aus der Umgebung
	Client *huggingface.Client

	// Config waehlt die Dataset-Konfiguration auf dem Hub
	Config string
}

// Load laedt den Split eines Datensatzes. path ist eine Datei, ein Verzeichnis oder eine Hub-ID.
func Load(ctx context.Context, path, split string, opts LoadOptions) (*Dataset, error) {
	s, err := ParseSplit(split)
	if err != nil {
		return nil, err
	}

	files, err := dataFiles(ctx, path, s.Name, opts)
	if err != nil {
		return nil, err
	}

	columns, err := readFiles(ctx, files)
	if err != nil {
		return nil, err
	}

	ds, err := New(columns)
	if err != nil {
		return nil, err
	}

	slog.Debug("dataset loaded", "path", path, "split", s.Name, "files", len(files), "rows", ds.Len(), "columns", ds.Columns())
	if s.Sliced() {
		start, end := s.Bounds(ds.Len())
		ds = ds.Select(start, end)
	}
	return ds, nil
}

// dataFiles bestimmt die Dateien eines Splits
func dataFiles(ctx context.Context, path, split string, opts LoadOptions) ([]string, error) {
	stat, err := os.Stat(path)
	switch {
	case err == nil && !stat.IsDir():
		return []string{path}, nil
	case err == nil:
		return splitFiles(path, split)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	case huggingface.IsRepoID(path):
		client := opts.Client
		if client == nil {
			client = huggingface.NewClient()
		}
		return client.DownloadDatasetParquet(ctx, path, opts.Config, split)
	default:
		return nil, fmt.Errorf("%w: %q is neither a local path nor a hub dataset id", ErrNoData, path)
	}
}

func supported(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".jsonl", ".parquet":
		return true
	}
	return false
}

// splitFiles waehlt die Dateien eines Verzeichnisses, deren Name den Split enthaelt.
// Ohne Treffer gehoeren alle Dateien zum Split "train".
func splitFiles(dir, split string) ([]string, error) {
	var all, matched []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !supported(p) {
			return nil
		}
		all = append(all, p)

		rel, _ := filepath.Rel(dir, p)
		for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '-' || r == '_' || r == '.' }) {
			if part == split {
				matched = append(matched, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case len(matched) > 0:
		return matched, nil
	case len(all) > 0 && split == "train":
		return all, nil
	default:
		return nil, fmt.Errorf("%w: no files for split %q in %s", ErrNoData, split, dir)
	}
}

// readFiles liest alle Dateien und haengt die Spalten aneinander
func readFiles(ctx context.Context, files []string) (map[string][]string, error) {
	var columns map[string][]string
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var part map[string][]string
		var err error
		switch filepath.Ext(p) {
		case ".json", ".jsonl":
			part, err = readJSON(p)
		case ".parquet":
			part, err = readParquet(ctx, p)
		default:
			err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(p))
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}

		if columns == nil {
			columns = part
			continue
		}
		if !slices.Equal(sortedKeys(columns), sortedKeys(part)) {
			return nil, fmt.Errorf("read %s: columns %v do not match %v", p, sortedKeys(part), sortedKeys(columns))
		}
		for name, values := range part {
			columns[name] = append(columns[name], values...)
		}
	}

	if columns == nil {
		return nil, ErrNoData
	}
	return columns, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// readJSON liest ein JSON-Array von Objekten oder JSON Lines.
// Spalten mit anderen Werten als Strings werden verworfen.
func readJSON(p string) (map[string][]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	first, err := peekNonSpace(r)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if first == '[' {
		if err := json.NewDecoder(r).Decode(&records); err != nil {
			return nil, err
		}
	} else {
		dec := json.NewDecoder(r)
		for {
			var rec map[string]any
			if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return nil, fmt.Errorf("record %d: %w", len(records)+1, err)
			}
			records = append(records, rec)
		}
	}

	return stringColumns(records), nil
}

// peekNonSpace ueberspringt Leerraum und ein UTF-8 BOM
func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n', 0xef, 0xbb, 0xbf:
			continue
		}
		return b, r.UnreadByte()
	}
}

// stringColumns wandelt Records in Spalten; null und fehlende Werte werden zu ""
func stringColumns(records []map[string]any) map[string][]string {
	dropped := map[string]bool{}
	columns := map[string][]string{}
	for _, rec := range records {
		for k, v := range rec {
			if _, ok := v.(string); !ok && v != nil {
				dropped[k] = true
			}
			if _, ok := columns[k]; !ok {
				columns[k] = nil
			}
		}
	}
	for k := range dropped {
		slog.Debug("dropping non-string column", "column", k)
		delete(columns, k)
	}

	for k := range columns {
		values := make([]string, len(records))
		for i, rec := range records {
			values[i], _ = rec[k].(string)
		}
		columns[k] = values
	}
	return columns
}

// readParquet liest die String-Spalten einer Parquet-Datei
func readParquet(ctx context.Context, p string) (map[string][]string, error) {
	rdr, err := file.OpenParquetFile(p, false)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{Parallel: true, BatchSize: 1 << 14}, memory.DefaultAllocator)
	if err != nil {
		return nil, err
	}

	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	columns := map[string][]string{}
	schema := tbl.Schema()
	for i := range int(tbl.NumCols()) {
		field := schema.Field(i)
		switch field.Type.ID() {
		case arrow.STRING, arrow.LARGE_STRING:
		default:
			slog.Debug("dropping non-string column", "column", field.Name, "type", field.Type)
			continue
		}

		values := make([]string, 0, tbl.NumRows())
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			values = appendStrings(values, chunk)
		}
		columns[field.Name] = values
	}
	return columns, nil
}

func appendStrings(values []string, chunk arrow.Array) []string {
	switch a := chunk.(type) {
	case *array.String:
		for j := range a.Len() {
			values = append(values, stringAt(a, j))
		}
	case *array.LargeString:
		for j := range a.Len() {
			values = append(values, stringAt(a, j))
		}
	}
	return values
}

// stringAt kopiert einen Wert aus dem Arrow-Puffer; null wird zu ""
func stringAt(a interface {
	IsNull(int) bool
	Value(int) string
}, j int) string {
	if a.IsNull(j) {
		return ""
	}
	return strings.Clone(a.Value(j))
}

package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/fimtune/fimtune/huggingface"
)

func TestParseSplit(t *testing.T) {
	cases := []struct {
		in         string
		n          int
		start, end int
		wantErr    bool
	}{
		{in: "train", n: 100, start: 0, end: 100},
		{in: "train[:5%]", n: 100, start: 0, end: 5},
		{in: "train[:5%]", n: 30, start: 0, end: 2},
		{in: "train[95%:]", n: 100, start: 95, end: 100},
		{in: "test[10:20]", n: 100, start: 10, end: 20},
		{in: "test[10%:20%]", n: 50, start: 5, end: 10},
		{in: "train[-10:]", n: 100, start: 90, end: 100},
		{in: "train[:500]", n: 100, start: 0, end: 100},
		{in: "train[20:10]", n: 100, start: 20, end: 20},
		{in: "", wantErr: true},
		{in: "train[", wantErr: true},
		{in: "train[a:b]", wantErr: true},
		{in: "train[:150%]", wantErr: true},
		{in: "train[1:2:3]", wantErr: true},
	}

	for _, tt := range cases {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseSplit(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSplit) {
					t.Fatalf("erwartet ErrInvalidSplit, got %v", err)
				}
				return
			}
			require.NoError(t, err)
			start, end := s.Bounds(tt.n)
			if start != tt.start || end != tt.end {
				t.Errorf("Bounds(%d) = [%d:%d], erwartet [%d:%d]", tt.n, start, end, tt.start, tt.end)
			}
			if s.String() != tt.in {
				t.Errorf("String() = %q, erwartet %q", s.String(), tt.in)
			}
		})
	}
}

func testDataset(t *testing.T, n int) *Dataset {
	t.Helper()
	a := make([]string, n)
	b := make([]string, n)
	for i := range n {
		a[i] = "a" + strconv.Itoa(i)
		b[i] = "b" + strconv.Itoa(i)
	}
	ds, err := New(map[string][]string{"b": b, "a": a})
	require.NoError(t, err)
	return ds
}

func TestDataset(t *testing.T) {
	ds := testDataset(t, 10)
	require.Equal(t, 10, ds.Len())
	require.Equal(t, []string{"a", "b"}, ds.Columns())
	require.Equal(t, map[string]string{"a": "a3", "b": "b3"}, ds.Row(3))

	sel := ds.Select(2, 5)
	col, ok := sel.Column("a")
	require.True(t, ok)
	require.Equal(t, []string{"a2", "a3", "a4"}, col)
	require.NotEqual(t, ds.Fingerprint(), sel.Fingerprint())

	if diff := cmp.Diff(map[string][]string{"a": {"a3", "a4"}, "b": {"b3", "b4"}}, sel.Batch(1, 3)); diff != "" {
		t.Errorf("Batch mismatch (-want +got):\n%s", diff)
	}

	s1, s2 := ds.Shuffle(42), ds.Shuffle(42)
	c1, _ := s1.Column("a")
	c2, _ := s2.Column("a")
	require.Equal(t, c1, c2)
	require.Equal(t, s1.Fingerprint(), s2.Fingerprint())
	require.NotEqual(t, s1.Fingerprint(), ds.Shuffle(7).Fingerprint())
	require.ElementsMatch(t, c1, func() []string { c, _ := ds.Column("a"); return c }())

	// gleicher Inhalt ergibt gleichen Fingerprint
	require.Equal(t, ds.Fingerprint(), testDataset(t, 10).Fingerprint())

	_, err := New(map[string][]string{"a": {"x"}, "b": {}})
	require.ErrorIs(t, err, ErrColumnLength)
}

func writeParquet(t *testing.T, path string, masked, bodies []string) {
	t.Helper()
	mem := memory.DefaultAllocator
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "masked_contract", Type: arrow.BinaryTypes.String},
		{Name: "func_body", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	sb := array.NewStringBuilder(mem)
	sb.AppendValues(masked, nil)
	maskedArr := sb.NewArray()

	bb := array.NewStringBuilder(mem)
	bb.AppendValues(bodies, nil)
	bodyArr := bb.NewArray()

	ib := array.NewInt64Builder(mem)
	for i := range masked {
		ib.Append(int64(i))
	}
	idArr := ib.NewArray()

	rec := array.NewRecord(schema, []arrow.Array{maskedArr, bodyArr, idArr}, int64(len(masked)))
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pqarrow.WriteTable(tbl, f, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()))
}

func writeJSONL(t *testing.T, path string, records []map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, r := range records {
		require.NoError(t, enc.Encode(r))
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()

	jsonl := filepath.Join(dir, "data.jsonl")
	writeJSONL(t, jsonl, []map[string]any{
		{"masked_contract": "m0", "func_body": "b0", "score": 1},
		{"masked_contract": "m1", "func_body": nil, "score": 2},
	})

	ds, err := Load(t.Context(), jsonl, "train", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"func_body", "masked_contract"}, ds.Columns())
	require.Equal(t, map[string]string{"masked_contract": "m1", "func_body": ""}, ds.Row(1))

	arr := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(arr, []byte("\n[{\"x\": \"1\"}, {\"x\": \"2\"}, {\"x\": \"3\"}, {\"x\": \"4\"}]"), 0o644))
	ds, err = Load(t.Context(), arr, "train[50%:]", LoadOptions{})
	require.NoError(t, err)
	col, _ := ds.Column("x")
	require.Equal(t, []string{"3", "4"}, col)

	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{\"x\": \"1\"}\n{broken"), 0o644))
	_, err = Load(t.Context(), bad, "train", LoadOptions{})
	require.Error(t, err)
}

func TestLoadParquetDirectory(t *testing.T) {
	dir := t.TempDir()
	writeParquet(t, filepath.Join(dir, "data", "train-00000-of-00002.parquet"), []string{"m0", "m1"}, []string{"b0", "b1"})
	writeParquet(t, filepath.Join(dir, "data", "train-00001-of-00002.parquet"), []string{"m2"}, []string{"b2"})
	writeParquet(t, filepath.Join(dir, "data", "test-00000-of-00001.parquet"), []string{"t0"}, []string{"tb0"})

	ds, err := Load(t.Context(), dir, "train", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"func_body", "masked_contract"}, ds.Columns(), "Int64-Spalte wird verworfen")
	col, _ := ds.Column("masked_contract")
	require.Equal(t, []string{"m0", "m1", "m2"}, col)

	ds, err = Load(t.Context(), dir, "test", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())

	_, err = Load(t.Context(), dir, "validation", LoadOptions{})
	require.ErrorIs(t, err, ErrNoData)

	_, err = Load(t.Context(), dir, "train[x]", LoadOptions{})
	require.ErrorIs(t, err, ErrInvalidSplit)
}

func TestLoadHub(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "0.parquet")
	writeParquet(t, shard, []string{"m0", "m1", "m2", "m3"}, []string{"b0", "b1", "b2", "b3"})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasets/owner/fim/parquet", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(huggingface.ParquetIndex{"default": {"train": {"/shards/0.parquet"}}})
	})
	mux.HandleFunc("/shards/0.parquet", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, shard)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := huggingface.NewClient(huggingface.WithBaseURL(srv.URL), huggingface.WithCacheDir(t.TempDir()))
	ds, err := Load(t.Context(), "owner/fim", "train[:50%]", LoadOptions{Client: client})
	require.NoError(t, err)
	col, _ := ds.Column("func_body")
	require.Equal(t, []string{"b0", "b1"}, col)

	_, err = Load(t.Context(), "not-a-path", "train", LoadOptions{Client: client})
	require.ErrorIs(t, err, ErrNoData)
}

func TestMap(t *testing.T) {
	t.Setenv("FIMTUNE_NO_PROGRESS", "1")
	ds := testDataset(t, 25)

	var calls atomic.Int32
	fn := func(batch map[string][]string) ([]int, error) {
		calls.Add(1)
		out := make([]int, 0, len(batch["a"]))
		for _, v := range batch["a"] {
			n, err := strconv.Atoi(v[1:])
			if err != nil {
				return nil, err
			}
			out = append(out, n*2)
		}
		return out, nil
	}

	cache, err := OpenCache(filepath.Join(t.TempDir(), CacheFile))
	require.NoError(t, err)
	defer cache.Close()

	opts := MapOptions{BatchSize: 4, NumProc: 3, Cache: cache, LoadFromCacheFile: true, Desc: "Running tokenizer", Fingerprint: "double"}
	got, err := Map(t.Context(), ds, fn, opts)
	require.NoError(t, err)
	require.Len(t, got, 25)
	for i, v := range got {
		if v != 2*i {
			t.Fatalf("got[%d] = %d, erwartet %d", i, v, 2*i)
		}
	}
	require.EqualValues(t, 7, calls.Load())

	// Treffer im Cache
	cached, err := Map(t.Context(), ds, fn, opts)
	require.NoError(t, err)
	require.Equal(t, got, cached)
	require.EqualValues(t, 7, calls.Load())

	// anderer Fingerprint oder Ueberschreiben rechnet neu
	opts.Fingerprint = "other"
	_, err = Map(t.Context(), ds, fn, opts)
	require.NoError(t, err)
	require.EqualValues(t, 14, calls.Load())

	opts.LoadFromCacheFile = false
	_, err = Map(t.Context(), ds, fn, opts)
	require.NoError(t, err)
	require.EqualValues(t, 21, calls.Load())
}

func TestMapErrors(t *testing.T) {
	t.Setenv("FIMTUNE_NO_PROGRESS", "1")
	ds := testDataset(t, 10)
	boom := errors.New("boom")

	_, err := Map(t.Context(), ds, func(batch map[string][]string) ([]int, error) {
		if batch["a"][0] == "a4" {
			return nil, boom
		}
		return make([]int, len(batch["a"])), nil
	}, MapOptions{BatchSize: 2, NumProc: 2})
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = Map(ctx, ds, func(batch map[string][]string) ([]int, error) {
		return nil, nil
	}, MapOptions{BatchSize: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCacheIncomplete(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "nested", CacheFile))
	require.NoError(t, err)
	defer cache.Close()

	ctx := t.Context()
	require.NoError(t, cache.Put(ctx, "fp", [][]byte{[]byte("one"), []byte("two")}, 2))

	payloads, ok, err := cache.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, payloads)

	_, err = cache.db.ExecContext(ctx, "DELETE FROM map_shards WHERE shard = 1")
	require.NoError(t, err)
	_, ok, err = cache.Get(ctx, "fp")
	require.NoError(t, err)
	require.False(t, ok, "unvollstaendiger Eintrag darf kein Treffer sein")

	require.NoError(t, cache.Delete(ctx, "fp"))
	_, ok, _ = cache.Get(ctx, "fp")
	require.False(t, ok)
}

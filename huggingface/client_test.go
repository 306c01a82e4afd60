package huggingface

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// fakeHub bedient die benoetigten Hub-Endpunkte
func fakeHub(t *testing.T, files map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var downloads atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/owner/model/revision/main", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		info := RepoInfo{ID: "owner/model", SHA: "c0ffee"}
		for name := range files {
			info.Siblings = append(info.Siblings, APISibling{Filename: name})
		}
		json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("/owner/model/resolve/c0ffee/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/owner/model/resolve/c0ffee/")
		content, ok := files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		downloads.Add(1)
		w.Write([]byte(content))
	})
	mux.HandleFunc("/api/datasets/owner/data/parquet", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ParquetIndex{
			"default": {"train": {"/api/datasets/owner/data/parquet/default/train/0.parquet", "/api/datasets/owner/data/parquet/default/train/1.parquet"}},
		})
	})
	mux.HandleFunc("/api/datasets/owner/data/parquet/default/train/", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Write([]byte("PAR1" + filepath.Base(r.URL.Path)))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &downloads
}

func TestValidateRepoID(t *testing.T) {
	for id, ok := range map[string]bool{
		"owner/model": true,
		"":            false,
		"model":       false,
		"a/b/c":       false,
		"/abs":        false,
	} {
		if got := IsRepoID(id); got != ok {
			t.Errorf("IsRepoID(%q) = %v, erwartet %v", id, got, ok)
		}
	}
}

func TestDownloadModel(t *testing.T) {
	files := map[string]string{
		"config.json":       `{"architectures":["LlamaForCausalLM"]}`,
		"model.safetensors": "weights",
		"README.md":         "readme",
	}
	srv, downloads := fakeHub(t, files)
	c := NewClient(WithBaseURL(srv.URL), WithToken("secret"), WithCacheDir(t.TempDir()))

	res, err := c.DownloadModel(t.Context(), "owner/model", WithIncludePatterns(ModelPatterns...))
	require.NoError(t, err)
	require.Equal(t, "c0ffee", res.Commit)
	require.Len(t, res.Files, 2)
	require.EqualValues(t, 2, downloads.Load())

	bts, err := os.ReadFile(filepath.Join(res.CachePath, "model.safetensors"))
	require.NoError(t, err)
	require.Equal(t, "weights", string(bts))

	// zweiter Lauf kommt aus dem Cache
	dir, err := c.Resolve(t.Context(), "owner/model", "main")
	require.NoError(t, err)
	require.Equal(t, res.CachePath, dir)
	require.EqualValues(t, 2, downloads.Load())

	p, err := c.DownloadFile(t.Context(), RepoModel, "owner/model", "main", "config.json")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(res.CachePath, "config.json"), p)
}

func TestResolveLocalDirectory(t *testing.T) {
	c := NewClient(WithCacheDir(t.TempDir()))
	dir := t.TempDir()

	got, err := c.Resolve(t.Context(), dir, "")
	require.NoError(t, err)
	require.Equal(t, dir, got)

	_, err = c.Resolve(t.Context(), filepath.Join(dir, "missing"), "")
	require.ErrorIs(t, err, ErrInvalidRepoID)
}

func TestErrors(t *testing.T) {
	srv, _ := fakeHub(t, map[string]string{"config.json": "{}"})
	DownloadRetryDelay = time.Millisecond

	cases := []struct {
		name  string
		token string
		id    string
		want  error
	}{
		{"unauthorized", "wrong", "owner/model", ErrUnauthorized},
		{"not found", "secret", "owner/other", ErrModelNotFound},
		{"invalid id", "secret", "nope", ErrInvalidRepoID},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(WithBaseURL(srv.URL), WithToken(tt.token), WithCacheDir(t.TempDir()))
			_, err := c.DownloadModel(t.Context(), tt.id)
			require.ErrorIs(t, err, tt.want)

			var hfErr *HuggingFaceError
			if tt.want != ErrInvalidRepoID && !errors.As(err, &hfErr) {
				t.Errorf("erwartet *HuggingFaceError, got %T", err)
			}
		})
	}
}

func TestDatasetParquet(t *testing.T) {
	srv, downloads := fakeHub(t, nil)
	c := NewClient(WithBaseURL(srv.URL), WithCacheDir(t.TempDir()))

	urls, err := c.GetDatasetParquetFiles(t.Context(), "owner/data", "", "train")
	require.NoError(t, err)
	require.Len(t, urls, 2)

	paths, err := c.DownloadDatasetParquet(t.Context(), "owner/data", "", "train")
	require.NoError(t, err)
	want := []string{
		filepath.Join(c.CacheDir(), "datasets--owner--data", "parquet", "default", "train", "0.parquet"),
		filepath.Join(c.CacheDir(), "datasets--owner--data", "parquet", "default", "train", "1.parquet"),
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}

	_, err = c.DownloadDatasetParquet(t.Context(), "owner/data", "", "train")
	require.NoError(t, err)
	require.EqualValues(t, 2, downloads.Load(), "erwartet Cache-Treffer beim zweiten Lauf")

	_, err = c.GetDatasetParquetFiles(t.Context(), "owner/data", "", "test")
	require.ErrorIs(t, err, ErrFileNotFound)
	_, err = c.GetDatasetParquetFiles(t.Context(), "owner/data", "other", "train")
	require.ErrorIs(t, err, ErrFileNotFound)
}

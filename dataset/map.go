// map.go - Parallele Batch-Verarbeitung eines Datensatzes
package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"golang.org/x/sync/errgroup"

	"github.com/fimtune/fimtune/envconfig"
)

// DefaultBatchSize ist die Batch-Groesse ohne explizite Angabe
const DefaultBatchSize = 1000

// MapOptions steuert Map
type MapOptions struct {
	BatchSize int
	NumProc   int

	// Cache speichert Ergebnisse; nil deaktiviert das Caching
	Cache *Cache

	// LoadFromCacheFile verwendet einen vorhandenen Eintrag statt neu zu rechnen
	LoadFromCacheFile bool

	// Desc beschriftet den Fortschrittsbalken
	Desc string

	// Fingerprint identifiziert die Map-Funktion und ihre Parameter
	Fingerprint string
}

func (o MapOptions) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// Key gibt den Cache-Schluessel fuer einen Datensatz zurueck
func (o MapOptions) Key(ds *Dataset) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", ds.Fingerprint(), o.Fingerprint, o.batchSize()))
	return hex.EncodeToString(h[:])
}

// Map wendet fn auf alle Batches an und gibt die Ergebnisse in Zeilenreihenfolge zurueck
func Map[T any](ctx context.Context, ds *Dataset, fn func(batch map[string][]string) ([]T, error), opts MapOptions) ([]T, error) {
	bs := opts.batchSize()
	numBatches := (ds.Len() + bs - 1) / bs
	key := opts.Key(ds)

	if opts.Cache != nil && opts.LoadFromCacheFile {
		payloads, ok, err := opts.Cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			slog.Info("loading cached processed dataset", "fingerprint", key[:16], "batches", len(payloads))
			return decodeResults[T](payloads)
		}
	}

	results := make([][]T, numBatches)
	done := make([]chan struct{}, numBatches)
	for i := range done {
		done[i] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.NumProc, 1))

	errc := make(chan error, 1)
	go func() {
		for i := range numBatches {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := fn(ds.Batch(i*bs, min((i+1)*bs, ds.Len())))
				if err != nil {
					return fmt.Errorf("batch %d: %w", i, err)
				}
				results[i] = out
				close(done[i])
				return nil
			})
		}
		errc <- g.Wait()
	}()

	if opts.Desc != "" && !envconfig.NoProgress() && numBatches > 0 {
		if err := tqdm.With(iterators.Interval(0, numBatches), opts.Desc, func(v interface{}) bool {
			return !waitBatch(gctx, done[v.(int)])
		}); err != nil {
			slog.Debug("progress bar", "error", err)
		}
	}

	if err := <-errc; err != nil {
		return nil, err
	}

	var out []T
	for _, r := range results {
		out = append(out, r...)
	}

	if opts.Cache != nil {
		payloads := make([][]byte, len(results))
		for i, r := range results {
			bts, err := json.Marshal(r)
			if err != nil {
				return nil, err
			}
			payloads[i] = bts
		}
		if err := opts.Cache.Put(ctx, key, payloads, len(out)); err != nil {
			return nil, fmt.Errorf("write cache: %w", err)
		}
		slog.Debug("processed dataset cached", "fingerprint", key[:16], "rows", len(out))
	}
	return out, nil
}

// waitBatch wartet auf einen Batch und meldet, ob er fertig ist
func waitBatch(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

func decodeResults[T any](payloads [][]byte) ([]T, error) {
	var out []T
	for i, payload := range payloads {
		var part []T
		if err := json.Unmarshal(payload, &part); err != nil {
			return nil, fmt.Errorf("decode cached batch %d: %w", i, err)
		}
		out = append(out, part...)
	}
	return out, nil
}

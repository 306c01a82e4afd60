package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fimtune/fimtune/logutil"
)

// Unterverzeichnisse des Handshakes; alles andere unter dem Run-Verzeichnis ist ein Launch
const (
	joinDir    = "join"
	welcomeDir = "welcome"
	readyDir   = "ready"
)

// FileBarrier synchronisiert Raenge ueber Markerdateien in einem gemeinsamen Verzeichnis.
//
// Beim ersten Wait einigen sich alle Raenge auf eine Launch-ID: jeder Rang > 0 meldet
// eine eigene Zufalls-ID unter join/, Rang 0 antwortet unter welcome/ mit ID und
// Launch-ID, der Rang bestaetigt unter ready/. Rang 0 wartet auf alle Bestaetigungen.
// Markerdateien frueherer Starts liegen damit in fremden Launch-Verzeichnissen.
// Jeder Name hat zusaetzlich einen Generationszaehler, so dass eine Barriere
// mehrfach verwendet werden kann.
type FileBarrier struct {
	dir  string
	env  Env
	Poll time.Duration

	mu     sync.Mutex
	launch string
	gen    map[string]int
}

// NewFileBarrier erstellt die Barriere in dir
func NewFileBarrier(dir string, env Env) (*FileBarrier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBarrier{dir: dir, env: env, Poll: 200 * time.Millisecond, gen: map[string]int{}}, nil
}

func (b *FileBarrier) root() string {
	run := b.env.RunID
	if run == "" {
		run = "default"
	}
	return filepath.Join(b.dir, sanitize(run))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, s)
}

func rankFile(rank int) string {
	return "rank-" + strconv.Itoa(rank)
}

// Wait legt den eigenen Marker der naechsten Generation an und wartet auf alle anderen
func (b *FileBarrier) Wait(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.launch == "" {
		join := b.follow
		if b.env.Rank == 0 {
			join = b.lead
		}
		launch, err := join(ctx)
		if err != nil {
			return fmt.Errorf("barrier %s: %w", name, err)
		}
		b.launch = launch
	}

	b.gen[name]++
	dir := filepath.Join(b.root(), b.launch, sanitize(name), "gen-"+strconv.Itoa(b.gen[name]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	marker := filepath.Join(dir, rankFile(b.env.Rank))
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return err
	}

	return b.poll(ctx, name, func() (bool, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false, err
		}

		arrived := 0
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "rank-") {
				arrived++
			}
		}
		logutil.Trace("file barrier", "name", name, "generation", b.gen[name], "arrived", arrived, "world_size", b.env.WorldSize)
		return arrived >= b.env.WorldSize, nil
	})
}

// lead - Rang 0 vergibt die Launch-ID und wartet, bis alle Raenge sie bestaetigt haben
func (b *FileBarrier) lead(ctx context.Context) (string, error) {
	launch := uuid.NewString()
	root := b.root()
	for _, d := range []string{joinDir, welcomeDir, readyDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return "", err
		}
	}

	welcomed := map[int]string{}
	err := b.poll(ctx, "launch", func() (bool, error) {
		joins, err := readIDs(filepath.Join(root, joinDir))
		if err != nil {
			return false, err
		}
		for rank, id := range joins {
			if welcomed[rank] == id {
				continue
			}
			if err := writeAtomic(filepath.Join(root, welcomeDir, rankFile(rank)), id+" "+launch); err != nil {
				return false, err
			}
			welcomed[rank] = id
		}

		ready, err := readIDs(filepath.Join(root, readyDir))
		if err != nil {
			return false, err
		}
		for rank := 1; rank < b.env.WorldSize; rank++ {
			if ready[rank] != launch {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}

	b.prune(launch)
	slog.Debug("file barrier launch", "launch", launch, "world_size", b.env.WorldSize)
	return launch, nil
}

// follow - Rang > 0 meldet sich an und uebernimmt die Launch-ID aus der Antwort von Rang 0
func (b *FileBarrier) follow(ctx context.Context) (string, error) {
	id := uuid.NewString()
	root := b.root()
	if err := os.MkdirAll(filepath.Join(root, joinDir), 0o755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(root, readyDir), 0o755); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(root, joinDir, rankFile(b.env.Rank)), id); err != nil {
		return "", err
	}

	var launch string
	err := b.poll(ctx, "launch", func() (bool, error) {
		data, err := os.ReadFile(filepath.Join(root, welcomeDir, rankFile(b.env.Rank)))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		} else if err != nil {
			return false, err
		}

		// Antworten an fruehere Starts tragen eine andere ID
		got, l, ok := strings.Cut(string(data), " ")
		if !ok || got != id {
			return false, nil
		}
		launch = l
		return true, nil
	})
	if err != nil {
		return "", err
	}

	if err := writeAtomic(filepath.Join(root, readyDir, rankFile(b.env.Rank)), launch); err != nil {
		return "", err
	}
	return launch, nil
}

// prune entfernt Launch-Verzeichnisse frueherer Starts
func (b *FileBarrier) prune(launch string) {
	entries, err := os.ReadDir(b.root())
	if err != nil {
		return
	}
	for _, e := range entries {
		switch e.Name() {
		case launch, joinDir, welcomeDir, readyDir:
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.root(), e.Name())); err != nil {
			slog.Warn("removing stale barrier markers", "dir", e.Name(), "error", err)
		}
	}
}

func (b *FileBarrier) poll(ctx context.Context, name string, done func() (bool, error)) error {
	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("barrier %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// readIDs liest rank-N Dateien eines Handshake-Verzeichnisses
func readIDs(dir string) (map[int]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ids := make(map[int]string, len(entries))
	for _, e := range entries {
		rank, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "rank-"))
		if err != nil || !strings.HasPrefix(e.Name(), "rank-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		ids[rank] = string(data)
	}
	return ids, nil
}

// writeAtomic schreibt ueber eine temporaere Datei; Leser sehen nur vollstaendige Inhalte
func writeAtomic(path, content string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func (b *FileBarrier) Close() error { return nil }

package distributed

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvironment(t *testing.T) {
	t.Setenv("RANK", "2")
	t.Setenv("LOCAL_RANK", "0")
	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("TORCHELASTIC_RUN_ID", "abc")

	env := FromEnvironment()
	require.Equal(t, Env{Rank: 2, LocalRank: 0, WorldSize: 4, RunID: "abc"}, env)
	require.False(t, env.IsMain())
	require.True(t, Env{WorldSize: 1}.IsMain())
	require.Error(t, Env{Rank: 4, WorldSize: 4}.Validate())
}

func TestNew(t *testing.T) {
	t.Setenv("FIMTUNE_ETCD_ENDPOINTS", "")
	t.Setenv("FIMTUNE_BARRIER_DIR", "")

	b, err := New(t.Context(), Env{WorldSize: 1})
	require.NoError(t, err)
	require.IsType(t, Noop{}, b)

	_, err = New(t.Context(), Env{Rank: 1, WorldSize: 2})
	require.ErrorIs(t, err, ErrNoBarrierBackend)

	t.Setenv("FIMTUNE_BARRIER_DIR", t.TempDir())
	b, err = New(t.Context(), Env{Rank: 1, WorldSize: 2})
	require.NoError(t, err)
	require.IsType(t, &FileBarrier{}, b)
}

func TestFileBarrier(t *testing.T) {
	dir := t.TempDir()
	const world = 3

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	release := make(chan struct{})

	for rank := range world {
		b, err := NewFileBarrier(dir, Env{Rank: rank, WorldSize: world, RunID: "run"})
		require.NoError(t, err)
		b.Poll = 5 * time.Millisecond

		wg.Add(1)
		go func() {
			defer wg.Done()
			if rank == 0 {
				// Rang 0 kommt zuletzt an
				<-release
			}
			if err := b.Wait(t.Context(), "dataset"); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, rank)
			mu.Unlock()
		}()
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Empty(t, order, "erwartet, dass Raenge > 0 auf Rang 0 warten")
	mu.Unlock()

	close(release)
	wg.Wait()
	require.Len(t, order, world)
}

func TestFileBarrierCancel(t *testing.T) {
	b, err := NewFileBarrier(t.TempDir(), Env{Rank: 1, WorldSize: 2})
	require.NoError(t, err)
	b.Poll = time.Millisecond

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Wait(ctx, "never"), context.DeadlineExceeded)
}

// newFileBarriers erstellt einen Start mit world Raengen im selben Verzeichnis
func newFileBarriers(t *testing.T, dir string, world int) []*FileBarrier {
	t.Helper()
	bs := make([]*FileBarrier, world)
	for rank := range world {
		b, err := NewFileBarrier(dir, Env{Rank: rank, WorldSize: world})
		require.NoError(t, err)
		b.Poll = time.Millisecond
		bs[rank] = b
	}
	return bs
}

func waitAll(t *testing.T, bs []*FileBarrier, name string) {
	t.Helper()
	var wg sync.WaitGroup
	for _, b := range bs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Wait(t.Context(), name); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestFileBarrierNewLaunch(t *testing.T) {
	dir := t.TempDir()

	first := newFileBarriers(t, dir, 2)
	waitAll(t, first, "preprocess")
	waitAll(t, first, "train")

	// Marker des ersten Starts duerfen Rang 1 nicht durchlassen
	second := newFileBarriers(t, dir, 2)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, second[1].Wait(ctx, "preprocess"), context.DeadlineExceeded,
		"erwartet, dass Rang 1 im zweiten Start auf Rang 0 wartet")

	third := newFileBarriers(t, dir, 2)
	waitAll(t, third, "preprocess")

	entries, err := os.ReadDir(filepath.Join(dir, "default"))
	require.NoError(t, err)
	var launches int
	for _, e := range entries {
		switch e.Name() {
		case joinDir, welcomeDir, readyDir:
		default:
			launches++
		}
	}
	require.Equal(t, 1, launches, "erwartet, dass alte Launch-Verzeichnisse entfernt werden")
}

func TestFileBarrierGenerations(t *testing.T) {
	bs := newFileBarriers(t, t.TempDir(), 2)
	waitAll(t, bs, "step")

	// derselbe Name ein zweites Mal: Rang 1 allein kommt nicht durch
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, bs[1].Wait(ctx, "step"), context.DeadlineExceeded)

	// Rang 0 holt Generation 2 nach, danach sind beide bei Generation 3
	require.NoError(t, bs[0].Wait(t.Context(), "step"))
	waitAll(t, bs, "step")
	require.Equal(t, 3, bs[0].gen["step"])
	require.Equal(t, 3, bs[1].gen["step"])
}

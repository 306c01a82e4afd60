// Package distributed - Rang-Informationen und prozessuebergreifende Barrieren
//
// Hauptkomponenten:
// - Env: RANK, LOCAL_RANK und WORLD_SIZE im torchrun-Format
// - Barrier: Wartet, bis alle Raenge dieselbe Barriere erreicht haben
// - New: Waehlt Noop, Datei- oder etcd-Barriere
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fimtune/fimtune/envconfig"
)

// ErrNoBarrierBackend - mehrere Prozesse ohne konfiguriertes Backend
var ErrNoBarrierBackend = errors.New("distributed: WORLD_SIZE > 1 requires FIMTUNE_ETCD_ENDPOINTS or FIMTUNE_BARRIER_DIR")

// Env beschreibt die Position dieses Prozesses in der Gruppe
type Env struct {
	Rank      int
	LocalRank int
	WorldSize int
	RunID     string
}

// FromEnvironment liest die Umgebung
func FromEnvironment() Env {
	return Env{
		Rank:      int(envconfig.Rank()),
		LocalRank: int(envconfig.LocalRank()),
		WorldSize: max(1, int(envconfig.WorldSize())),
		RunID:     envconfig.RunID(),
	}
}

// IsMain meldet, ob dies der Prozess mit lokalem Rang 0 ist
func (e Env) IsMain() bool {
	return e.LocalRank == 0 && e.Rank == 0
}

// Validate prueft die Rang-Angaben
func (e Env) Validate() error {
	if e.WorldSize < 1 || e.Rank < 0 || e.Rank >= e.WorldSize {
		return fmt.Errorf("distributed: rank %d outside world size %d", e.Rank, e.WorldSize)
	}
	return nil
}

// Barrier blockiert, bis alle Raenge Wait mit demselben Namen aufgerufen haben
type Barrier interface {
	Wait(ctx context.Context, name string) error
	Close() error
}

// Noop ist die Barriere fuer einen einzelnen Prozess
type Noop struct{}

func (Noop) Wait(context.Context, string) error { return nil }
func (Noop) Close() error                       { return nil }

// New waehlt die Barriere fuer env: etcd vor Verzeichnis, Noop fuer einen Prozess
func New(ctx context.Context, env Env) (Barrier, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.WorldSize == 1 {
		return Noop{}, nil
	}

	if endpoints := envconfig.EtcdEndpoints(); len(endpoints) > 0 {
		slog.Debug("using etcd barrier", "endpoints", endpoints, "rank", env.Rank)
		return NewEtcdBarrier(ctx, endpoints, env)
	}
	if dir := envconfig.BarrierDir(); dir != "" {
		slog.Debug("using file barrier", "dir", dir, "rank", env.Rank)
		return NewFileBarrier(dir, env)
	}
	return nil, ErrNoBarrierBackend
}

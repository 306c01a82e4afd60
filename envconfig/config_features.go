// config_features.go - Verteilte Ausfuehrung und Reporting
//
// Dieses Modul enthaelt:
// - Rank-Variablen im torchrun-Format (RANK, LOCAL_RANK, WORLD_SIZE)
// - Barrier-Backends (FIMTUNE_BARRIER_DIR, FIMTUNE_ETCD_ENDPOINTS)
// - Metrik-Ziel und Fortschrittsanzeige (FIMTUNE_STATSD_ADDR, FIMTUNE_NO_PROGRESS)
package envconfig

import "strings"

// =============================================================================
// Prozess-Gruppe
// =============================================================================

var (
	// Rank ist der globale Rang des Prozesses
	Rank = Uint("RANK", 0)

	// LocalRank ist der Rang innerhalb des Knotens
	LocalRank = Uint("LOCAL_RANK", 0)

	// WorldSize ist die Anzahl der Prozesse
	WorldSize = Uint("WORLD_SIZE", 1)

	// RunID trennt Barrier-Marker verschiedener Laeufe (von torchrun gesetzt)
	RunID = String("TORCHELASTIC_RUN_ID")
)

// =============================================================================
// Barrier und Reporting
// =============================================================================

var (
	// BarrierDir ist ein gemeinsames Verzeichnis fuer die Datei-Barrier
	BarrierDir = String("FIMTUNE_BARRIER_DIR")

	// StatsdAddr ist die Adresse des DogStatsD-Agents
	StatsdAddr = String("FIMTUNE_STATSD_ADDR")

	// NoProgress deaktiviert Fortschrittsbalken
	NoProgress = Bool("FIMTUNE_NO_PROGRESS")
)

// EtcdEndpoints gibt die etcd-Endpunkte fuer die Barrier zurueck
// Konfigurierbar via FIMTUNE_ETCD_ENDPOINTS (komma-separiert)
func EtcdEndpoints() []string {
	raw := Var("FIMTUNE_ETCD_ENDPOINTS")
	if raw == "" {
		return nil
	}

	var endpoints []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	return endpoints
}

// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"FIMTUNE_DEBUG":          {"FIMTUNE_DEBUG", LogLevel(), "Show additional debug information (e.g. FIMTUNE_DEBUG=1)"},
		"FIMTUNE_CACHE_DIR":      {"FIMTUNE_CACHE_DIR", CacheDir(), "Directory for preprocessed dataset caches"},
		"FIMTUNE_BARRIER_DIR":    {"FIMTUNE_BARRIER_DIR", BarrierDir(), "Shared directory used to synchronize ranks"},
		"FIMTUNE_ETCD_ENDPOINTS": {"FIMTUNE_ETCD_ENDPOINTS", EtcdEndpoints(), "Comma separated etcd endpoints used to synchronize ranks"},
		"FIMTUNE_STATSD_ADDR":    {"FIMTUNE_STATSD_ADDR", StatsdAddr(), "DogStatsD address for training metrics (e.g. 127.0.0.1:8125)"},
		"FIMTUNE_NO_PROGRESS":    {"FIMTUNE_NO_PROGRESS", NoProgress(), "Disable progress bars"},
		"HF_TOKEN":               {"HF_TOKEN", redact(HFToken()), "Access token for the Hugging Face hub"},
		"HF_ENDPOINT":            {"HF_ENDPOINT", HFEndpoint(), "Hugging Face hub endpoint (default https://huggingface.co)"},
		"HF_HOME":                {"HF_HOME", HFHome(), "Hugging Face home directory"},
		"HF_HUB_CACHE":           {"HF_HUB_CACHE", HubCache(), "Hugging Face hub cache directory"},
		"RANK":                   {"RANK", Rank(), "Global rank of this process"},
		"LOCAL_RANK":             {"LOCAL_RANK", LocalRank(), "Rank of this process on the local node"},
		"WORLD_SIZE":             {"WORLD_SIZE", WorldSize(), "Number of processes"},
		"TORCHELASTIC_RUN_ID":    {"TORCHELASTIC_RUN_ID", RunID(), "Run id shared by all ranks of one launch"},

		// Proxy-Einstellungen
		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}

	// Nicht-Windows: Case-sensitive Proxy-Variablen
	if runtime.GOOS != "windows" {
		ret["http_proxy"] = EnvVar{"http_proxy", String("http_proxy")(), "HTTP proxy"}
		ret["https_proxy"] = EnvVar{"https_proxy", String("https_proxy")(), "HTTPS proxy"}
		ret["no_proxy"] = EnvVar{"no_proxy", String("no_proxy")(), "No proxy"}
	}

	return ret
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

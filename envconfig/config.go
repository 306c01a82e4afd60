// config.go - Haupt-Konfigurationsfunktionen fuer fimtune
//
// Dieses Modul enthaelt:
// - CacheDir: Gibt das Cache-Verzeichnis fuer Map-Ergebnisse zurueck (FIMTUNE_CACHE_DIR)
// - HFHome/HubCache: HuggingFace-Cache-Layout (HF_HOME, HF_HUB_CACHE)
// - HFEndpoint/HFToken: Hub-Zugriff (HF_ENDPOINT, HF_TOKEN)
// - LogLevel: Gibt Log-Level zurueck (FIMTUNE_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Verteilte Ausfuehrung und Reporting
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// HFHome gibt das HuggingFace-Basisverzeichnis zurueck
// Konfigurierbar via HF_HOME
// Default: $XDG_CACHE_HOME/huggingface bzw. $HOME/.cache/huggingface
func HFHome() string {
	if s := Var("HF_HOME"); s != "" {
		return s
	}

	if s := Var("XDG_CACHE_HOME"); s != "" {
		return filepath.Join(s, "huggingface")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".cache", "huggingface")
}

// HubCache gibt das Hub-Cache-Verzeichnis zurueck
// Konfigurierbar via HF_HUB_CACHE
// Default: $HF_HOME/hub
func HubCache() string {
	if s := Var("HF_HUB_CACHE"); s != "" {
		return s
	}
	return filepath.Join(HFHome(), "hub")
}

// CacheDir gibt das Verzeichnis fuer vorverarbeitete Datensaetze zurueck
// Konfigurierbar via FIMTUNE_CACHE_DIR
// Default: $HF_HOME/fimtune
func CacheDir() string {
	if s := Var("FIMTUNE_CACHE_DIR"); s != "" {
		return s
	}
	return filepath.Join(HFHome(), "fimtune")
}

// HFEndpoint gibt die Basis-URL des Hubs zurueck
// Konfigurierbar via HF_ENDPOINT
func HFEndpoint() string {
	if s := Var("HF_ENDPOINT"); s != "" {
		return strings.TrimSuffix(s, "/")
	}
	return "https://huggingface.co"
}

// HFToken gibt das Access-Token zurueck (HF_TOKEN, Fallback HUGGING_FACE_HUB_TOKEN)
func HFToken() string {
	if s := Var("HF_TOKEN"); s != "" {
		return s
	}
	return Var("HUGGING_FACE_HUB_TOKEN")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via FIMTUNE_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("FIMTUNE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

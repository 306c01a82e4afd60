package logutil

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	logger.Log(t.Context(), LevelTrace, "hello", "k", "v")

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("erwartet level=TRACE in %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("erwartet kurzen Quelldatei-Namen in %q", out)
	}
}

func TestNewLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, 0)
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("erwartet keine Ausgabe, bekommen %q", buf.String())
	}
}

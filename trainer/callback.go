// callback.go - Callbacks fuer Trainings-Logs
//
// Hauptfunktionen:
// - Callback: Interface fuer Log- und Ende-Ereignisse
// - StatsdCallback: Sendet Logs als DogStatsD-Gauges
package trainer

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// State beschreibt den Fortschritt zum Zeitpunkt eines Ereignisses
type State struct {
	GlobalStep int     `json:"global_step"`
	MaxSteps   int     `json:"max_steps"`
	Epoch      float64 `json:"epoch"`
}

// Callback wird vom Trainer bei Logs und am Ende aufgerufen
type Callback interface {
	OnLog(state State, logs map[string]float64)
	OnTrainEnd(state State, out TrainOutput)
}

// StatsdCallback meldet Trainingsmetriken an einen DogStatsD-Agenten
type StatsdCallback struct {
	client statsd.ClientInterface
	tags   []string
}

// NewStatsdCallback verbindet sich mit addr; runID landet als Tag an allen Metriken
func NewStatsdCallback(addr, runID string) (*StatsdCallback, error) {
	client, err := statsd.New(addr,
		statsd.WithNamespace("fimtune."),
		statsd.WithoutTelemetry(),
	)
	if err != nil {
		return nil, fmt.Errorf("statsd %s: %w", addr, err)
	}

	return &StatsdCallback{client: client, tags: []string{"run:" + runID}}, nil
}

func (c *StatsdCallback) OnLog(state State, logs map[string]float64) {
	keys := make([]string, 0, len(logs))
	for k := range logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := c.client.Gauge("train."+k, logs[k], c.tags, 1); err != nil {
			slog.Warn("statsd gauge failed", "metric", k, "error", err)
		}
	}
	if err := c.client.Gauge("train.global_step", float64(state.GlobalStep), c.tags, 1); err != nil {
		slog.Warn("statsd gauge failed", "metric", "global_step", "error", err)
	}
}

func (c *StatsdCallback) OnTrainEnd(state State, out TrainOutput) {
	if err := c.client.Gauge("train.train_loss", out.TrainingLoss, c.tags, 1); err != nil {
		slog.Warn("statsd gauge failed", "metric", "train_loss", "error", err)
	}
	if err := c.client.Timing("train.runtime", out.Runtime, c.tags, 1); err != nil {
		slog.Warn("statsd timing failed", "error", err)
	}
	if err := c.client.Count("train.steps", int64(state.GlobalStep), c.tags, 1); err != nil {
		slog.Warn("statsd count failed", "error", err)
	}
}

// Close sendet gepufferte Metriken und schliesst die Verbindung
func (c *StatsdCallback) Close() error {
	return c.client.Close()
}

// TrainOutput ist das Ergebnis von Trainer.Train
type TrainOutput struct {
	GlobalStep   int           `json:"global_step"`
	TrainingLoss float64       `json:"training_loss"`
	Runtime      time.Duration `json:"train_runtime"`
}

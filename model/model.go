// Package model - Causal-LM Modelle fuer das Fine-Tuning
//
// Dieses Paket laedt HuggingFace Checkpoints (config.json plus Gewichte)
// und stellt den Forward-Pass auf nn-Tensoren bereit.
//
// Hauptkomponenten:
// - Model: Llama-Architektur mit austauschbaren Linear-Schichten
// - Register: Registriert Konstruktoren pro HF-Architektur
// - Load: Laedt ein Modell aus einem lokalen Verzeichnis
// - New: Erstellt ein zufaellig initialisiertes Modell
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"

	"github.com/fimtune/fimtune/logutil"
	"github.com/fimtune/fimtune/nn"
)

// Fehler-Definitionen
var (
	ErrUnsupportedModel = errors.New("model not supported")
	ErrNoWeights        = errors.New("no model weights found")
	ErrMissingTensor    = errors.New("missing tensor")
	ErrUnknownModule    = errors.New("unknown module")
)

// Validator ist ein optionales Interface fuer Post-Load-Validierung
type Validator interface {
	Validate() error
}

// models speichert registrierte Konstruktoren pro Architektur
var models = make(map[string]func(Config) (*Model, error))

// Register registriert einen Modell-Konstruktor fuer eine Architektur
func Register(name string, f func(Config) (*Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures gibt die registrierten Architekturen sortiert zurueck
func Architectures() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// modelForArch erstellt das leere Modell fuer die Architektur der Konfiguration
func modelForArch(c Config) (*Model, error) {
	arch := c.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("%w: architecture %q (supported: %s)", ErrUnsupportedModel, arch, strings.Join(Architectures(), ", "))
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", arch, err)
	}

	return f(c)
}

// Load laedt config.json und die Gewichte aus dir
func Load(dir string) (*Model, error) {
	c, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	m, err := modelForArch(c)
	if err != nil {
		return nil, err
	}

	src, err := OpenWeights(dir)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	slog.Debug("loading weights", "dir", dir, "format", src.Format(), "tensors", len(src.Names()))
	if err := populateFields(src, reflect.ValueOf(m).Elem()); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// New erstellt ein Modell mit zufaelligen Gewichten (Normal 0, 0.02), z.B. fuer Tests
func New(c Config, rng *rand.Rand) (*Model, error) {
	c.setDefaults()
	m, err := modelForArch(c)
	if err != nil {
		return nil, err
	}

	src := randomWeights{config: c, rng: rng}
	if err := populateFields(src, reflect.ValueOf(m).Elem()); err != nil {
		return nil, err
	}

	logutil.Trace("initialized random model", "layers", len(m.Layers), "hidden", c.HiddenSize)
	return m, m.Validate()
}

// randomWeights liefert fuer jeden erwarteten Tensor zufaellige Werte
type randomWeights struct {
	config Config
	rng    *rand.Rand
}

func (r randomWeights) Get(name string) (*nn.Tensor, error) {
	rows, cols, ok := r.config.tensorShape(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}

	if strings.HasSuffix(name, "norm.weight") {
		return nn.FromFunc(rows, cols, func(int, int) float32 { return 1 }), nil
	}
	return nn.FromFunc(rows, cols, func(int, int) float32 {
		return float32(r.rng.NormFloat64() * 0.02)
	}), nil
}

func (r randomWeights) Has(name string) bool {
	_, _, ok := r.config.tensorShape(name)
	if name == "lm_head.weight" {
		return ok && !r.config.TieWordEmbeddings
	}
	return ok
}

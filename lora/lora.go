// Package lora - Low-Rank-Adapter fuer model.Model
//
// Wrap friert das Basismodell ein und ersetzt die Ziel-Projektionen
// durch Linear mit zwei trainierbaren Matrizen A [r x in] und B [out x r].
package lora

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/dustin/go-humanize"

	"github.com/fimtune/fimtune/model"
	"github.com/fimtune/fimtune/nn"
)

// Linear ist eine Projektion mit Low-Rank-Update, y = base(x) + s·(drop(x)·Aᵀ)·Bᵀ
type Linear struct {
	Base model.Linear `hf:"base_layer"`
	A    *nn.Tensor   `hf:"lora_A.weight"`
	B    *nn.Tensor   `hf:"lora_B.weight"`

	Scaling float32
	Dropout float32
}

// NewLinear erstellt einen Adapter um base; A ist Kaiming-uniform, B ist Null
func NewLinear(base model.Linear, r int, scaling, dropout float32, rng *rand.Rand) *Linear {
	out, in := base.Shape()
	bound := 1 / math.Sqrt(float64(in))
	a := nn.FromFunc(r, in, func(int, int) float32 {
		return float32((rng.Float64()*2 - 1) * bound)
	})

	return &Linear{
		Base:    base,
		A:       a.Param(),
		B:       nn.Zeros(out, r).Param(),
		Scaling: scaling,
		Dropout: dropout,
	}
}

func (l *Linear) Forward(tp *nn.Tape, x *nn.Tensor) *nn.Tensor {
	y := l.Base.Forward(tp, x)
	h := tp.MatMulT(tp.Dropout(x, l.Dropout), l.A)
	return tp.Add(y, tp.Scale(tp.MatMulT(h, l.B), l.Scaling))
}

func (l *Linear) Shape() (int, int) {
	return l.Base.Shape()
}

// Model ist ein Basismodell mit eingesetzten Adaptern
type Model struct {
	*model.Model

	Config  Config
	modules []string
	layers  map[string]*Linear
}

// Wrap friert m ein und setzt Adapter in alle Ziel-Module
func Wrap(m *model.Model, cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.Freeze()

	pm := &Model{Model: m, Config: cfg, layers: make(map[string]*Linear)}
	matched := make(map[string]bool)
	for _, name := range m.Modules() {
		target, ok := cfg.targets(name)
		if !ok {
			continue
		}
		matched[target] = true

		base, err := m.Module(name)
		if err != nil {
			return nil, err
		}
		l := NewLinear(base, cfg.R, cfg.Scaling(), cfg.Dropout, rng)
		if err := m.Replace(name, l); err != nil {
			return nil, err
		}
		pm.modules = append(pm.modules, name)
		pm.layers[name] = l
	}

	for _, target := range cfg.TargetModules {
		if !matched[target] {
			return nil, unknownTarget(target, m.Modules())
		}
	}

	slog.Debug("lora adapters attached", "modules", len(pm.modules), "r", cfg.R, "alpha", cfg.Alpha)
	return pm, nil
}

// unknownTarget baut den Fehler fuer ein nicht gefundenes Ziel mit dem naechsten Modulnamen
func unknownTarget(target string, modules []string) error {
	var short []string
	for _, name := range modules {
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if !slices.Contains(short, name) {
			short = append(short, name)
		}
	}

	best, score := "", math.MaxInt
	for _, s := range short {
		if d := levenshtein.ComputeDistance(target, s); d < score {
			best, score = s, d
		}
	}

	if best != "" && score <= len(target)/2+1 {
		return fmt.Errorf("%w: target module %q not found in the base model, did you mean %q?", model.ErrUnknownModule, target, best)
	}
	return fmt.Errorf("%w: target module %q not found in the base model (available: %s)", model.ErrUnknownModule, target, strings.Join(short, ", "))
}

// AdaptedModules gibt die Namen der adaptierten Module zurueck
func (m *Model) AdaptedModules() []string {
	return m.modules
}

// Adapter gibt den Adapter fuer das Modul name zurueck
func (m *Model) Adapter(name string) (*Linear, bool) {
	l, ok := m.layers[name]
	return l, ok
}

// Parameters gibt die trainierbaren Tensoren mit PEFT-Modulnamen zurueck
func (m *Model) Parameters() []model.NamedTensor {
	var params []model.NamedTensor
	for _, nt := range m.Tensors() {
		if nt.Tensor.RequiresGrad() {
			params = append(params, nt)
		}
	}
	return params
}

// TrainableParameters zaehlt trainierbare und alle Parameter
func (m *Model) TrainableParameters() (trainable, total int, percent float64) {
	for _, nt := range m.Tensors() {
		total += nt.Tensor.Len()
		if nt.Tensor.RequiresGrad() {
			trainable += nt.Tensor.Len()
		}
	}
	if total > 0 {
		percent = 100 * float64(trainable) / float64(total)
	}
	return
}

// TrainableSummary formatiert die Parameterzahlen wie print_trainable_parameters
func (m *Model) TrainableSummary() string {
	trainable, total, percent := m.TrainableParameters()
	return fmt.Sprintf("trainable params: %s || all params: %s || trainable%%: %.4f", humanize.Comma(int64(trainable)), humanize.Comma(int64(total)), percent)
}

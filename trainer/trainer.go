// Package trainer - Trainingsschleife fuer Adapter-Parameter
//
// Der Trainer mischt die Beispiele pro Epoche, verteilt Micro-Batches auf
// Goroutine-Replikas, akkumuliert Gradienten und aktualisiert nur die
// trainierbaren Parameter des Modells.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fimtune/fimtune/collate"
	"github.com/fimtune/fimtune/model"
	"github.com/fimtune/fimtune/nn"
	"github.com/fimtune/fimtune/sft"
)

var (
	ErrNoTrainableParameters = errors.New("trainer: model has no trainable parameters")
	ErrEmptyDataset          = errors.New("trainer: training set is empty")
)

// Model ist das vom Trainer benoetigte Modell
type Model interface {
	Loss(tp *nn.Tape, b *collate.Batch) (*nn.Tensor, error)
	Parameters() []model.NamedTensor
}

// Trainer fuehrt das Training aus
type Trainer struct {
	model     Model
	args      Arguments
	train     []sft.Example
	collator  collate.Collator
	callbacks []Callback

	params    []*nn.Tensor
	optimizer Optimizer
	history   []map[string]float64
}

// New erstellt einen Trainer fuer m
func New(m Model, args Arguments, train []sft.Example, collator collate.Collator, callbacks ...Callback) (*Trainer, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if len(train) == 0 {
		return nil, ErrEmptyDataset
	}

	var params []*nn.Tensor
	for _, nt := range m.Parameters() {
		params = append(params, nt.Tensor)
	}
	if len(params) == 0 {
		return nil, ErrNoTrainableParameters
	}

	return &Trainer{
		model:     m,
		args:      args,
		train:     train,
		collator:  collator,
		callbacks: callbacks,
		params:    params,
		optimizer: newOptimizer(args),
	}, nil
}

// batchesPerEpoch gibt die Anzahl der Micro-Batches pro Epoche zurueck
func (t *Trainer) batchesPerEpoch() int {
	n, bs := len(t.train), t.args.PerDeviceTrainBatchSize
	if t.args.DataloaderDropLast {
		return n / bs
	}
	return (n + bs - 1) / bs
}

// TotalSteps gibt die Anzahl der Optimierer-Schritte zurueck
func (t *Trainer) TotalSteps() int {
	if t.args.MaxSteps > 0 {
		return t.args.MaxSteps
	}
	perEpoch := max(1, t.batchesPerEpoch()/t.args.GradientAccumulationSteps)
	return int(math.Ceil(t.args.NumTrainEpochs * float64(perEpoch)))
}

// History gibt alle geloggten Werte zurueck
func (t *Trainer) History() []map[string]float64 {
	return t.history
}

// Train fuehrt das Training bis TotalSteps aus
func (t *Trainer) Train(ctx context.Context) (TrainOutput, error) {
	start := time.Now()
	batches := t.batchesPerEpoch()
	if batches == 0 {
		return TrainOutput{}, fmt.Errorf("%w: %d examples for batch size %d with dataloader_drop_last", ErrEmptyDataset, len(t.train), t.args.PerDeviceTrainBatchSize)
	}

	total := t.TotalSteps()
	schedule := NewScheduler(t.args.LRSchedulerType, t.args.LearningRate, t.args.warmup(total), total)
	rng := rand.New(rand.NewPCG(t.args.Seed, t.args.Seed))

	slog.Info("***** Running training *****",
		"examples", len(t.train),
		"batch_size", t.args.PerDeviceTrainBatchSize,
		"gradient_accumulation_steps", t.args.GradientAccumulationSteps,
		"total_steps", total,
		"replicas", t.args.DataParallelReplicas)

	grads := make([][]float32, len(t.params))
	for i, p := range t.params {
		grads[i] = make([]float32, p.Len())
	}

	var (
		step, micro      int
		lossSum, logLoss float64
		logSteps         int
		stepLoss         float64
		state            State
	)
	state.MaxSteps = total

	for epoch := 0; step < total; epoch++ {
		perm := rng.Perm(len(t.train))
		for b := 0; b < batches && step < total; b++ {
			if err := ctx.Err(); err != nil {
				return TrainOutput{}, err
			}

			lo, hi := b*t.args.PerDeviceTrainBatchSize, min((b+1)*t.args.PerDeviceTrainBatchSize, len(perm))
			examples := make([]sft.Example, 0, hi-lo)
			for _, i := range perm[lo:hi] {
				examples = append(examples, t.train[i])
			}

			loss, err := t.accumulate(ctx, examples, grads, uint64(epoch*batches+b))
			if err != nil {
				return TrainOutput{}, err
			}
			stepLoss += loss / float64(t.args.GradientAccumulationSteps)
			micro++

			if micro%t.args.GradientAccumulationSteps != 0 && b != batches-1 {
				continue
			}

			norm := clipGradNorm(grads, t.args.MaxGradNorm)
			lr := schedule(step)
			t.optimizer.Step(t.params, grads, lr)
			for _, g := range grads {
				clear(g)
			}

			step++
			micro = 0
			lossSum += stepLoss
			logLoss += stepLoss
			logSteps++
			stepLoss = 0

			state.GlobalStep = step
			state.Epoch = float64(epoch) + float64(b+1)/float64(batches)

			if t.args.LoggingSteps > 0 && step%t.args.LoggingSteps == 0 {
				t.log(state, map[string]float64{
					"loss":          logLoss / float64(logSteps),
					"learning_rate": lr,
					"grad_norm":     norm,
					"epoch":         state.Epoch,
				})
				logLoss, logSteps = 0, 0
			}
		}
	}

	out := TrainOutput{
		GlobalStep:   step,
		TrainingLoss: lossSum / float64(max(1, step)),
		Runtime:      time.Since(start),
	}
	slog.Info("training completed", "global_step", out.GlobalStep, "train_loss", out.TrainingLoss, "runtime", out.Runtime)
	for _, cb := range t.callbacks {
		cb.OnTrainEnd(state, out)
	}
	return out, nil
}

func (t *Trainer) log(state State, logs map[string]float64) {
	entry := map[string]float64{"step": float64(state.GlobalStep)}
	for k, v := range logs {
		entry[k] = v
	}
	t.history = append(t.history, entry)

	slog.Info("train", "step", state.GlobalStep, "loss", logs["loss"], "learning_rate", logs["learning_rate"], "grad_norm", logs["grad_norm"], "epoch", logs["epoch"])
	for _, cb := range t.callbacks {
		cb.OnLog(state, logs)
	}
}

// countTargets zaehlt die Positionen, die nach der kausalen Verschiebung in den Loss eingehen
func countTargets(examples []sft.Example) int {
	n := 0
	for _, ex := range examples {
		for _, l := range ex.Labels[min(1, len(ex.Labels)):] {
			if l != sft.IgnoreIndex {
				n++
			}
		}
	}
	return n
}

// accumulate berechnet Loss und Gradienten einer Micro-Batch verteilt auf die Replikas
// und addiert die Gradienten, gewichtet nach Zielpositionen, auf grads.
func (t *Trainer) accumulate(ctx context.Context, examples []sft.Example, grads [][]float32, seed uint64) (float64, error) {
	total := countTargets(examples)
	if total == 0 {
		return 0, nil
	}

	replicas := min(t.args.DataParallelReplicas, len(examples))
	chunk := (len(examples) + replicas - 1) / replicas
	scale := 1 / float32(total*t.args.GradientAccumulationSteps)

	losses := make([]float64, replicas)
	tapes := make([]*nn.Tape, replicas)

	g, ctx := errgroup.WithContext(ctx)
	for r := range replicas {
		part := examples[min(r*chunk, len(examples)):min((r+1)*chunk, len(examples))]
		n := countTargets(part)
		if n == 0 {
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			b, err := t.collator.Collate(part)
			if err != nil {
				return err
			}

			tp := nn.NewTape(rand.New(rand.NewPCG(t.args.Seed^seed, uint64(r))))
			loss, err := t.model.Loss(tp, b)
			if err != nil {
				return err
			}

			// Mittelwert der Replika in Summe ueber Zielpositionen umrechnen
			weighted := tp.Scale(loss, float32(n)*scale)
			if err := tp.Backward(weighted); err != nil {
				return err
			}

			losses[r] = float64(loss.Item()) * float64(n)
			tapes[r] = tp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var sum float64
	for r, tp := range tapes {
		if tp == nil {
			continue
		}
		sum += losses[r]
		for i, p := range t.params {
			for j, v := range tp.Grad(p) {
				grads[i][j] += v
			}
		}
	}
	return sum / float64(total), nil
}

// SaveState schreibt trainer_state.json mit dem Log-Verlauf nach dir
func (t *Trainer) SaveState(dir string, out TrainOutput) error {
	state := struct {
		GlobalStep int                  `json:"global_step"`
		MaxSteps   int                  `json:"max_steps"`
		TrainLoss  float64              `json:"train_loss"`
		Runtime    float64              `json:"train_runtime"`
		LogHistory []map[string]float64 `json:"log_history"`
		Arguments  Arguments            `json:"args"`
	}{out.GlobalStep, t.TotalSteps(), out.TrainingLoss, out.Runtime.Seconds(), t.history, t.args}

	bts, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "trainer_state.json"), append(bts, '\n'), 0o644)
}

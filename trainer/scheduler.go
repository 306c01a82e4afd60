package trainer

import "math"

// Scheduler gibt die Lernrate fuer einen Optimierer-Schritt zurueck
type Scheduler func(step int) float64

// NewScheduler erstellt den Lernraten-Verlauf fuer total Schritte
func NewScheduler(kind string, base float64, warmup, total int) Scheduler {
	ramp := func(step int) (float64, bool) {
		if step < warmup {
			return base * float64(step) / float64(max(1, warmup)), true
		}
		return 0, false
	}

	switch kind {
	case SchedulerConstant:
		return func(int) float64 { return base }
	case SchedulerConstantWithWarmup:
		return func(step int) float64 {
			if lr, ok := ramp(step); ok {
				return lr
			}
			return base
		}
	case SchedulerCosine:
		return func(step int) float64 {
			if lr, ok := ramp(step); ok {
				return lr
			}
			progress := float64(step-warmup) / float64(max(1, total-warmup))
			return base * max(0, 0.5*(1+math.Cos(math.Pi*progress)))
		}
	default:
		return func(step int) float64 {
			if lr, ok := ramp(step); ok {
				return lr
			}
			return base * max(0, float64(total-step)/float64(max(1, total-warmup)))
		}
	}
}

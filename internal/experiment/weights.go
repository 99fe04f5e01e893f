package experiment

import (
	"fmt"
	"math"
)

// weightTolerance is the absolute tolerance used when comparing weights.
const weightTolerance = 1e-9

// WeightedArm pairs an arm with its raw, arbitrary-scale weight.
type WeightedArm struct {
	Arm    Arm
	Weight float64
}

// NormalizeWeights scales weights into proportions summing to 1. Every
// weight must be finite and strictly positive. Normalizing an already
// normalized set returns the same values within floating-point tolerance.
func NormalizeWeights(weights []float64) ([]float64, error) {
	if len(weights) == 0 {
		return nil, nil
	}
	var max float64
	for i, w := range weights {
		if err := checkWeight(w); err != nil {
			return nil, fmt.Errorf("weight[%d]: %w", i, err)
		}
		max = math.Max(max, w)
	}
	// Scaled by the largest weight the sum lies in [1, n] and cannot overflow.
	out := make([]float64, len(weights))
	var sum float64
	for i, w := range weights {
		out[i] = w / max
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// PowerOptimizedWeight returns the status quo weight that equalizes the
// power of each treatment-versus-control contrast: sqrt(k) times the mean
// treatment weight, k being the number of treatment arms. With uniform
// treatment weights w this is exactly sqrt(k)*w.
func PowerOptimizedWeight(treatmentWeights []float64) float64 {
	k := len(treatmentWeights)
	if k == 0 {
		return 1
	}
	return math.Sqrt(float64(k)) * meanWeight(treatmentWeights)
}

// meanWeight averages without summing raw weights, so finite inputs give a
// finite mean.
func meanWeight(ws []float64) float64 {
	n := float64(len(ws))
	var mean float64
	for _, w := range ws {
		mean += w / n
	}
	return mean
}

func checkWeight(w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
		return fmt.Errorf("%w: %v is not in (0, inf)", ErrInvalidWeights, w)
	}
	return nil
}

func weightsOf(arms []WeightedArm) []float64 {
	out := make([]float64, len(arms))
	for i, wa := range arms {
		out[i] = wa.Weight
	}
	return out
}

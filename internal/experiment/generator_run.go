package experiment

import (
	"fmt"
	"time"
)

// GeneratorRun is the output of a generator: an ordered set of weighted arms
// that is not yet attached to a trial.
type GeneratorRun struct {
	GeneratorKey string
	CreatedAt    time.Time
	arms         []WeightedArm
}

// NewGeneratorRun validates weights and rejects duplicate arms.
func NewGeneratorRun(key string, arms []WeightedArm) (*GeneratorRun, error) {
	seen := make(map[string]int, len(arms))
	for i, wa := range arms {
		if wa.Arm.IsZero() {
			return nil, fmt.Errorf("%w: arm[%d] is empty", ErrInvalidArm, i)
		}
		if err := checkWeight(wa.Weight); err != nil {
			return nil, fmt.Errorf("arm %s: %w", wa.Arm, err)
		}
		if j, dup := seen[wa.Arm.Signature()]; dup {
			return nil, fmt.Errorf("%w: arm[%d] duplicates arm[%d] (%s)", ErrInvalidArm, i, j, wa.Arm)
		}
		seen[wa.Arm.Signature()] = i
	}
	return &GeneratorRun{
		GeneratorKey: key,
		CreatedAt:    time.Now(),
		arms:         append([]WeightedArm(nil), arms...),
	}, nil
}

// Arms returns the weighted arms in generation order.
func (g *GeneratorRun) Arms() []WeightedArm {
	return append([]WeightedArm(nil), g.arms...)
}

// Len returns the number of arms.
func (g *GeneratorRun) Len() int { return len(g.arms) }

// NormalizedWeights returns the arm weights scaled to sum to 1.
func (g *GeneratorRun) NormalizedWeights() []float64 {
	out, err := NormalizeWeights(weightsOf(g.arms))
	if err != nil {
		// Weights were validated on construction.
		panic(err)
	}
	return out
}

package generator

import (
	"fmt"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/monitoring"
)

var logf = monitoring.Component("generator")

// FactorialKey identifies runs produced by Factorial.
const FactorialKey = "factorial"

// DefaultCapacityCap is the largest universe Factorial enumerates unless
// told otherwise.
const DefaultCapacityCap = 10000

// Factorial enumerates every arm of the search space exactly once with
// weight 1.
type Factorial struct {
	// CapacityCap bounds the universe size. Zero means DefaultCapacityCap.
	CapacityCap int64
}

func (Factorial) Key() string { return FactorialKey }

func (f Factorial) capacity() int64 {
	if f.CapacityCap > 0 {
		return f.CapacityCap
	}
	return DefaultCapacityCap
}

// Generate returns the full Cartesian product in nested-loop order, the
// last-declared parameter varying fastest. A status quo outside the
// universe is appended; one inside it is not repeated.
func (f Factorial) Generate(in Input) (*experiment.GeneratorRun, error) {
	if in.SearchSpace == nil {
		return nil, fmt.Errorf("%w: nil search space", experiment.ErrInvalidSearchSpace)
	}
	combos, err := cartesianProduct(in.SearchSpace.Parameters(), f.capacity())
	if err != nil {
		return nil, err
	}

	arms := make([]experiment.WeightedArm, 0, len(combos)+1)
	for _, c := range combos {
		arms = append(arms, experiment.WeightedArm{Arm: experiment.NewArm(c), Weight: 1})
	}
	if !in.StatusQuo.IsZero() && !in.SearchSpace.Contains(in.StatusQuo) {
		arms = append(arms, experiment.WeightedArm{Arm: in.StatusQuo, Weight: 1})
	}
	logf("factorial: %d arms from %d parameters", len(arms), len(in.SearchSpace.Parameters()))
	return experiment.NewGeneratorRun(FactorialKey, arms)
}

// cartesianProduct computes the Cartesian product of all parameter levels.
// It fails with ErrCapacityExceeded before allocating when the product is
// larger than limit.
func cartesianProduct(params []experiment.Parameter, limit int64) ([]map[string]interface{}, error) {
	if len(params) == 0 {
		return nil, nil
	}

	total := int64(1)
	for _, p := range params {
		total *= int64(len(p.Levels))
		if total > limit || total < 0 {
			return nil, fmt.Errorf("%w: %d parameters exceed the cap of %d arms", experiment.ErrCapacityExceeded, len(params), limit)
		}
	}

	combos := make([]map[string]interface{}, total)
	for i := range combos {
		combos[i] = make(map[string]interface{}, len(params))
	}

	repeat := int64(1)
	for dim := len(params) - 1; dim >= 0; dim-- {
		levels := params[dim].Levels
		name := params[dim].Name
		cycle := int64(len(levels))
		for i := int64(0); i < total; i++ {
			combos[i][name] = levels[(i/repeat)%cycle]
		}
		repeat *= cycle
	}
	return combos, nil
}

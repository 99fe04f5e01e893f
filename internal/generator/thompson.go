package generator

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/shrinkage"
)

// ThompsonKey identifies runs produced by Thompson.
const ThompsonKey = "thompson"

const (
	DefaultMinWeight  = 0.01
	DefaultNumSamples = 10000
)

// Thompson reallocates effort using the empirical-Bayes posterior of the
// prior trial's objective metric. Each arm's weight is its Monte Carlo
// probability of being best; arms below MinWeight are dropped.
type Thompson struct {
	// MinWeight must lie in (0, 1). Zero means DefaultMinWeight.
	MinWeight  float64
	NumSamples int
	Seed       uint64
	Method     shrinkage.Method
}

func (Thompson) Key() string { return ThompsonKey }

func (g Thompson) withDefaults() Thompson {
	if g.MinWeight == 0 {
		g.MinWeight = DefaultMinWeight
	}
	if g.NumSamples <= 0 {
		g.NumSamples = DefaultNumSamples
	}
	return g
}

// Generate fails with ErrDataNotReady unless in.Prior is Completed. The
// random stream depends only on Seed and the prior trial's index.
func (g Thompson) Generate(in Input) (*experiment.GeneratorRun, error) {
	g = g.withDefaults()
	if g.MinWeight < 0 || g.MinWeight >= 1 {
		return nil, fmt.Errorf("%w: min weight %v must be in (0, 1)", experiment.ErrInvalidWeights, g.MinWeight)
	}
	if in.Prior == nil {
		return nil, fmt.Errorf("%w: thompson needs a completed prior trial", experiment.ErrDataNotReady)
	}
	if status := in.Prior.Status(); status != experiment.StatusCompleted {
		return nil, fmt.Errorf("%w: prior trial %d is %s", experiment.ErrDataNotReady, in.Prior.Index(), status)
	}

	obs, err := shrinkage.ObservationsFromTrial(in.Prior, in.Objective.Metric)
	if err != nil {
		return nil, err
	}
	model, err := shrinkage.Fit(obs, shrinkage.Options{
		Method:     g.Method,
		LowerBound: in.Objective.LowerBound,
		UpperBound: in.Objective.UpperBound,
	})
	if err != nil {
		return nil, fmt.Errorf("prior trial %d: %w", in.Prior.Index(), err)
	}

	src := rand.NewPCG(g.Seed, uint64(in.Prior.Index()))
	weights := BestArmProbabilities(model.Posteriors, in.Objective.Minimize, g.NumSamples, src)

	arms := in.Prior.Arms()
	var out []experiment.WeightedArm
	for i, w := range weights {
		if w < g.MinWeight {
			continue
		}
		out = append(out, experiment.WeightedArm{Arm: arms[i].Arm, Weight: w})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: min weight %v", experiment.ErrNoArmsSurvived, g.MinWeight)
	}
	normalized, err := experiment.NormalizeWeights(weightsOf(out))
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Weight = normalized[i]
	}

	logf("thompson: %d of %d arms survived min weight %.3g (tau2=%.4g)",
		len(out), len(arms), g.MinWeight, model.Tau2)
	return experiment.NewGeneratorRun(ThompsonKey, out)
}

// BestArmProbabilities draws n samples from each posterior and returns, per
// arm, the fraction of draws in which it was best. Ties share the draw
// equally. The result sums to 1.
func BestArmProbabilities(posts []shrinkage.Posterior, minimize bool, n int, src rand.Source) []float64 {
	k := len(posts)
	wins := make([]float64, k)
	if k == 0 || n <= 0 {
		return wins
	}
	dists := make([]distuv.Normal, k)
	for i, p := range posts {
		dists[i] = distuv.Normal{Mu: p.Mean, Sigma: math.Sqrt(p.Variance), Src: src}
	}

	draw := make([]float64, k)
	tied := make([]int, 0, k)
	for s := 0; s < n; s++ {
		best := math.Inf(1)
		if !minimize {
			best = math.Inf(-1)
		}
		tied = tied[:0]
		for i := range dists {
			draw[i] = dists[i].Rand()
			switch {
			case draw[i] == best:
				tied = append(tied, i)
			case (minimize && draw[i] < best) || (!minimize && draw[i] > best):
				best = draw[i]
				tied = append(tied[:0], i)
			}
		}
		share := 1 / float64(len(tied))
		for _, i := range tied {
			wins[i] += share
		}
	}
	for i := range wins {
		wins[i] /= float64(n)
	}
	return wins
}

func weightsOf(arms []experiment.WeightedArm) []float64 {
	out := make([]float64, len(arms))
	for i, wa := range arms {
		out[i] = wa.Weight
	}
	return out
}

package metric

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/factorial/internal/experiment"
)

// Distribution selects how Simulated draws per-unit outcomes.
type Distribution string

const (
	// Bernoulli outcomes: the effect model is on the logit scale and the
	// arm's mean is a conversion rate.
	Bernoulli Distribution = "bernoulli"
	// Gaussian outcomes: the effect model is additive on the mean.
	Gaussian Distribution = "gaussian"
)

// Simulated is an ArmFetcher backed by an additive factorial effect model.
// Each arm receives round(Population*weight) units. Draws are seeded from
// Seed, the trial index and the arm signature, so a rerun reproduces the
// same results.
type Simulated struct {
	Distribution Distribution
	Intercept    float64
	// Effects maps parameter name to level (formatted with %v) to effect.
	Effects    map[string]map[string]float64
	Population int64
	// StdDev is the per-unit noise of Gaussian outcomes.
	StdDev float64
	Seed   uint64
}

// TrueMean returns the arm's expected outcome under the model.
func (s *Simulated) TrueMean(arm experiment.Arm) float64 {
	eta := s.Intercept
	for name, levels := range s.Effects {
		v, ok := arm.Value(name)
		if !ok {
			continue
		}
		eta += levels[fmt.Sprintf("%v", v)]
	}
	if s.Distribution == Gaussian {
		return eta
	}
	return 1 / (1 + math.Exp(-eta))
}

func (s *Simulated) FetchArm(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error) {
	if err := ctx.Err(); err != nil {
		return experiment.Result{}, err
	}
	n := int64(math.Round(float64(s.Population) * weight))
	if n < 2 {
		n = 2
	}
	src := rand.NewPCG(s.Seed, armStream(metric, trialIndex, arm.Arm))
	mean := s.TrueMean(arm.Arm)

	switch s.Distribution {
	case Gaussian:
		return s.gaussian(mean, n, src)
	case Bernoulli, "":
		successes := distuv.Binomial{N: float64(n), P: mean, Src: src}.Rand()
		p := successes / float64(n)
		return experiment.Result{Mean: p, SEM: math.Sqrt(p * (1 - p) / float64(n)), N: n}, nil
	default:
		return experiment.Result{}, fmt.Errorf("unknown distribution %q", s.Distribution)
	}
}

func (s *Simulated) gaussian(mu float64, n int64, src rand.Source) (experiment.Result, error) {
	sd := s.StdDev
	if sd <= 0 {
		sd = 1
	}
	dist := distuv.Normal{Mu: mu, Sigma: sd, Src: src}
	sample := make(stats.Float64Data, n)
	for i := range sample {
		sample[i] = dist.Rand()
	}
	mean, err := stats.Mean(sample)
	if err != nil {
		return experiment.Result{}, err
	}
	stdDev, err := stats.StandardDeviationSample(sample)
	if err != nil {
		return experiment.Result{}, err
	}
	return experiment.Result{Mean: mean, SEM: stdDev / math.Sqrt(float64(n)), N: n}, nil
}

func armStream(metric string, trialIndex int, arm experiment.Arm) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", metric, trialIndex, arm.Signature())
	return h.Sum64()
}

// NewSimulated wraps a Simulated fetcher into an Adapter for metric.
func NewSimulated(metric string, sim *Simulated, concurrency int) *Parallel {
	return &Parallel{Metric: metric, Fetcher: sim, Concurrency: concurrency}
}

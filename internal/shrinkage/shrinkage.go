// Package shrinkage fits an empirical-Bayes normal-normal model to per-arm
// observations and pulls noisy arm means toward the grand mean.
package shrinkage

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/factorial/internal/experiment"
)

// Method selects the between-arm variance estimator.
type Method string

const (
	// MethodMoments estimates tau^2 as the sample variance of the arm means
	// minus the mean within-arm variance.
	MethodMoments Method = "moments"
	// MethodDerSimonianLaird uses the inverse-variance weighted Q statistic.
	// It falls back to MethodMoments when any sem is zero.
	MethodDerSimonianLaird Method = "dersimonian-laird"
)

// Observation is one arm's raw mean and standard error.
type Observation struct {
	Name string
	Mean float64
	SEM  float64
}

// Options configures Fit. Bounds, when set, declare the admissible range of
// raw means (e.g. a lower bound of 0 for counts).
type Options struct {
	Method     Method
	LowerBound *float64
	UpperBound *float64
}

// Posterior is an arm's shrunk estimate.
type Posterior struct {
	Name     string
	RawMean  float64
	RawSEM   float64
	Mean     float64
	Variance float64
	// Shrinkage is B = tau^2/(tau^2+sem^2): 1 keeps the raw mean, 0 collapses
	// to the grand mean.
	Shrinkage float64
}

// SD returns the posterior standard deviation.
func (p Posterior) SD() float64 { return math.Sqrt(p.Variance) }

// Model is a fitted shrinkage model. Posteriors keep the input order.
type Model struct {
	Method            Method
	GrandMean         float64
	GrandMeanVariance float64
	Tau2              float64
	Posteriors        []Posterior
}

// Posterior looks up an arm by name.
func (m *Model) Posterior(name string) (Posterior, bool) {
	for _, p := range m.Posteriors {
		if p.Name == name {
			return p, true
		}
	}
	return Posterior{}, false
}

// Fit estimates the grand mean and between-arm variance and returns every
// arm's posterior. A non-positive tau^2 estimate is clamped to 0, in which
// case every posterior mean equals the grand mean.
func Fit(obs []Observation, opts Options) (*Model, error) {
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: no observations", experiment.ErrInvalidObservation)
	}
	if err := validate(obs, opts); err != nil {
		return nil, err
	}
	method := opts.Method
	if method == "" {
		method = MethodMoments
	}

	y := make([]float64, len(obs))
	v := make([]float64, len(obs))
	for i, o := range obs {
		y[i] = o.Mean
		v[i] = o.SEM * o.SEM
	}

	var tau2 float64
	switch method {
	case MethodMoments:
		tau2 = momentsTau2(y, v)
	case MethodDerSimonianLaird:
		if floats.Min(v) > 0 {
			tau2 = dersimonianLairdTau2(y, v)
		} else {
			tau2 = momentsTau2(y, v)
		}
	default:
		return nil, fmt.Errorf("unknown shrinkage method %q", method)
	}

	grand, grandVar := grandMean(y, v, tau2)
	m := &Model{
		Method:            method,
		GrandMean:         grand,
		GrandMeanVariance: grandVar,
		Tau2:              tau2,
		Posteriors:        make([]Posterior, len(obs)),
	}
	for i, o := range obs {
		b := 0.0
		if tau2 > 0 {
			b = tau2 / (tau2 + v[i])
		}
		m.Posteriors[i] = Posterior{
			Name:      o.Name,
			RawMean:   o.Mean,
			RawSEM:    o.SEM,
			Mean:      grand + b*(o.Mean-grand),
			Variance:  b*v[i] + (1-b)*(1-b)*grandVar,
			Shrinkage: b,
		}
	}
	return m, nil
}

func validate(obs []Observation, opts Options) error {
	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("%w: duplicate arm %q", experiment.ErrInvalidObservation, o.Name)
		}
		seen[o.Name] = struct{}{}
		if err := (experiment.Result{Mean: o.Mean, SEM: o.SEM}).Validate(); err != nil {
			return fmt.Errorf("arm %q: %w", o.Name, err)
		}
		if opts.LowerBound != nil && o.Mean < *opts.LowerBound {
			return fmt.Errorf("%w: arm %q mean %v below %v", experiment.ErrInvalidObservation, o.Name, o.Mean, *opts.LowerBound)
		}
		if opts.UpperBound != nil && o.Mean > *opts.UpperBound {
			return fmt.Errorf("%w: arm %q mean %v above %v", experiment.ErrInvalidObservation, o.Name, o.Mean, *opts.UpperBound)
		}
	}
	return nil
}

func momentsTau2(y, v []float64) float64 {
	if len(y) < 2 {
		return 0
	}
	tau2 := stat.Variance(y, nil) - stat.Mean(v, nil)
	return math.Max(0, tau2)
}

func dersimonianLairdTau2(y, v []float64) float64 {
	k := len(y)
	if k < 2 {
		return 0
	}
	w := make([]float64, k)
	for i := range v {
		w[i] = 1 / v[i]
	}
	mu := stat.Mean(y, w)
	var q float64
	for i := range y {
		d := y[i] - mu
		q += w[i] * d * d
	}
	sw := floats.Sum(w)
	c := sw - floats.Dot(w, w)/sw
	if c <= 0 {
		return 0
	}
	return math.Max(0, (q-float64(k-1))/c)
}

// grandMean returns the precision-weighted mean of y and its variance.
// Arms with zero total variance carry infinite precision; when any exist the
// grand mean is their plain mean and its variance is zero.
func grandMean(y, v []float64, tau2 float64) (float64, float64) {
	var exact []float64
	w := make([]float64, len(y))
	for i := range y {
		total := v[i] + tau2
		if total == 0 {
			exact = append(exact, y[i])
			continue
		}
		w[i] = 1 / total
	}
	if len(exact) > 0 {
		return stat.Mean(exact, nil), 0
	}
	sw := floats.Sum(w)
	return stat.Mean(y, w), 1 / sw
}

// ObservationsFromTrial reads one metric of a Completed trial in arm order.
func ObservationsFromTrial(t *experiment.Trial, metric string) ([]Observation, error) {
	rs, err := t.Results(metric)
	if err != nil {
		return nil, err
	}
	arms := t.Arms()
	obs := make([]Observation, 0, len(arms))
	for _, ta := range arms {
		r, ok := rs[ta.Name]
		if !ok {
			return nil, fmt.Errorf("%w: trial %d has no %q result for arm %q", experiment.ErrDataNotReady, t.Index(), metric, ta.Name)
		}
		obs = append(obs, Observation{Name: ta.Name, Mean: r.Mean, SEM: r.SEM})
	}
	return obs, nil
}

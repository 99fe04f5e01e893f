// Package metric defines how trial outcomes are measured. Adapters return
// a (mean, sem) pair per arm; the engine treats them as black boxes that own
// their own timeout and retry policy.
package metric

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/factorial/internal/experiment"
)

// Adapter reports one metric for every arm of a trial.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, t *experiment.Trial) (experiment.Results, error)
}

// ArmFetcher measures a single arm given its share of the trial's traffic.
type ArmFetcher interface {
	FetchArm(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error)
}

// ArmFetcherFunc adapts a function to ArmFetcher.
type ArmFetcherFunc func(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error)

func (f ArmFetcherFunc) FetchArm(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error) {
	return f(ctx, metric, trialIndex, arm, weight)
}

// Parallel is an Adapter that dispatches every arm of a trial to an
// ArmFetcher concurrently. The first error cancels the remaining calls and
// no partial results are returned.
type Parallel struct {
	Metric  string
	Fetcher ArmFetcher
	// Concurrency bounds in-flight arm fetches. Zero or negative means one
	// goroutine per arm.
	Concurrency int
}

func (p *Parallel) Name() string { return p.Metric }

// Fetch returns results keyed by arm name.
func (p *Parallel) Fetch(ctx context.Context, t *experiment.Trial) (experiment.Results, error) {
	arms := t.Arms()
	weights := t.NormalizedWeights()
	results := make([]experiment.Result, len(arms))

	g, gctx := errgroup.WithContext(ctx)
	if p.Concurrency > 0 {
		g.SetLimit(p.Concurrency)
	}
	for i := range arms {
		i := i
		g.Go(func() error {
			r, err := p.Fetcher.FetchArm(gctx, p.Metric, t.Index(), arms[i], weights[i])
			if err != nil {
				return fmt.Errorf("arm %s: %w", arms[i].Name, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(experiment.Results, len(arms))
	for i, ta := range arms {
		out[ta.Name] = results[i]
	}
	return out, nil
}

// Collect runs every adapter against t and merges their results. Errors
// other than context cancellation and malformed observations are wrapped
// with ErrAdapterFailure.
func Collect(ctx context.Context, t *experiment.Trial, adapters []Adapter) (experiment.TrialData, error) {
	data := make(experiment.TrialData, len(adapters))
	for _, a := range adapters {
		rs, err := a.Fetch(ctx, t)
		if err != nil {
			return nil, classify(a.Name(), err)
		}
		data[a.Name()] = rs
	}
	return data, nil
}

func classify(name string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("metric %q: %w", name, err)
	case errors.Is(err, experiment.ErrAdapterFailure), errors.Is(err, experiment.ErrInvalidObservation):
		return fmt.Errorf("metric %q: %w", name, err)
	default:
		return fmt.Errorf("%w: metric %q: %w", experiment.ErrAdapterFailure, name, err)
	}
}

// Router dispatches FetchArm to the fetcher registered for the metric.
type Router map[string]ArmFetcher

func (r Router) FetchArm(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error) {
	f, ok := r[metric]
	if !ok {
		return experiment.Result{}, fmt.Errorf("%w: unknown metric %q", experiment.ErrAdapterFailure, metric)
	}
	return f.FetchArm(ctx, metric, trialIndex, arm, weight)
}

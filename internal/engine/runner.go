// Package engine drives an experiment round by round: generate, attach,
// run, fetch, then complete or fail the trial.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/generator"
	"github.com/banshee-data/factorial/internal/metric"
	"github.com/banshee-data/factorial/internal/monitoring"
	"github.com/banshee-data/factorial/internal/timeutil"
)

var logf = monitoring.Component("engine")

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("experiment already running")

// Status is the runner's overall state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// RoundSummary describes one finished round.
type RoundSummary struct {
	TrialIndex   int                    `json:"trial_index"`
	GeneratorKey string                 `json:"generator_key"`
	TrialStatus  experiment.TrialStatus `json:"trial_status"`
	NumArms      int                    `json:"num_arms"`
	Duration     time.Duration          `json:"duration_ns"`
	Error        string                 `json:"error,omitempty"`
}

// State is a snapshot of the runner's progress.
type State struct {
	Status          Status         `json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	TotalRounds     int            `json:"total_rounds"`
	CompletedRounds int            `json:"completed_rounds"`
	StopReason      string         `json:"stop_reason,omitempty"`
	Rounds          []RoundSummary `json:"rounds"`
	Error           string         `json:"error,omitempty"`
}

// StopRule is consulted after every round; returning true ends the run.
type StopRule func(e *experiment.Experiment) bool

// Saver persists the experiment after each round.
type Saver interface {
	Save(ctx context.Context, e *experiment.Experiment) error
}

// Config wires generators and metric adapters into a Runner.
type Config struct {
	Factorial        generator.Factorial
	Thompson         generator.Thompson
	Adapters         []metric.Adapter
	OptimizeForPower bool
	// RoundInterval pauses between rounds.
	RoundInterval time.Duration
	Clock         timeutil.Clock
	Saver         Saver
}

// Runner owns one experiment and runs its trials strictly in sequence.
type Runner struct {
	exp *experiment.Experiment
	cfg Config

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner checks that every metric the experiment requires has an
// adapter.
func NewRunner(exp *experiment.Experiment, cfg Config) (*Runner, error) {
	have := make(map[string]bool, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		if have[a.Name()] {
			return nil, fmt.Errorf("duplicate adapter for metric %q", a.Name())
		}
		have[a.Name()] = true
	}
	for _, m := range exp.Metrics() {
		if !have[m] {
			return nil, fmt.Errorf("no metric adapter for %q", m)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Runner{
		exp:   exp,
		cfg:   cfg,
		state: State{Status: StatusIdle},
	}, nil
}

// Experiment returns the experiment being driven.
func (r *Runner) Experiment() *experiment.Experiment { return r.exp }

// GetState returns a copy of the current state.
func (r *Runner) GetState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	state.Rounds = append([]RoundSummary(nil), r.state.Rounds...)
	return state
}

// nextGenerator picks Factorial until a trial has completed, then Thompson
// trained on the latest completed trial.
func (r *Runner) nextGenerator() (generator.Generator, *experiment.Trial) {
	prior, ok := r.exp.LatestCompletedTrial()
	if !ok {
		return r.cfg.Factorial, nil
	}
	return r.cfg.Thompson, prior
}

// Step runs one round. The returned trial is nil only if generation or
// attachment failed. If ctx is cancelled while the trial is Running it is
// abandoned and late results are discarded. A trial abandoned by someone
// else during the round is not an error.
func (r *Runner) Step(ctx context.Context) (*experiment.Trial, error) {
	gen, prior := r.nextGenerator()
	run, err := gen.Generate(generator.InputFor(r.exp, prior))
	if err != nil {
		return nil, fmt.Errorf("%s generator: %w", gen.Key(), err)
	}
	trial, err := r.exp.AttachGeneratorRun(run, experiment.AttachOptions{OptimizeForPower: r.cfg.OptimizeForPower})
	if err != nil {
		return nil, err
	}
	if err := trial.Run(); err != nil {
		return trial, err
	}
	logf("trial %d running: %d arms from %s", trial.Index(), len(trial.Arms()), gen.Key())

	data, err := r.fetch(ctx, trial)
	switch {
	case ctx.Err() != nil:
		if abandonErr := trial.Abandon(fmt.Sprintf("cancelled: %v", ctx.Err())); abandonErr != nil && trial.Status() != experiment.StatusAbandoned {
			return trial, abandonErr
		}
		return trial, fmt.Errorf("trial %d: %w", trial.Index(), ctx.Err())
	case trial.Status() == experiment.StatusAbandoned:
		logf("trial %d abandoned during fetch: %s", trial.Index(), trial.AbandonReason())
		return trial, nil
	case err != nil:
		if failErr := trial.Fail(err); failErr != nil {
			return trial, failErr
		}
		return trial, fmt.Errorf("trial %d: %w", trial.Index(), err)
	}

	if err := trial.Complete(data); err != nil {
		if trial.Status() == experiment.StatusAbandoned {
			return trial, nil
		}
		if failErr := trial.Fail(err); failErr != nil {
			return trial, failErr
		}
		return trial, err
	}
	return trial, nil
}

// fetch collects every adapter's results, returning early when ctx is done.
func (r *Runner) fetch(ctx context.Context, trial *experiment.Trial) (experiment.TrialData, error) {
	type result struct {
		data experiment.TrialData
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := metric.Collect(ctx, trial, r.cfg.Adapters)
		ch <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.data, res.err
	}
}

// Run executes up to rounds rounds synchronously, stopping early when stop
// returns true. The first failed round ends the run with its error.
func (r *Runner) Run(ctx context.Context, rounds int, stop StopRule) error {
	if rounds <= 0 {
		return fmt.Errorf("rounds must be positive, got %d", rounds)
	}
	r.mu.Lock()
	if r.state.Status == StatusRunning {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	now := r.cfg.Clock.Now()
	r.state = State{Status: StatusRunning, StartedAt: &now, TotalRounds: rounds}
	r.mu.Unlock()

	err := r.loop(ctx, rounds, stop)

	r.mu.Lock()
	end := r.cfg.Clock.Now()
	r.state.CompletedAt = &end
	if err != nil {
		r.state.Status = StatusError
		r.state.Error = err.Error()
	} else {
		r.state.Status = StatusComplete
	}
	r.mu.Unlock()
	return err
}

func (r *Runner) loop(ctx context.Context, rounds int, stop StopRule) error {
	for round := 0; round < rounds; round++ {
		if round > 0 && r.cfg.RoundInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.cfg.Clock.After(r.cfg.RoundInterval):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		start := r.cfg.Clock.Now()
		trial, err := r.Step(ctx)
		r.record(trial, start, err)
		if err != nil {
			logf("round %d/%d failed: %v", round+1, rounds, err)
			return err
		}
		if r.cfg.Saver != nil {
			if err := r.cfg.Saver.Save(ctx, r.exp); err != nil {
				return fmt.Errorf("saving experiment %s: %w", r.exp.ID(), err)
			}
		}
		logf("round %d/%d: trial %d %s", round+1, rounds, trial.Index(), trial.Status())

		if stop != nil && stop(r.exp) {
			r.mu.Lock()
			r.state.StopReason = fmt.Sprintf("stop rule met after round %d", round+1)
			r.mu.Unlock()
			return nil
		}
	}
	return nil
}

func (r *Runner) record(trial *experiment.Trial, start time.Time, err error) {
	s := RoundSummary{Duration: r.cfg.Clock.Since(start)}
	if trial != nil {
		s.TrialIndex = trial.Index()
		s.GeneratorKey = trial.GeneratorKey()
		s.TrialStatus = trial.Status()
		s.NumArms = len(trial.Arms())
	} else {
		s.TrialIndex = -1
	}
	if err != nil {
		s.Error = err.Error()
	}
	r.mu.Lock()
	r.state.Rounds = append(r.state.Rounds, s)
	r.state.CompletedRounds = len(r.state.Rounds)
	r.mu.Unlock()
}

// Start runs Run in the background. Stop cancels it; Wait blocks until it
// returns.
func (r *Runner) Start(ctx context.Context, rounds int, stop StopRule) error {
	r.mu.Lock()
	if r.state.Status == StatusRunning || r.cancel != nil {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			r.mu.Lock()
			r.cancel = nil
			r.mu.Unlock()
			cancel()
		}()
		if err := r.Run(runCtx, rounds, stop); err != nil {
			logf("experiment %s stopped: %v", r.exp.ID(), err)
		}
	}()
	return nil
}

// Stop cancels a background run. The in-flight trial is abandoned.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Wait blocks until the background run started by Start has returned.
func (r *Runner) Wait() {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done != nil {
		<-done
	}
}

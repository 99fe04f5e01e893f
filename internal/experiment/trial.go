package experiment

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/factorial/internal/timeutil"
)

// TrialStatus is the lifecycle state of a trial.
type TrialStatus string

const (
	StatusCandidate TrialStatus = "candidate"
	StatusRunning   TrialStatus = "running"
	StatusCompleted TrialStatus = "completed"
	StatusFailed    TrialStatus = "failed"
	StatusAbandoned TrialStatus = "abandoned"
)

// IsTerminal reports whether no further transition is possible.
func (s TrialStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Valid reports whether s is one of the known states.
func (s TrialStatus) Valid() bool {
	switch s {
	case StatusCandidate, StatusRunning, StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// validTransitions lists the allowed moves out of each state. Nothing ever
// returns to Candidate.
var validTransitions = map[TrialStatus][]TrialStatus{
	StatusCandidate: {StatusRunning, StatusFailed, StatusAbandoned},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusAbandoned},
}

func canTransition(from, to TrialStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Result is one arm's measured outcome for one metric.
type Result struct {
	Mean float64 `json:"mean"`
	SEM  float64 `json:"sem"`
	N    int64   `json:"n,omitempty"`
}

// Validate checks the mean is finite and the standard error is finite and
// non-negative.
func (r Result) Validate() error {
	if math.IsNaN(r.Mean) || math.IsInf(r.Mean, 0) {
		return fmt.Errorf("%w: mean %v is not finite", ErrInvalidObservation, r.Mean)
	}
	if math.IsNaN(r.SEM) || math.IsInf(r.SEM, 0) || r.SEM < 0 {
		return fmt.Errorf("%w: sem %v must be finite and >= 0", ErrInvalidObservation, r.SEM)
	}
	return nil
}

// Results maps arm name to result for a single metric.
type Results map[string]Result

// TrialData maps metric name to the per-arm results of a trial.
type TrialData map[string]Results

// Merge copies every metric of other into d, replacing duplicates.
func (d TrialData) Merge(other TrialData) {
	for metric, rs := range other {
		dst, ok := d[metric]
		if !ok {
			dst = make(Results, len(rs))
			d[metric] = dst
		}
		for name, r := range rs {
			dst[name] = r
		}
	}
}

func (d TrialData) clone() TrialData {
	if d == nil {
		return nil
	}
	out := make(TrialData, len(d))
	out.Merge(d)
	return out
}

// TrialArm is an arm as attached to a trial: its display name and the raw
// weight it was given.
type TrialArm struct {
	Name      string
	Arm       Arm
	Weight    float64
	StatusQuo bool
}

// Trial is a batch of weighted arms tracked through its lifecycle. Only the
// owner of the lifecycle mutates it; once Completed it is logically immutable.
type Trial struct {
	mu sync.RWMutex

	index        int
	generatorKey string
	arms         []TrialArm
	required     []string
	clock        timeutil.Clock
	onTerminal   func(*Trial)

	status        TrialStatus
	data          TrialData
	failure       string
	abandonReason string
	createdAt     time.Time
	runAt         time.Time
	endedAt       time.Time
}

func newTrial(index int, key string, arms []TrialArm, required []string, clock timeutil.Clock, onTerminal func(*Trial)) *Trial {
	return &Trial{
		index:        index,
		generatorKey: key,
		arms:         arms,
		required:     required,
		clock:        clock,
		onTerminal:   onTerminal,
		status:       StatusCandidate,
		createdAt:    clock.Now(),
	}
}

// Index is the trial's position in its experiment.
func (t *Trial) Index() int { return t.index }

// GeneratorKey names the generator that produced the trial's arms.
func (t *Trial) GeneratorKey() string { return t.generatorKey }

// Status returns the current lifecycle state.
func (t *Trial) Status() TrialStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Arms returns the attached arms in order.
func (t *Trial) Arms() []TrialArm {
	return append([]TrialArm(nil), t.arms...)
}

// Arm looks up an attached arm by name.
func (t *Trial) Arm(name string) (TrialArm, bool) {
	for _, ta := range t.arms {
		if ta.Name == name {
			return ta, true
		}
	}
	return TrialArm{}, false
}

// StatusQuo returns the trial's control arm, if one was attached.
func (t *Trial) StatusQuo() (TrialArm, bool) {
	for _, ta := range t.arms {
		if ta.StatusQuo {
			return ta, true
		}
	}
	return TrialArm{}, false
}

// NormalizedWeights returns the arm weights as proportions, aligned with
// Arms().
func (t *Trial) NormalizedWeights() []float64 {
	raw := make([]float64, len(t.arms))
	for i, ta := range t.arms {
		raw[i] = ta.Weight
	}
	out, err := NormalizeWeights(raw)
	if err != nil {
		panic(err)
	}
	return out
}

// RequiredMetrics returns the metrics that must be reported for every arm
// before the trial can complete.
func (t *Trial) RequiredMetrics() []string {
	return append([]string(nil), t.required...)
}

// CreatedAt, RunAt and EndedAt report lifecycle timestamps. Zero values mean
// the transition has not happened.
func (t *Trial) CreatedAt() time.Time { return t.createdAt }

func (t *Trial) RunAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runAt
}

func (t *Trial) EndedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endedAt
}

// FailureReason returns the error message recorded by Fail.
func (t *Trial) FailureReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failure
}

// AbandonReason returns the reason recorded by Abandon.
func (t *Trial) AbandonReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.abandonReason
}

// Run moves a Candidate trial to Running.
func (t *Trial) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(StatusRunning); err != nil {
		return err
	}
	t.runAt = t.clock.Now()
	return nil
}

// Complete attaches results and moves a Running trial to Completed. Every
// required metric must carry a valid result for every arm; otherwise the
// trial stays Running and ErrInvalidObservation is returned. Results for
// names that are not arms of the trial are rejected.
func (t *Trial) Complete(data TrialData) error {
	t.mu.Lock()
	if t.status != StatusRunning {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: trial %d cannot complete from %s", ErrInvalidTransition, t.index, status)
	}
	if err := t.checkData(data); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("trial %d: %w", t.index, err)
	}
	t.data = data.clone()
	t.status = StatusCompleted
	t.endedAt = t.clock.Now()
	t.mu.Unlock()
	t.notifyTerminal()
	return nil
}

// Fail moves a Candidate or Running trial to Failed, recording cause.
func (t *Trial) Fail(cause error) error {
	t.mu.Lock()
	if err := t.transitionLocked(StatusFailed); err != nil {
		t.mu.Unlock()
		return err
	}
	if cause != nil {
		t.failure = cause.Error()
	}
	t.endedAt = t.clock.Now()
	t.mu.Unlock()
	t.notifyTerminal()
	return nil
}

// Abandon discards a Candidate or Running trial. Results that arrive later
// are never attached.
func (t *Trial) Abandon(reason string) error {
	t.mu.Lock()
	if err := t.transitionLocked(StatusAbandoned); err != nil {
		t.mu.Unlock()
		return err
	}
	t.abandonReason = reason
	t.endedAt = t.clock.Now()
	t.mu.Unlock()
	t.notifyTerminal()
	return nil
}

// Data returns a copy of every metric's results. It fails with
// ErrDataNotReady unless the trial is Completed.
func (t *Trial) Data() (TrialData, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.status != StatusCompleted {
		return nil, fmt.Errorf("%w: trial %d is %s", ErrDataNotReady, t.index, t.status)
	}
	return t.data.clone(), nil
}

// Results returns one metric's results from a Completed trial.
func (t *Trial) Results(metric string) (Results, error) {
	data, err := t.Data()
	if err != nil {
		return nil, err
	}
	rs, ok := data[metric]
	if !ok {
		return nil, fmt.Errorf("%w: trial %d has no data for metric %q", ErrDataNotReady, t.index, metric)
	}
	return rs, nil
}

func (t *Trial) transitionLocked(to TrialStatus) error {
	if !canTransition(t.status, to) {
		return fmt.Errorf("%w: trial %d %s -> %s", ErrInvalidTransition, t.index, t.status, to)
	}
	t.status = to
	return nil
}

func (t *Trial) checkData(data TrialData) error {
	names := make(map[string]struct{}, len(t.arms))
	for _, ta := range t.arms {
		names[ta.Name] = struct{}{}
	}
	for metric, rs := range data {
		for name, r := range rs {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("%w: metric %q reports unknown arm %q", ErrInvalidObservation, metric, name)
			}
			if err := r.Validate(); err != nil {
				return fmt.Errorf("metric %q arm %q: %w", metric, name, err)
			}
		}
	}
	var missing []string
	for _, metric := range t.required {
		rs := data[metric]
		for _, ta := range t.arms {
			if _, ok := rs[ta.Name]; !ok {
				missing = append(missing, metric+"/"+ta.Name)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing results for %v", ErrInvalidObservation, missing)
	}
	return nil
}

func (t *Trial) notifyTerminal() {
	if t.onTerminal != nil {
		t.onTerminal(t)
	}
}

// Package experiment holds the data model of an adaptive factorial
// experiment: the search space, arms, trials and their rollout history.
package experiment

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/factorial/internal/monitoring"
	"github.com/banshee-data/factorial/internal/timeutil"
)

var logf = monitoring.Component("experiment")

// StatusQuoName is the display name of the control arm.
const StatusQuoName = "status_quo"

// Objective names the metric being optimized and its direction. Optional
// bounds declare the admissible range of observed means.
type Objective struct {
	Metric     string   `json:"metric"`
	Minimize   bool     `json:"minimize,omitempty"`
	LowerBound *float64 `json:"lower_bound,omitempty"`
	UpperBound *float64 `json:"upper_bound,omitempty"`
}

// Better reports whether a beats b under the objective's direction.
func (o Objective) Better(a, b float64) bool {
	if o.Minimize {
		return a < b
	}
	return a > b
}

// ComparisonOp is the direction of an outcome constraint.
type ComparisonOp string

const (
	OpGreaterEqual ComparisonOp = ">="
	OpLessEqual    ComparisonOp = "<="
)

// OutcomeConstraint requires a metric to stay on one side of a bound.
type OutcomeConstraint struct {
	Metric string       `json:"metric"`
	Op     ComparisonOp `json:"op"`
	Bound  float64      `json:"bound"`
}

func (c OutcomeConstraint) String() string {
	return fmt.Sprintf("%s %s %g", c.Metric, c.Op, c.Bound)
}

// Options configures a new Experiment.
type Options struct {
	Name        string
	SearchSpace *SearchSpace
	// StatusQuo, if non-nil, assigns a level to every parameter of the
	// control arm injected into every trial.
	StatusQuo                 map[string]interface{}
	AllowOutOfDesignStatusQuo bool
	Objective                 Objective
	Constraints               []OutcomeConstraint
	TrackingMetrics           []string
	Clock                     timeutil.Clock
}

// AttachOptions controls how a GeneratorRun becomes a trial.
type AttachOptions struct {
	// OptimizeForPower sets the status quo weight to sqrt(k) times the mean
	// treatment weight. It requires a status quo.
	OptimizeForPower bool
}

// Experiment owns a search space and its ordered sequence of trials.
type Experiment struct {
	mu sync.RWMutex

	id          string
	name        string
	space       *SearchSpace
	statusQuo   Arm
	allowOOD    bool
	objective   Objective
	constraints []OutcomeConstraint
	tracking    []string
	clock       timeutil.Clock
	createdAt   time.Time

	trials   []*Trial
	armNames map[string]string
	history  *RolloutHistory
}

// New validates opts and creates an empty experiment.
func New(opts Options) (*Experiment, error) {
	if opts.SearchSpace == nil {
		return nil, fmt.Errorf("%w: search space is required", ErrInvalidSearchSpace)
	}
	if strings.TrimSpace(opts.Objective.Metric) == "" {
		return nil, fmt.Errorf("objective metric is required")
	}
	if lo, hi := opts.Objective.LowerBound, opts.Objective.UpperBound; lo != nil && hi != nil && *lo > *hi {
		return nil, fmt.Errorf("objective lower bound %v exceeds upper bound %v", *lo, *hi)
	}
	for i, c := range opts.Constraints {
		if c.Metric == "" {
			return nil, fmt.Errorf("constraint[%d]: metric is required", i)
		}
		if c.Op != OpGreaterEqual && c.Op != OpLessEqual {
			return nil, fmt.Errorf("constraint[%d]: unknown op %q", i, c.Op)
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	e := &Experiment{
		id:          uuid.NewString(),
		name:        opts.Name,
		space:       opts.SearchSpace,
		allowOOD:    opts.AllowOutOfDesignStatusQuo,
		objective:   opts.Objective,
		constraints: append([]OutcomeConstraint(nil), opts.Constraints...),
		tracking:    append([]string(nil), opts.TrackingMetrics...),
		clock:       clock,
		createdAt:   clock.Now(),
		armNames:    make(map[string]string),
		history:     &RolloutHistory{},
	}
	if opts.StatusQuo != nil {
		var err error
		if opts.AllowOutOfDesignStatusQuo {
			e.statusQuo, err = opts.SearchSpace.NewOutOfDesignArm(opts.StatusQuo)
		} else {
			e.statusQuo, err = opts.SearchSpace.NewArm(opts.StatusQuo)
		}
		if err != nil {
			return nil, fmt.Errorf("status quo: %w", err)
		}
		e.armNames[e.statusQuo.Signature()] = StatusQuoName
	}
	return e, nil
}

func (e *Experiment) ID() string                       { return e.id }
func (e *Experiment) Name() string                     { return e.name }
func (e *Experiment) SearchSpace() *SearchSpace        { return e.space }
func (e *Experiment) Objective() Objective             { return e.objective }
func (e *Experiment) CreatedAt() time.Time             { return e.createdAt }
func (e *Experiment) History() *RolloutHistory         { return e.history }
func (e *Experiment) AllowsOutOfDesignStatusQuo() bool { return e.allowOOD }

// Constraints returns the outcome constraints.
func (e *Experiment) Constraints() []OutcomeConstraint {
	return append([]OutcomeConstraint(nil), e.constraints...)
}

// StatusQuo returns the control arm, if one is configured.
func (e *Experiment) StatusQuo() (Arm, bool) {
	return e.statusQuo, !e.statusQuo.IsZero()
}

// Metrics lists every metric a trial must report: the objective first, then
// constraint metrics, then tracking metrics, without duplicates.
func (e *Experiment) Metrics() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(m string) {
		if _, ok := seen[m]; ok || m == "" {
			return
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	add(e.objective.Metric)
	for _, c := range e.constraints {
		add(c.Metric)
	}
	for _, m := range e.tracking {
		add(m)
	}
	return out
}

// Trials returns the trials in creation order.
func (e *Experiment) Trials() []*Trial {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Trial(nil), e.trials...)
}

// Trial returns the trial at index.
func (e *Experiment) Trial(index int) (*Trial, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if index < 0 || index >= len(e.trials) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrial, index)
	}
	return e.trials[index], nil
}

// LatestTrial returns the most recently attached trial.
func (e *Experiment) LatestTrial() (*Trial, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.trials) == 0 {
		return nil, false
	}
	return e.trials[len(e.trials)-1], true
}

// LatestCompletedTrial returns the most recent Completed trial.
func (e *Experiment) LatestCompletedTrial() (*Trial, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.trials) - 1; i >= 0; i-- {
		if e.trials[i].Status() == StatusCompleted {
			return e.trials[i], true
		}
	}
	return nil, false
}

// ArmName returns the display name an arm received on first attachment.
func (e *Experiment) ArmName(a Arm) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	name, ok := e.armNames[a.Signature()]
	return name, ok
}

// AttachGeneratorRun turns a generator run into a new Candidate trial. The
// status quo is injected if the run lacks it, with the mean treatment weight
// (or the power-optimized weight when requested).
func (e *Experiment) AttachGeneratorRun(run *GeneratorRun, opts AttachOptions) (*Trial, error) {
	if run == nil || run.Len() == 0 {
		return nil, fmt.Errorf("%w: generator run has no arms", ErrInvalidArm)
	}
	hasSQ := !e.statusQuo.IsZero()
	if opts.OptimizeForPower && !hasSQ {
		return nil, fmt.Errorf("%w: optimize for power requires a status quo", ErrInvalidWeights)
	}

	var (
		arms       []TrialArm
		treatments []float64
		sqPos      = -1
	)
	for _, wa := range run.Arms() {
		isSQ := hasSQ && wa.Arm.Equal(e.statusQuo)
		if !isSQ && !e.space.Contains(wa.Arm) {
			return nil, fmt.Errorf("%w: %s is outside the search space", ErrInvalidArm, wa.Arm)
		}
		if isSQ {
			sqPos = len(arms)
		} else {
			treatments = append(treatments, wa.Weight)
		}
		arms = append(arms, TrialArm{Arm: wa.Arm, Weight: wa.Weight, StatusQuo: isSQ})
	}
	if hasSQ && sqPos < 0 {
		sqPos = len(arms)
		arms = append(arms, TrialArm{Arm: e.statusQuo, Weight: meanOrOne(treatments), StatusQuo: true})
	}
	if opts.OptimizeForPower {
		arms[sqPos].Weight = PowerOptimizedWeight(treatments)
		if math.IsInf(arms[sqPos].Weight, 0) {
			// sqrt(k) pushed the weight past MaxFloat64; weights are relative
			// so rescale the treatments to the largest of them.
			rescaleToMax(arms, sqPos)
			arms[sqPos].Weight = PowerOptimizedWeight(weightsExcept(arms, sqPos))
		}
	}

	e.mu.Lock()
	index := len(e.trials)
	for i := range arms {
		arms[i].Name = e.nameLocked(arms[i].Arm, index, i)
	}
	t := newTrial(index, run.GeneratorKey, arms, e.Metrics(), e.clock, e.recordTerminal)
	e.trials = append(e.trials, t)
	e.mu.Unlock()

	logf("%s: attached trial %d from %s with %d arms", e.id, index, run.GeneratorKey, len(arms))
	return t, nil
}

func (e *Experiment) nameLocked(a Arm, trial, pos int) string {
	if name, ok := e.armNames[a.Signature()]; ok {
		return name
	}
	name := fmt.Sprintf("%d_%d", trial, pos)
	e.armNames[a.Signature()] = name
	return name
}

// recordTerminal appends a rollout snapshot once a trial stops changing.
func (e *Experiment) recordTerminal(t *Trial) {
	entry := snapshotEntry(t, e.objective.Metric, e.clock.Now())
	e.history.append(entry)
	logf("%s: trial %d %s", e.id, t.Index(), entry.Status)
}

func meanOrOne(ws []float64) float64 {
	if len(ws) == 0 {
		return 1
	}
	return meanWeight(ws)
}

func rescaleToMax(arms []TrialArm, skip int) {
	var max float64
	for i, ta := range arms {
		if i != skip {
			max = math.Max(max, ta.Weight)
		}
	}
	for i := range arms {
		if i != skip {
			arms[i].Weight /= max
		}
	}
}

func weightsExcept(arms []TrialArm, skip int) []float64 {
	out := make([]float64, 0, len(arms))
	for i, ta := range arms {
		if i != skip {
			out = append(out, ta.Weight)
		}
	}
	return out
}

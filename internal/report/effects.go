package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/shrinkage"
)

const (
	// z95 scales a standard error into a 95% error margin.
	z95 = 1.96
	// MinViolationProbability is the threshold below which a constraint
	// violation is treated as negligible.
	MinViolationProbability = 0.01
	// InSampleSource marks rows predicted for arms of the latest completed
	// trial.
	InSampleSource = "in-sample"
)

// Effect is one row of the predicted-effects table.
type Effect struct {
	Source      string  `json:"source"`
	ArmName     string  `json:"arm_name"`
	StatusQuo   bool    `json:"status_quo,omitempty"`
	Mean        float64 `json:"mean"`
	SEM         float64 `json:"sem"`
	ErrorMargin float64 `json:"error_margin"`
	// Violations maps constraint text to the probability the arm violates
	// it. Only non-negligible probabilities are kept.
	Violations map[string]float64 `json:"violations,omitempty"`
	// Feasible is the probability that every constraint holds.
	Feasible   float64                `json:"feasible"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ConstraintText formats the non-negligible violations for display.
func (e Effect) ConstraintText() string {
	if len(e.Violations) == 0 {
		return "No constraints violated"
	}
	keys := make([]string, 0, len(e.Violations))
	for k := range e.Violations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %.1f%% chance violated", k, e.Violations[k]*100)
	}
	return strings.Join(parts, "; ")
}

// ParameterText formats the arm's parameters as "name: value" pairs.
func (e Effect) ParameterText() string {
	keys := make([]string, 0, len(e.Parameters))
	for k := range e.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, e.Parameters[k])
	}
	return strings.Join(parts, ", ")
}

// ViolationProbability returns the probability that a Normal(mean, sem)
// outcome violates c. A zero sem yields 0 or 1.
func ViolationProbability(c experiment.OutcomeConstraint, mean, sem float64) float64 {
	if sem <= 0 {
		if satisfied(c, mean) {
			return 0
		}
		return 1
	}
	z := (c.Bound - mean) / sem
	below := distuv.UnitNormal.CDF(z)
	if c.Op == experiment.OpGreaterEqual {
		return below
	}
	return 1 - below
}

func satisfied(c experiment.OutcomeConstraint, v float64) bool {
	if c.Op == experiment.OpGreaterEqual {
		return v >= c.Bound
	}
	return v <= c.Bound
}

// PredictedEffects builds the predicted-effects table from the shrinkage
// posteriors of the latest completed trial. Rows cover that trial's arms
// (source "in-sample") followed by the arms of a later candidate or running
// trial (source = its generator key) that have a posterior. When an arm
// appears twice the later row wins.
func PredictedEffects(e *experiment.Experiment, method shrinkage.Method) ([]Effect, error) {
	prior, ok := e.LatestCompletedTrial()
	if !ok {
		return nil, fmt.Errorf("%w: no completed trial", experiment.ErrDataNotReady)
	}

	obj := e.Objective()
	constraints := e.Constraints()
	models := make(map[string]*shrinkage.Model)
	fit := func(metric string, opts shrinkage.Options) error {
		if _, done := models[metric]; done {
			return nil
		}
		obs, err := shrinkage.ObservationsFromTrial(prior, metric)
		if err != nil {
			return err
		}
		opts.Method = method
		m, err := shrinkage.Fit(obs, opts)
		if err != nil {
			return fmt.Errorf("fitting %q: %w", metric, err)
		}
		models[metric] = m
		return nil
	}
	if err := fit(obj.Metric, shrinkage.Options{LowerBound: obj.LowerBound, UpperBound: obj.UpperBound}); err != nil {
		return nil, err
	}
	for _, c := range constraints {
		if err := fit(c.Metric, shrinkage.Options{}); err != nil {
			return nil, err
		}
	}

	var rows []Effect
	add := func(source string, arms []experiment.TrialArm) {
		for _, ta := range arms {
			row, ok := effectFor(ta, source, obj.Metric, constraints, models)
			if ok {
				rows = append(rows, row)
			}
		}
	}
	add(InSampleSource, prior.Arms())
	if latest, ok := e.LatestTrial(); ok && latest.Index() > prior.Index() {
		switch latest.Status() {
		case experiment.StatusCandidate, experiment.StatusRunning:
			add(latest.GeneratorKey(), latest.Arms())
		}
	}
	return dedupeLast(rows), nil
}

func effectFor(ta experiment.TrialArm, source, metric string, constraints []experiment.OutcomeConstraint, models map[string]*shrinkage.Model) (Effect, bool) {
	post, ok := models[metric].Posterior(ta.Name)
	if !ok {
		return Effect{}, false
	}
	row := Effect{
		Source:      source,
		ArmName:     ta.Name,
		StatusQuo:   ta.StatusQuo,
		Mean:        post.Mean,
		SEM:         post.SD(),
		ErrorMargin: z95 * post.SD(),
		Feasible:    1,
		Parameters:  ta.Arm.Parameters(),
	}
	if ta.StatusQuo {
		return row, true
	}
	for _, c := range constraints {
		cp, ok := models[c.Metric].Posterior(ta.Name)
		if !ok {
			continue
		}
		p := ViolationProbability(c, cp.Mean, cp.SD())
		row.Feasible *= 1 - p
		if p > MinViolationProbability {
			if row.Violations == nil {
				row.Violations = make(map[string]float64)
			}
			row.Violations[c.String()] = p
		}
	}
	if math.Abs(1-row.Feasible) < 1e-12 {
		row.Feasible = 1
	}
	return row, true
}

// dedupeLast keeps the last row per arm name, preserving relative order.
func dedupeLast(rows []Effect) []Effect {
	seen := make(map[string]bool, len(rows))
	out := make([]Effect, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if seen[rows[i].ArmName] {
			continue
		}
		seen[rows[i].ArmName] = true
		out = append(out, rows[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

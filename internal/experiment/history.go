package experiment

import (
	"sync"
	"time"
)

// ArmSnapshot is one arm of a trial as recorded in the rollout history. Mean
// and SEM are the objective metric's result and are nil unless the trial
// completed.
type ArmSnapshot struct {
	Name       string                 `json:"name"`
	Signature  string                 `json:"signature"`
	Parameters map[string]interface{} `json:"parameters"`
	Weight     float64                `json:"weight"`
	StatusQuo  bool                   `json:"status_quo,omitempty"`
	Mean       *float64               `json:"mean,omitempty"`
	SEM        *float64               `json:"sem,omitempty"`
}

// RolloutEntry records a trial's normalized allocation at the moment it
// reached a terminal state.
type RolloutEntry struct {
	TrialIndex   int           `json:"trial_index"`
	GeneratorKey string        `json:"generator_key"`
	Status       TrialStatus   `json:"status"`
	RecordedAt   time.Time     `json:"recorded_at"`
	Arms         []ArmSnapshot `json:"arms"`
}

// RolloutHistory is the append-only sequence of rollout entries of an
// experiment. It is safe for concurrent use.
type RolloutHistory struct {
	mu      sync.RWMutex
	entries []RolloutEntry
}

func (h *RolloutHistory) append(e RolloutEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
}

// Len returns the number of entries.
func (h *RolloutHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Entries returns a copy of the history in append order.
func (h *RolloutHistory) Entries() []RolloutEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RolloutEntry, len(h.entries))
	for i, e := range h.entries {
		e.Arms = append([]ArmSnapshot(nil), e.Arms...)
		out[i] = e
	}
	return out
}

// TracePoint is the cumulative best objective mean after a completed trial.
type TracePoint struct {
	TrialIndex int     `json:"trial_index"`
	Best       float64 `json:"best"`
	ArmName    string  `json:"arm_name"`
}

// Trace returns the optimization trace: for each completed trial in order,
// the best objective mean observed so far under obj's direction.
func (h *RolloutHistory) Trace(obj Objective) []TracePoint {
	var (
		out  []TracePoint
		best TracePoint
		seen bool
	)
	for _, e := range h.Entries() {
		if e.Status != StatusCompleted {
			continue
		}
		for _, a := range e.Arms {
			if a.Mean == nil {
				continue
			}
			if !seen || obj.Better(*a.Mean, best.Best) {
				best = TracePoint{Best: *a.Mean, ArmName: a.Name}
				seen = true
			}
		}
		if seen {
			best.TrialIndex = e.TrialIndex
			out = append(out, best)
		}
	}
	return out
}

// ConvergencePoint summarizes how concentrated one trial's allocation was.
type ConvergencePoint struct {
	TrialIndex int         `json:"trial_index"`
	Status     TrialStatus `json:"status"`
	TopArm     string      `json:"top_arm"`
	TopWeight  float64     `json:"top_weight"`
	NumArms    int         `json:"num_arms"`
}

// Convergence returns, for every entry, the heaviest treatment arm. The
// status quo is only reported when it is the sole arm.
func (h *RolloutHistory) Convergence() []ConvergencePoint {
	entries := h.Entries()
	out := make([]ConvergencePoint, 0, len(entries))
	for _, e := range entries {
		p := ConvergencePoint{TrialIndex: e.TrialIndex, Status: e.Status, NumArms: len(e.Arms)}
		for _, a := range e.Arms {
			if a.StatusQuo && len(e.Arms) > 1 {
				continue
			}
			if p.TopArm == "" || a.Weight > p.TopWeight {
				p.TopArm, p.TopWeight = a.Name, a.Weight
			}
		}
		out = append(out, p)
	}
	return out
}

func snapshotEntry(t *Trial, metric string, at time.Time) RolloutEntry {
	arms := t.Arms()
	weights := t.NormalizedWeights()
	results, _ := t.Results(metric)

	e := RolloutEntry{
		TrialIndex:   t.Index(),
		GeneratorKey: t.GeneratorKey(),
		Status:       t.Status(),
		RecordedAt:   at,
		Arms:         make([]ArmSnapshot, len(arms)),
	}
	for i, ta := range arms {
		s := ArmSnapshot{
			Name:       ta.Name,
			Signature:  ta.Arm.Signature(),
			Parameters: ta.Arm.Parameters(),
			Weight:     weights[i],
			StatusQuo:  ta.StatusQuo,
		}
		if r, ok := results[ta.Name]; ok {
			mean, sem := r.Mean, r.SEM
			s.Mean, s.SEM = &mean, &sem
		}
		e.Arms[i] = s
	}
	return e
}

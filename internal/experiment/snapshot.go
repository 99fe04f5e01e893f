package experiment

import (
	"fmt"
	"time"

	"github.com/banshee-data/factorial/internal/timeutil"
)

// Snapshot is the serializable form of an Experiment.
type Snapshot struct {
	ID                        string                 `json:"id"`
	Name                      string                 `json:"name"`
	CreatedAt                 time.Time              `json:"created_at"`
	Parameters                []Parameter            `json:"parameters"`
	StatusQuo                 map[string]interface{} `json:"status_quo,omitempty"`
	AllowOutOfDesignStatusQuo bool                   `json:"allow_out_of_design_status_quo,omitempty"`
	Objective                 Objective              `json:"objective"`
	Constraints               []OutcomeConstraint    `json:"constraints,omitempty"`
	TrackingMetrics           []string               `json:"tracking_metrics,omitempty"`
	ArmNames                  map[string]string      `json:"arm_names"`
	Trials                    []TrialSnapshot        `json:"trials"`
	History                   []RolloutEntry         `json:"history"`
}

// TrialSnapshot is the serializable form of a Trial.
type TrialSnapshot struct {
	Index         int         `json:"index"`
	GeneratorKey  string      `json:"generator_key"`
	Status        TrialStatus `json:"status"`
	Arms          []ArmRecord `json:"arms"`
	Data          TrialData   `json:"data,omitempty"`
	Failure       string      `json:"failure,omitempty"`
	AbandonReason string      `json:"abandon_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	RunAt         time.Time   `json:"run_at,omitempty"`
	EndedAt       time.Time   `json:"ended_at,omitempty"`
}

// ArmRecord is an attached arm in a TrialSnapshot.
type ArmRecord struct {
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	Weight     float64                `json:"weight"`
	StatusQuo  bool                   `json:"status_quo,omitempty"`
}

// Snapshot captures the experiment's full state.
func (e *Experiment) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Snapshot{
		ID:                        e.id,
		Name:                      e.name,
		CreatedAt:                 e.createdAt,
		Parameters:                e.space.Parameters(),
		AllowOutOfDesignStatusQuo: e.allowOOD,
		Objective:                 e.objective,
		Constraints:               append([]OutcomeConstraint(nil), e.constraints...),
		TrackingMetrics:           append([]string(nil), e.tracking...),
		ArmNames:                  make(map[string]string, len(e.armNames)),
		Trials:                    make([]TrialSnapshot, len(e.trials)),
		History:                   e.history.Entries(),
	}
	if !e.statusQuo.IsZero() {
		s.StatusQuo = e.statusQuo.Parameters()
	}
	for k, v := range e.armNames {
		s.ArmNames[k] = v
	}
	for i, t := range e.trials {
		s.Trials[i] = t.snapshot()
	}
	return s
}

func (t *Trial) snapshot() TrialSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts := TrialSnapshot{
		Index:         t.index,
		GeneratorKey:  t.generatorKey,
		Status:        t.status,
		Arms:          make([]ArmRecord, len(t.arms)),
		Data:          t.data.clone(),
		Failure:       t.failure,
		AbandonReason: t.abandonReason,
		CreatedAt:     t.createdAt,
		RunAt:         t.runAt,
		EndedAt:       t.endedAt,
	}
	for i, ta := range t.arms {
		ts.Arms[i] = ArmRecord{Name: ta.Name, Parameters: ta.Arm.Parameters(), Weight: ta.Weight, StatusQuo: ta.StatusQuo}
	}
	return ts
}

// Restore rebuilds an experiment from a snapshot. Parameter values are
// coerced back to their declared types, so snapshots that went through JSON
// restore to arms with the same signatures.
func Restore(s Snapshot, clock timeutil.Clock) (*Experiment, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	space, err := NewSearchSpace(s.Parameters...)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", s.ID, err)
	}
	e, err := New(Options{
		Name:                      s.Name,
		SearchSpace:               space,
		StatusQuo:                 s.StatusQuo,
		AllowOutOfDesignStatusQuo: s.AllowOutOfDesignStatusQuo,
		Objective:                 s.Objective,
		Constraints:               s.Constraints,
		TrackingMetrics:           s.TrackingMetrics,
		Clock:                     clock,
	})
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", s.ID, err)
	}
	e.id = s.ID
	e.createdAt = s.CreatedAt
	for k, v := range s.ArmNames {
		e.armNames[k] = v
	}

	for i, ts := range s.Trials {
		if ts.Index != i {
			return nil, fmt.Errorf("restore %s: trial at position %d has index %d", s.ID, i, ts.Index)
		}
		arms := make([]TrialArm, len(ts.Arms))
		for j, ar := range ts.Arms {
			a, err := space.newArm(ar.Parameters, ar.StatusQuo && s.AllowOutOfDesignStatusQuo)
			if err != nil {
				return nil, fmt.Errorf("restore %s: trial %d arm %q: %w", s.ID, i, ar.Name, err)
			}
			if err := checkWeight(ar.Weight); err != nil {
				return nil, fmt.Errorf("restore %s: trial %d arm %q: %w", s.ID, i, ar.Name, err)
			}
			arms[j] = TrialArm{Name: ar.Name, Arm: a, Weight: ar.Weight, StatusQuo: ar.StatusQuo}
			if _, ok := e.armNames[a.Signature()]; !ok {
				e.armNames[a.Signature()] = ar.Name
			}
		}
		if !ts.Status.Valid() {
			return nil, fmt.Errorf("restore %s: trial %d has unknown status %q", s.ID, i, ts.Status)
		}
		t := newTrial(i, ts.GeneratorKey, arms, e.Metrics(), clock, e.recordTerminal)
		if ts.Status == StatusCompleted {
			if err := t.checkData(ts.Data); err != nil {
				return nil, fmt.Errorf("restore %s: trial %d: %w", s.ID, i, err)
			}
		}
		t.status = ts.Status
		t.data = ts.Data.clone()
		t.failure = ts.Failure
		t.abandonReason = ts.AbandonReason
		t.createdAt = ts.CreatedAt
		t.runAt = ts.RunAt
		t.endedAt = ts.EndedAt
		e.trials = append(e.trials, t)
	}

	for _, entry := range s.History {
		entry.Arms = append([]ArmSnapshot(nil), entry.Arms...)
		for i, a := range entry.Arms {
			if arm, err := space.newArm(a.Parameters, true); err == nil {
				entry.Arms[i].Parameters = arm.Parameters()
			}
		}
		e.history.append(entry)
	}
	return e, nil
}

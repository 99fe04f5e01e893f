package experiment

import (
	"testing"
	"time"

	"github.com/banshee-data/factorial/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// space234 is a 2x3x4 search space: 24 arms.
func space234(t *testing.T) *SearchSpace {
	t.Helper()
	a, err := NewParameter("color", TypeString, "red", "blue")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewParameter("size", TypeInt, 1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewParameter("rate", TypeFloat64, 0.1, 0.2, 0.3, 0.4)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSearchSpace(a, b, c)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustArm(t *testing.T, s *SearchSpace, values map[string]interface{}) Arm {
	t.Helper()
	a, err := s.NewArm(values)
	if err != nil {
		t.Fatalf("NewArm(%v): %v", values, err)
	}
	return a
}

func newTestExperiment(t *testing.T, sq map[string]interface{}) (*Experiment, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	e, err := New(Options{
		Name:        "test",
		SearchSpace: space234(t),
		StatusQuo:   sq,
		Objective:   Objective{Metric: "conversion"},
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, clock
}

// allArms enumerates the universe of s in nested-loop order.
func allArms(t *testing.T, s *SearchSpace) []WeightedArm {
	t.Helper()
	var out []WeightedArm
	params := s.Parameters()
	var rec func(i int, cur map[string]interface{})
	rec = func(i int, cur map[string]interface{}) {
		if i == len(params) {
			out = append(out, WeightedArm{Arm: NewArm(cur), Weight: 1})
			return
		}
		for _, l := range params[i].Levels {
			cur[params[i].Name] = l
			rec(i+1, cur)
		}
		delete(cur, params[i].Name)
	}
	rec(0, map[string]interface{}{})
	return out
}

func completeAll(t *testing.T, tr *Trial, metric string, mean func(i int) float64) {
	t.Helper()
	rs := Results{}
	for i, ta := range tr.Arms() {
		rs[ta.Name] = Result{Mean: mean(i), SEM: 0.01}
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tr.Complete(TrialData{metric: rs}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

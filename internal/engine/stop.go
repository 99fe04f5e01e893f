package engine

import (
	"github.com/banshee-data/factorial/internal/experiment"
)

// StopWhenConverged stops once the latest rollout entry gives a single
// treatment arm at least threshold of the allocation.
func StopWhenConverged(threshold float64) StopRule {
	return func(e *experiment.Experiment) bool {
		points := e.History().Convergence()
		if len(points) == 0 {
			return false
		}
		last := points[len(points)-1]
		return last.Status == experiment.StatusCompleted && last.TopWeight >= threshold
	}
}

// StopWhenArmsAtMost stops once the latest trial has at most n treatment
// arms.
func StopWhenArmsAtMost(n int) StopRule {
	return func(e *experiment.Experiment) bool {
		t, ok := e.LatestTrial()
		if !ok {
			return false
		}
		count := 0
		for _, ta := range t.Arms() {
			if !ta.StatusQuo {
				count++
			}
		}
		return count <= n
	}
}

// AnyOf stops when any rule does.
func AnyOf(rules ...StopRule) StopRule {
	return func(e *experiment.Experiment) bool {
		for _, r := range rules {
			if r != nil && r(e) {
				return true
			}
		}
		return false
	}
}

// Package generator produces weighted arm batches for the next trial of an
// experiment.
package generator

import (
	"github.com/banshee-data/factorial/internal/experiment"
)

// Input is what every generator may consume. Prior is the trial whose data
// informs the next allocation; generators that need data reject a Prior
// that is not Completed.
type Input struct {
	SearchSpace *experiment.SearchSpace
	StatusQuo   experiment.Arm
	Objective   experiment.Objective
	Prior       *experiment.Trial
}

// InputFor builds the input for the next trial of e, with prior as the
// training trial (nil for none).
func InputFor(e *experiment.Experiment, prior *experiment.Trial) Input {
	sq, _ := e.StatusQuo()
	return Input{
		SearchSpace: e.SearchSpace(),
		StatusQuo:   sq,
		Objective:   e.Objective(),
		Prior:       prior,
	}
}

// Generator is a strategy producing a weighted arm set.
type Generator interface {
	Key() string
	Generate(in Input) (*experiment.GeneratorRun, error)
}

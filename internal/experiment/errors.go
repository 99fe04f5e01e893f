package experiment

import "errors"

// Error kinds surfaced by the engine. Callers match them with errors.Is; the
// returned errors wrap these with the failing operation's context.
var (
	// ErrCapacityExceeded is returned when an arm universe is larger than the
	// enumeration cap. Callers must raise the cap or restructure factors.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidObservation is returned for a malformed mean/sem pair.
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrDataNotReady is returned when trial data is requested from a trial
	// that is not Completed.
	ErrDataNotReady = errors.New("trial data not ready")

	// ErrAdapterFailure wraps an unrecoverable metric adapter error.
	ErrAdapterFailure = errors.New("metric adapter failure")

	ErrInvalidTransition  = errors.New("invalid trial status transition")
	ErrInvalidSearchSpace = errors.New("invalid search space")
	ErrInvalidArm         = errors.New("invalid arm")
	ErrInvalidWeights     = errors.New("invalid weights")
	ErrNoArmsSurvived     = errors.New("no arms survived filtering")
	ErrUnknownTrial       = errors.New("unknown trial")
)

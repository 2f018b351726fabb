package checkout

import (
	"errors"
	"fmt"
)

// Phase is where a checkout session stands from the buyer's point of view.
type Phase string

const (
	PhaseCollecting           Phase = "collecting"
	PhaseCreating             Phase = "creating"
	PhaseAwaitingCost         Phase = "awaiting_cost"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseConfirming           Phase = "confirming"
	PhaseAwaitingOutcome      Phase = "awaiting_outcome"
	PhaseTerminal             Phase = "terminal"
	PhaseError                Phase = "error"
)

var (
	ErrInvalidTransition = errors.New("invalid checkout transition")
	ErrBusy              = errors.New("checkout session is busy")
	ErrWrongPhase        = errors.New("operation not allowed in current phase")
	ErrNotRetryable      = errors.New("last failure cannot be retried")
)

// transitions lists the phases reachable from each phase. Error can be left only
// by resuming the poll that failed.
var transitions = map[Phase][]Phase{
	PhaseCollecting:           {PhaseCreating, PhaseError},
	PhaseCreating:             {PhaseAwaitingCost, PhaseError},
	PhaseAwaitingCost:         {PhaseAwaitingConfirmation, PhaseError},
	PhaseAwaitingConfirmation: {PhaseConfirming, PhaseError},
	PhaseConfirming:           {PhaseAwaitingOutcome, PhaseError},
	PhaseAwaitingOutcome:      {PhaseTerminal, PhaseError},
	PhaseError:                {PhaseAwaitingCost, PhaseAwaitingOutcome},
}

func (p Phase) canMoveTo(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Done reports whether the session can make no further progress on its own.
func (p Phase) Done() bool {
	return p == PhaseTerminal || p == PhaseError
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

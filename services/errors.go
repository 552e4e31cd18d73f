package services

import (
	"errors"
	"fmt"
)

var ErrNotYourTurn = errors.New("not your turn")
var ErrGameNotFound = errors.New("game not found")
var ErrTeamNotFound = errors.New("team not found")
var ErrGameNotStarted = errors.New("match has not started")
var ErrGameAlreadyStarted = errors.New("match already in progress")
var ErrGameCompleted = errors.New("match already completed")

// ErrStaleWinner flags an attempt to record a winner different from an
// already-recorded one. This is a logic error, never a race to paper over:
// the existing winner is never overwritten.
var ErrStaleWinner = errors.New("conflicting winner already recorded")

// InvariantViolationError reports shared state that contradicts the data
// model (e.g. an in_progress game without exactly two participants, or a
// malformed board column). The reconciliation loop repairs these where a
// safe repair exists; otherwise they are surfaced to an operator.
type InvariantViolationError struct {
	GameID string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation in game %s: %s", e.GameID, e.Reason)
}

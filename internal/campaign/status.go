package campaign

import (
	"errors"
	"fmt"
)

// Status is the campaign lifecycle state.
//
// Lifecycle: QUEUED -> PROCESSING -> {COMPLETED | FAILED | CANCELLED},
// with PROCESSING <-> PAUSED and PAUSED -> CANCELLED.
// COMPLETED, FAILED and CANCELLED are terminal.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// ErrTerminal is returned by any mutation attempted on a campaign whose
// status is COMPLETED, FAILED or CANCELLED.
var ErrTerminal = errors.New("campaign is in a terminal status")

// InvalidTransitionError reports a status transition outside the lifecycle.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid campaign transition %s -> %s", e.From, e.To)
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Runnable reports whether the worker pool may (still) drive this campaign.
// Workers poll this cooperatively; PAUSED and the terminal statuses stop them.
func (s Status) Runnable() bool {
	return s == StatusQueued || s == StatusProcessing
}

var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusProcessing, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a typed error when from -> to is not legal.
// Terminal sources report ErrTerminal so callers can branch on it.
func CheckTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w (%s)", ErrTerminal, from)
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

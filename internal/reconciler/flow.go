package reconciler

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid booking flow transition")

type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateSucceeded  State = "succeeded"
	StateConflict   State = "conflict"
	StateFailed     State = "failed"
)

// Flow tracks one booking intent as the client observes it:
//
//	idle -> submitting -> succeeded | conflict | failed
//	conflict -> submitting (amend instead) | idle (dismissed)
//
// Nothing leaves submitting without an explicit call, so a flow never
// retries on its own.
type Flow struct {
	state     State
	dismissed bool
}

func NewFlow() *Flow { return &Flow{state: StateIdle} }

func (f *Flow) State() State { return f.state }

// Terminal reports whether the flow can no longer change.
func (f *Flow) Terminal() bool {
	switch f.state {
	case StateSucceeded, StateFailed:
		return true
	case StateIdle:
		return f.dismissed
	}
	return false
}

// Submit moves an idle flow to submitting when the user confirms.
func (f *Flow) Submit() error {
	if f.state != StateIdle || f.dismissed {
		return f.invalid("submit")
	}
	f.state = StateSubmitting
	return nil
}

// Resolve records the outcome of the in-flight call. err is classified
// first, so a raw transport error lands in failed, never in conflict by
// accident.
func (f *Flow) Resolve(err error) (State, error) {
	if f.state != StateSubmitting {
		return f.state, f.invalid("resolve")
	}
	if err == nil {
		f.state = StateSucceeded
		return f.state, nil
	}
	classified := ClassifyBookingError(err)
	if IsDuplicateConflict(classified) {
		f.state = StateConflict
	} else {
		f.state = StateFailed
	}
	return f.state, classified
}

// AmendInstead resubmits a conflicted flow as an amend.
func (f *Flow) AmendInstead() error {
	if f.state != StateConflict {
		return f.invalid("amend")
	}
	f.state = StateSubmitting
	return nil
}

// Dismiss closes a conflicted flow when the user walks away.
func (f *Flow) Dismiss() error {
	if f.state != StateConflict {
		return f.invalid("dismiss")
	}
	f.state = StateIdle
	f.dismissed = true
	return nil
}

func (f *Flow) invalid(op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, f.state)
}

package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-booking/internal/reconciler"
)

// flowKey identifies the single flow a user may have open per trip.
type flowKey struct {
	userID string
	tripID int64
}

type activeFlow struct {
	id      string
	flow    *reconciler.Flow
	seats   int
	updated time.Time
}

// begin opens a submitting flow for key. A flow already submitting blocks
// it; so does an unanswered conflict until ConflictTTL passes. A blocked
// call also returns the open flow so the caller can act on it.
func (s *Service) begin(key flowKey, seats int) (*activeFlow, *Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if af, ok := s.active[key]; ok {
		open := &Result{FlowID: af.id, State: af.flow.State()}
		switch open.State {
		case reconciler.StateSubmitting:
			return nil, open, ErrSubmitInProgress
		case reconciler.StateConflict:
			if s.config.ConflictTTL <= 0 || now.Sub(af.updated) < s.config.ConflictTTL {
				return nil, open, ErrConflictUnresolved
			}
		}
		delete(s.active, key)
	}
	af := &activeFlow{id: uuid.NewString(), flow: reconciler.NewFlow(), seats: seats, updated: now}
	if err := af.flow.Submit(); err != nil {
		return nil, nil, err
	}
	s.active[key] = af
	return af, nil, nil
}

func (s *Service) reopen(key flowKey, seats int) (*activeFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	af, ok := s.active[key]
	if !ok {
		return nil, ErrNoPendingConflict
	}
	if af.flow.State() == reconciler.StateSubmitting {
		return nil, ErrSubmitInProgress
	}
	if err := af.flow.AmendInstead(); err != nil {
		return nil, ErrNoPendingConflict
	}
	if seats > 0 {
		af.seats = seats
	}
	af.updated = s.now()
	return af, nil
}

// resolve applies the call outcome and forgets terminal flows.
func (s *Service) resolve(key flowKey, af *activeFlow, err error) (reconciler.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, classified := af.flow.Resolve(err)
	af.updated = s.now()
	if af.flow.Terminal() && s.active[key] == af {
		delete(s.active, key)
	}
	return state, classified
}

func (s *Service) dismiss(key flowKey) (*activeFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	af, ok := s.active[key]
	if !ok {
		return nil, ErrNoPendingConflict
	}
	if af.flow.State() == reconciler.StateSubmitting {
		return nil, ErrSubmitInProgress
	}
	if err := af.flow.Dismiss(); err != nil {
		return nil, ErrNoPendingConflict
	}
	delete(s.active, key)
	return af, nil
}

// FlowState reports the open flow for a user and trip, if any.
func (s *Service) FlowState(userID string, tripID int64) (id string, state reconciler.State, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	af, ok := s.active[flowKey{userID: userID, tripID: tripID}]
	if !ok {
		return "", reconciler.StateIdle, false
	}
	return af.id, af.flow.State(), true
}

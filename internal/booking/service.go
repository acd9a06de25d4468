// Package booking orchestrates booking flows: it reads through the cache,
// asks the reconciler which call to make, issues it, and on success drops
// the stale cache entries and tells other instances and UIs about it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/example/ride-booking/internal/cache"
	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/reconciler"
	"github.com/example/ride-booking/internal/session"
	"github.com/example/ride-booking/internal/storage"
)

var (
	ErrSubmitInProgress   = errors.New("a booking for this trip is already being submitted")
	ErrConflictUnresolved = errors.New("resolve the existing booking conflict first")
	ErrNoPendingConflict  = errors.New("no booking conflict to resolve for this trip")
	ErrNoActiveBooking    = errors.New("no active booking found for this trip")
	ErrTooManySeats       = errors.New("too many seats requested")
	ErrNoUser             = errors.New("session has no user")
	ErrFlowNotFound       = errors.New("booking flow not found")
)

// Backend is the subset of the backend client the service calls.
type Backend interface {
	GetTrip(ctx context.Context, sess *session.Session, tripID int64) (*models.Trip, error)
	ListTrips(ctx context.Context, sess *session.Session) ([]models.Trip, error)
	GetMyBookingForTrip(ctx context.Context, sess *session.Session, tripID int64) (*models.Booking, error)
	CreateBooking(ctx context.Context, sess *session.Session, tripID int64, seats int) (*models.Booking, error)
	UpdateBookingSeats(ctx context.Context, sess *session.Session, bookingID int64, seats int) (*models.Booking, error)
	CancelBooking(ctx context.Context, sess *session.Session, bookingID int64) (*models.Booking, error)
	VerifyToken(ctx context.Context, sess *session.Session) error
	RefreshToken(ctx context.Context, sess *session.Session) error
}

type Config struct {
	CacheTTL    time.Duration // lifetime of cached trips and bookings
	ConflictTTL time.Duration // how long an unanswered conflict blocks new submits
	MaxSeats    int
	Locale      language.Tag
	Source      string // instance id stamped on published events
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:    30 * time.Second,
		ConflictTTL: 15 * time.Minute,
		MaxSeats:    8,
		Locale:      language.Russian,
		Source:      uuid.NewString(),
	}
}

type Service struct {
	backend   Backend
	cache     cache.Store
	flows     storage.FlowStore
	publisher events.Publisher
	notifier  events.Notifier
	config    Config
	log       *zap.Logger

	mu     sync.Mutex
	active map[flowKey]*activeFlow
	now    func() time.Time
}

func NewService(
	backend Backend,
	store cache.Store,
	flows storage.FlowStore,
	publisher events.Publisher,
	notifier events.Notifier,
	config Config,
	log *zap.Logger,
) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		backend:   backend,
		cache:     store,
		flows:     flows,
		publisher: publisher,
		notifier:  notifier,
		config:    config,
		log:       log.With(zap.String("component", "booking")),
		active:    make(map[flowKey]*activeFlow),
		now:       time.Now,
	}
}

// Display holds totals formatted for the configured locale.
type Display struct {
	RequestedOnly string `json:"requested_only_total"`
	Existing      string `json:"existing_total"`
	Combined      string `json:"combined_total"`
}

type Quote struct {
	Trip     *models.Trip      `json:"trip"`
	Existing *models.Booking   `json:"existing_booking"`
	Action   reconciler.Action `json:"action"`
	Totals   reconciler.Totals `json:"totals"`
	Display  Display           `json:"display"`
}

// Result describes a finished or parked submission. Invalidated lists the
// logical cache keys dropped on success.
type Result struct {
	FlowID      string            `json:"flow_id,omitempty"`
	State       reconciler.State  `json:"state"`
	Action      reconciler.Action `json:"action"`
	Booking     *models.Booking   `json:"booking,omitempty"`
	Invalidated []string          `json:"invalidated,omitempty"`
}

func (s *Service) validateSeats(seats int) error {
	if seats < 1 {
		return reconciler.ErrInvalidSeatCount
	}
	if s.config.MaxSeats > 0 && seats > s.config.MaxSeats {
		return fmt.Errorf("%w: at most %d", ErrTooManySeats, s.config.MaxSeats)
	}
	return nil
}

// Quote previews what confirming seats more seats would do.
func (s *Service) Quote(ctx context.Context, sess *session.Session, tripID int64, seats int) (*Quote, error) {
	if err := s.validateSeats(seats); err != nil {
		return nil, err
	}
	trip, err := s.Trip(ctx, sess, tripID)
	if err != nil {
		return nil, err
	}
	existing, err := s.MyBooking(ctx, sess, tripID)
	if err != nil {
		return nil, err
	}
	action, err := reconciler.ResolveBookingAction(trip, existing, seats)
	if err != nil {
		return nil, err
	}
	totals := reconciler.ComputeDisplayTotals(trip, existing, seats)
	return &Quote{
		Trip:     trip,
		Existing: existing,
		Action:   action,
		Totals:   totals,
		Display: Display{
			RequestedOnly: totals.RequestedOnly.Format(s.config.Locale),
			Existing:      totals.Existing.Format(s.config.Locale),
			Combined:      totals.Combined.Format(s.config.Locale),
		},
	}, nil
}

// Book submits a request for seats more seats on tripID. A duplicate
// conflict parks the flow until AmendInstead or Dismiss; the returned error
// is then a *reconciler.DuplicateBookingConflict. While a flow is open the
// error is ErrSubmitInProgress or ErrConflictUnresolved and the Result names
// that flow.
func (s *Service) Book(ctx context.Context, sess *session.Session, tripID int64, seats int) (*Result, error) {
	if err := s.validateSeats(seats); err != nil {
		return nil, err
	}
	uid, err := s.Identify(ctx, sess)
	if err != nil {
		return nil, err
	}
	key := flowKey{userID: uid, tripID: tripID}
	af, parked, err := s.begin(key, seats)
	if err != nil {
		return parked, err
	}
	s.journal(ctx, af, key, storage.FlowRecord{State: reconciler.StateSubmitting, Seats: seats})

	trip, err := s.Trip(ctx, sess, tripID)
	if err != nil {
		return s.finish(ctx, sess, key, af, reconciler.Action{}, nil, err)
	}
	existing, err := s.MyBooking(ctx, sess, tripID)
	if err != nil {
		return s.finish(ctx, sess, key, af, reconciler.Action{}, nil, err)
	}
	return s.execute(ctx, sess, key, af, trip, existing, seats)
}

// AmendInstead resubmits a conflicted flow as an amend of the booking the
// backend says already exists. seats <= 0 reuses the originally requested
// count.
func (s *Service) AmendInstead(ctx context.Context, sess *session.Session, tripID int64, seats int) (*Result, error) {
	uid, err := s.Identify(ctx, sess)
	if err != nil {
		return nil, err
	}
	key := flowKey{userID: uid, tripID: tripID}
	af, err := s.reopen(key, seats)
	if err != nil {
		return nil, err
	}
	if err := s.validateSeats(af.seats); err != nil {
		return s.finish(ctx, sess, key, af, reconciler.Action{}, nil, err)
	}
	s.journal(ctx, af, key, storage.FlowRecord{State: reconciler.StateSubmitting, Action: string(reconciler.ActionAmend), Seats: af.seats})

	// The cached lookup is what led to the create; read the booking fresh.
	s.dropKeys(ctx, reconciler.StoreKeys(uid, []string{reconciler.MyBookingForTripKey(tripID)}), "amend")
	trip, err := s.Trip(ctx, sess, tripID)
	if err != nil {
		return s.finish(ctx, sess, key, af, reconciler.Action{}, nil, err)
	}
	existing, err := s.MyBooking(ctx, sess, tripID)
	if err != nil {
		return s.finish(ctx, sess, key, af, reconciler.Action{}, nil, err)
	}
	if !existing.Active() {
		return s.finish(ctx, sess, key, af, reconciler.Action{}, nil, ErrNoActiveBooking)
	}
	return s.execute(ctx, sess, key, af, trip, existing, af.seats)
}

// Dismiss closes a conflicted flow without submitting anything.
func (s *Service) Dismiss(ctx context.Context, sess *session.Session, tripID int64) error {
	uid, err := s.Identify(ctx, sess)
	if err != nil {
		return err
	}
	key := flowKey{userID: uid, tripID: tripID}
	af, err := s.dismiss(key)
	if err != nil {
		return err
	}
	s.journal(ctx, af, key, storage.FlowRecord{State: reconciler.StateIdle, Message: "dismissed"})
	return nil
}

// Cancel marks bookingID cancelled. The trip id only scopes invalidation.
func (s *Service) Cancel(ctx context.Context, sess *session.Session, tripID, bookingID int64) (*Result, error) {
	if tripID <= 0 {
		return nil, reconciler.ErrInvalidTrip
	}
	if bookingID <= 0 {
		return nil, ErrNoActiveBooking
	}
	uid, err := s.Identify(ctx, sess)
	if err != nil {
		return nil, err
	}
	b, err := s.backend.CancelBooking(ctx, sess, bookingID)
	if err != nil {
		observability.BookingOutcomesTotal.WithLabelValues("cancel_failed").Inc()
		return nil, reconciler.ClassifyBookingError(err)
	}
	observability.BookingOutcomesTotal.WithLabelValues("cancelled").Inc()
	keys := reconciler.InvalidationKeys(tripID)
	s.announce(ctx, uid, events.KindCancelled, tripID, bookingID, keys)
	return &Result{
		State:       reconciler.StateSucceeded,
		Booking:     b,
		Invalidated: keys,
	}, nil
}

// execute resolves and issues the backend call for a submitting flow.
func (s *Service) execute(ctx context.Context, sess *session.Session, key flowKey, af *activeFlow, trip *models.Trip, existing *models.Booking, seats int) (*Result, error) {
	action, err := reconciler.ResolveBookingAction(trip, existing, seats)
	if err != nil {
		return s.finish(ctx, sess, key, af, action, nil, err)
	}
	observability.BookingActionsTotal.WithLabelValues(string(action.Kind)).Inc()

	var b *models.Booking
	switch action.Kind {
	case reconciler.ActionCreate:
		b, err = s.backend.CreateBooking(ctx, sess, action.TripID, action.SeatsReserved)
	case reconciler.ActionAmend:
		b, err = s.backend.UpdateBookingSeats(ctx, sess, action.BookingID, action.SeatsReserved)
	}
	return s.finish(ctx, sess, key, af, action, b, err)
}

// finish resolves the flow with the call's outcome. Only success touches the
// cache.
func (s *Service) finish(ctx context.Context, sess *session.Session, key flowKey, af *activeFlow, action reconciler.Action, b *models.Booking, callErr error) (*Result, error) {
	state, classified := s.resolve(key, af, callErr)
	res := &Result{FlowID: af.id, State: state, Action: action, Booking: b}
	rec := storage.FlowRecord{State: state, Action: string(action.Kind), Seats: action.SeatsReserved}
	if b != nil {
		rec.BookingID = b.ID
	}
	if classified != nil {
		rec.Message = classified.Error()
	}
	s.journal(ctx, af, key, rec)
	observability.BookingOutcomesTotal.WithLabelValues(string(state)).Inc()

	if state != reconciler.StateSucceeded {
		s.log.Info("booking not completed",
			zap.String("flow_id", af.id),
			zap.Int64("trip_id", key.tripID),
			zap.String("state", string(state)),
			zap.Error(classified))
		return res, classified
	}

	kind := events.KindCreated
	if action.Kind == reconciler.ActionAmend {
		kind = events.KindAmended
	}
	var bookingID int64
	if b != nil {
		bookingID = b.ID
	}
	res.Invalidated = reconciler.InvalidationKeys(key.tripID)
	s.announce(ctx, key.userID, kind, key.tripID, bookingID, res.Invalidated)
	return res, nil
}

// announce invalidates locally, tells local UIs, then other instances.
// Failures are logged: the mutation itself already succeeded.
func (s *Service) announce(ctx context.Context, uid string, kind events.Kind, tripID, bookingID int64, keys []string) {
	s.dropKeys(ctx, reconciler.StoreKeys(uid, keys), "local")
	ev := events.MutationEvent{
		ID:        uuid.NewString(),
		Source:    s.config.Source,
		Kind:      kind,
		TripID:    tripID,
		BookingID: bookingID,
		UserID:    uid,
		Keys:      keys,
		At:        s.now().UTC(),
	}
	if s.notifier != nil {
		s.notifier.Deliver(ev)
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("publish mutation event failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (s *Service) dropKeys(ctx context.Context, keys []string, origin string) {
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.log.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
		return
	}
	observability.CacheInvalidationsTotal.WithLabelValues(origin).Add(float64(len(keys)))
}

func (s *Service) journal(ctx context.Context, af *activeFlow, key flowKey, r storage.FlowRecord) {
	if s.flows == nil {
		return
	}
	r.FlowID = af.id
	r.UserID = key.userID
	r.TripID = key.tripID
	r.RecordedAt = s.now().UTC()
	if err := s.flows.Record(ctx, r); err != nil {
		s.log.Warn("flow journal write failed", zap.String("flow_id", af.id), zap.Error(err))
	}
}

// History returns the journal of one of the caller's flows. Flows of other
// users are reported as ErrFlowNotFound.
func (s *Service) History(ctx context.Context, sess *session.Session, flowID string) ([]storage.FlowRecord, error) {
	uid, err := s.Identify(ctx, sess)
	if err != nil {
		return nil, err
	}
	if s.flows == nil {
		return nil, ErrFlowNotFound
	}
	h, err := s.flows.History(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if len(h) == 0 || h[0].UserID != uid {
		return nil, ErrFlowNotFound
	}
	return h, nil
}

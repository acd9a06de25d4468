package booking

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/reconciler"
	"github.com/example/ride-booking/internal/session"
)

// cachedBooking lets "no booking" be cached as well.
type cachedBooking struct {
	Booking *models.Booking `json:"booking"`
}

// Trip reads a trip through the cache.
func (s *Service) Trip(ctx context.Context, sess *session.Session, tripID int64) (*models.Trip, error) {
	if tripID <= 0 {
		return nil, reconciler.ErrInvalidTrip
	}
	key := reconciler.TripKey(tripID)
	var t models.Trip
	if s.lookup(ctx, key, &t) {
		return &t, nil
	}
	trip, err := s.backend.GetTrip(ctx, sess, tripID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, trip)
	return trip, nil
}

func (s *Service) Trips(ctx context.Context, sess *session.Session) ([]models.Trip, error) {
	var trips []models.Trip
	if s.lookup(ctx, reconciler.TripsListKey, &trips) {
		return trips, nil
	}
	trips, err := s.backend.ListTrips(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.store(ctx, reconciler.TripsListKey, trips)
	return trips, nil
}

// MyBooking returns the caller's booking for tripID, or nil.
func (s *Service) MyBooking(ctx context.Context, sess *session.Session, tripID int64) (*models.Booking, error) {
	if tripID <= 0 {
		return nil, reconciler.ErrInvalidTrip
	}
	uid, err := s.Identify(ctx, sess)
	if err != nil {
		return nil, err
	}
	key := reconciler.StoreKeys(uid, []string{reconciler.MyBookingForTripKey(tripID)})[0]
	var cb cachedBooking
	if s.lookup(ctx, key, &cb) {
		return cb.Booking, nil
	}
	b, err := s.backend.GetMyBookingForTrip(ctx, sess, tripID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, cachedBooking{Booking: b})
	return b, nil
}

// lookup treats cache errors as misses.
func (s *Service) lookup(ctx context.Context, key string, dst any) bool {
	ok, err := s.cache.Get(ctx, key, dst)
	switch {
	case err != nil:
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	case ok:
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return true
	default:
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return false
	}
}

func (s *Service) store(ctx context.Context, key string, v any) {
	if err := s.cache.Set(ctx, key, v, s.config.CacheTTL); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

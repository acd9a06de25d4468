// Package reconciler decides which backend call a booking intent turns into
// and derives the figures shown to the user. Everything here is pure: the
// caller issues network calls and invalidates caches.
package reconciler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/example/ride-booking/internal/models"
)

var (
	ErrInvalidTrip      = errors.New("invalid trip reference")
	ErrInvalidSeatCount = errors.New("seat count must be at least 1")
)

type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionAmend  ActionKind = "amend"
)

// Action is the backend operation a booking intent resolves to. TripID is
// set for create, BookingID for amend. SeatsReserved is the seat count the
// booking will hold after the call.
type Action struct {
	Kind          ActionKind `json:"kind"`
	TripID        int64      `json:"trip_id,omitempty"`
	BookingID     int64      `json:"booking_id,omitempty"`
	SeatsReserved int        `json:"seats_reserved"`
}

// ParseTripID parses a trip reference coming from a URL or form.
func ParseTripID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidTrip
	}
	return id, nil
}

// ResolveBookingAction turns a request for requested more seats into a create
// or an amend. An active existing booking is topped up, never replaced: the
// backend rejects a second active booking for the same passenger and trip.
func ResolveBookingAction(trip *models.Trip, existing *models.Booking, requested int) (Action, error) {
	if trip == nil || trip.ID <= 0 {
		return Action{}, ErrInvalidTrip
	}
	if requested < 1 {
		return Action{}, ErrInvalidSeatCount
	}
	if !existing.Active() {
		return Action{Kind: ActionCreate, TripID: trip.ID, SeatsReserved: requested}, nil
	}
	return Action{
		Kind:          ActionAmend,
		BookingID:     existing.ID,
		SeatsReserved: existing.SeatsReserved + requested,
	}, nil
}

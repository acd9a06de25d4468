package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/session"
)

func (c *Client) GetTrip(ctx context.Context, sess *session.Session, tripID int64) (*models.Trip, error) {
	var t models.Trip
	if err := c.do(ctx, sess, "get_trip", http.MethodGet, fmt.Sprintf("/api/trips/%d/", tripID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTrips accepts both a bare array and a paginated {"results": [...]}.
func (c *Client) ListTrips(ctx context.Context, sess *session.Session) ([]models.Trip, error) {
	var raw json.RawMessage
	if err := c.do(ctx, sess, "list_trips", http.MethodGet, "/api/trips/", nil, &raw); err != nil {
		return nil, err
	}
	var trips []models.Trip
	if err := json.Unmarshal(raw, &trips); err == nil {
		return trips, nil
	}
	var page struct {
		Results []models.Trip `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode trips: %w", err)
	}
	return page.Results, nil
}

// GetMyBookingForTrip returns the caller's booking on tripID, or nil when
// the backend answers 404 or null.
func (c *Client) GetMyBookingForTrip(ctx context.Context, sess *session.Session, tripID int64) (*models.Booking, error) {
	var b *models.Booking
	err := c.do(ctx, sess, "get_my_booking", http.MethodGet, fmt.Sprintf("/api/trips/%d/my-booking/", tripID), nil, &b)
	var apiErr *models.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

type createBookingRequest struct {
	Trip          int64 `json:"trip"`
	SeatsReserved int   `json:"seats_reserved"`
}

func (c *Client) CreateBooking(ctx context.Context, sess *session.Session, tripID int64, seats int) (*models.Booking, error) {
	var b models.Booking
	in := createBookingRequest{Trip: tripID, SeatsReserved: seats}
	if err := c.do(ctx, sess, "create_booking", http.MethodPost, "/api/bookings/", in, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

type seatsPatch struct {
	SeatsReserved int `json:"seats_reserved"`
}

type statusPatch struct {
	Status models.BookingStatus `json:"status"`
}

// UpdateBookingSeats sets the booking's total seat count.
func (c *Client) UpdateBookingSeats(ctx context.Context, sess *session.Session, bookingID int64, seats int) (*models.Booking, error) {
	var b models.Booking
	if err := c.do(ctx, sess, "amend_booking", http.MethodPatch, fmt.Sprintf("/api/bookings/%d/", bookingID), seatsPatch{SeatsReserved: seats}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CancelBooking soft-cancels; bookings are never deleted.
func (c *Client) CancelBooking(ctx context.Context, sess *session.Session, bookingID int64) (*models.Booking, error) {
	var b models.Booking
	if err := c.do(ctx, sess, "cancel_booking", http.MethodPatch, fmt.Sprintf("/api/bookings/%d/", bookingID), statusPatch{Status: models.BookingCancelled}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

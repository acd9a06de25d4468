package models

import "time"

type TripStatus string

const (
	TripAvailable TripStatus = "available"
	TripInRoad    TripStatus = "in_road"
	TripFinished  TripStatus = "finished"
	TripCancelled TripStatus = "cancelled"
	TripFull      TripStatus = "full"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

type Route struct {
	From string `json:"from_city"`
	To   string `json:"to_city"`
}

// Trip is the backend's trip as cached by this service. Read-only here.
type Trip struct {
	ID             int64      `json:"id"`
	Price          Money      `json:"price"`
	AvailableSeats int        `json:"available_seats"`
	Status         TripStatus `json:"status"`
	Route          Route      `json:"route"`
	DepartureTime  time.Time  `json:"departure_time"`
}

type Booking struct {
	ID            int64         `json:"id"`
	TripID        int64         `json:"trip"`
	SeatsReserved int           `json:"seats_reserved"`
	Status        BookingStatus `json:"status"`
	Passenger     int64         `json:"passenger"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Active reports whether b blocks a second booking on the same trip.
func (b *Booking) Active() bool {
	return b != nil && b.Status != BookingCancelled
}

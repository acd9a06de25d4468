package reconciler

import (
	"errors"
	"testing"

	"github.com/example/ride-booking/internal/models"
)

func trip(price int64) *models.Trip {
	return &models.Trip{ID: 7, Price: models.FromMajor(price), AvailableSeats: 4, Status: models.TripAvailable}
}

func booking(seats int, status models.BookingStatus) *models.Booking {
	return &models.Booking{ID: 42, TripID: 7, SeatsReserved: seats, Status: status}
}

func TestResolveCreateWithoutExisting(t *testing.T) {
	for r := 1; r <= 6; r++ {
		a, err := ResolveBookingAction(trip(500), nil, r)
		if err != nil {
			t.Fatalf("r=%d: unexpected error %v", r, err)
		}
		if a.Kind != ActionCreate || a.SeatsReserved != r || a.TripID != 7 {
			t.Fatalf("r=%d: got %+v", r, a)
		}
	}
}

func TestResolveAmendIsAdditive(t *testing.T) {
	for _, st := range []models.BookingStatus{models.BookingPending, models.BookingConfirmed, models.BookingCompleted} {
		for s := 1; s <= 3; s++ {
			for r := 1; r <= 3; r++ {
				a, err := ResolveBookingAction(trip(500), booking(s, st), r)
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if a.Kind != ActionAmend || a.BookingID != 42 || a.SeatsReserved != s+r {
					t.Fatalf("status=%s s=%d r=%d: got %+v", st, s, r, a)
				}
			}
		}
	}
}

func TestResolveCancelledBehavesAsAbsent(t *testing.T) {
	a, err := ResolveBookingAction(trip(500), booking(4, models.BookingCancelled), 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != ActionCreate || a.SeatsReserved != 1 {
		t.Fatalf("got %+v", a)
	}
	if got := ComputeDisplayTotals(trip(500), booking(4, models.BookingCancelled), 1).Combined; got != models.FromMajor(500) {
		t.Fatalf("combined = %v", got)
	}
}

func TestResolveValidation(t *testing.T) {
	if _, err := ResolveBookingAction(nil, nil, 1); !errors.Is(err, ErrInvalidTrip) {
		t.Fatalf("nil trip: %v", err)
	}
	if _, err := ResolveBookingAction(&models.Trip{}, nil, 1); !errors.Is(err, ErrInvalidTrip) {
		t.Fatalf("zero id: %v", err)
	}
	for _, r := range []int{0, -1} {
		if _, err := ResolveBookingAction(trip(500), nil, r); !errors.Is(err, ErrInvalidSeatCount) {
			t.Fatalf("r=%d: %v", r, err)
		}
	}
}

func TestParseTripID(t *testing.T) {
	if id, err := ParseTripID(" 15 "); err != nil || id != 15 {
		t.Fatalf("got %d %v", id, err)
	}
	for _, in := range []string{"", "abc", "0", "-3", "1.5"} {
		if _, err := ParseTripID(in); !errors.Is(err, ErrInvalidTrip) {
			t.Fatalf("%q: %v", in, err)
		}
	}
}

func TestScenarioNewBooking(t *testing.T) {
	a, _ := ResolveBookingAction(trip(500), nil, 2)
	if a.Kind != ActionCreate || a.SeatsReserved != 2 {
		t.Fatalf("got %+v", a)
	}
	tot := ComputeDisplayTotals(trip(500), nil, 2)
	want := Totals{RequestedOnly: models.FromMajor(1000), Existing: models.FromMajor(0), Combined: models.FromMajor(1000)}
	if tot != want {
		t.Fatalf("totals = %+v, want %+v", tot, want)
	}
}

func TestScenarioTopUp(t *testing.T) {
	existing := booking(1, models.BookingConfirmed)
	a, _ := ResolveBookingAction(trip(500), existing, 2)
	if a.Kind != ActionAmend || a.SeatsReserved != 3 {
		t.Fatalf("got %+v", a)
	}
	if got := ComputeDisplayTotals(trip(500), existing, 2).Combined; got != models.FromMajor(1500) {
		t.Fatalf("combined = %v", got)
	}
}

func TestTotalsAddUp(t *testing.T) {
	prices := []models.Money{models.FromMinor(0), models.FromMinor(1), models.FromMinor(33333), models.FromMinor(49999)}
	for _, p := range prices {
		tr := &models.Trip{ID: 1, Price: p}
		for s := 0; s <= 5; s++ {
			for r := 0; r <= 5; r++ {
				var ex *models.Booking
				if s > 0 {
					ex = booking(s, models.BookingPending)
				}
				tot := ComputeDisplayTotals(tr, ex, r)
				if tot.Combined != tot.Existing.Add(tot.RequestedOnly) {
					t.Fatalf("price=%v s=%d r=%d: %+v", p, s, r, tot)
				}
			}
		}
	}
}

func TestTotalsWithoutPrice(t *testing.T) {
	nan, _ := models.ParseMoney("NaN")
	for _, tr := range []*models.Trip{nil, {ID: 1}, {ID: 1, Price: nan}} {
		tot := ComputeDisplayTotals(tr, booking(2, models.BookingConfirmed), 3)
		zero := models.FromMinor(0)
		if tot.RequestedOnly != zero || tot.Existing != zero || tot.Combined != zero {
			t.Fatalf("expected zero totals, got %+v", tot)
		}
	}
}

func TestInvalidationKeys(t *testing.T) {
	keys := InvalidationKeys(9)
	want := []string{"trip:9", "trips:list", "myBookingForTrip:9"}
	if len(keys) != len(want) {
		t.Fatalf("got %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v", keys)
		}
	}
	if !UserScoped(keys[2]) || UserScoped(keys[0]) {
		t.Fatal("scope detection wrong")
	}
}

func TestStoreKeys(t *testing.T) {
	got := StoreKeys("17", InvalidationKeys(3))
	want := []string{"trip:3", "trips:list", "user:17:myBookingForTrip:3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

package reconciler

import "github.com/example/ride-booking/internal/models"

// Totals are derived for display only and never stored. Combined is the
// "you will pay" figure.
type Totals struct {
	RequestedOnly models.Money `json:"requested_only_total"`
	Existing      models.Money `json:"existing_total"`
	Combined      models.Money `json:"combined_total"`
}

// ComputeDisplayTotals prices the requested seats, the seats already held
// and both together. All three are computed from the same per-seat price in
// minor units, so Combined == Existing + RequestedOnly exactly. A trip with no
// usable price yields zero totals.
func ComputeDisplayTotals(trip *models.Trip, existing *models.Booking, requested int) Totals {
	zero := models.FromMinor(0)
	if trip == nil || !trip.Price.Valid {
		return Totals{RequestedOnly: zero, Existing: zero, Combined: zero}
	}
	if requested < 0 {
		requested = 0
	}
	held := existingSeats(existing)
	return Totals{
		RequestedOnly: trip.Price.Mul(requested),
		Existing:      trip.Price.Mul(held),
		Combined:      trip.Price.Mul(held + requested),
	}
}

func existingSeats(b *models.Booking) int {
	if !b.Active() || b.SeatsReserved < 0 {
		return 0
	}
	return b.SeatsReserved
}

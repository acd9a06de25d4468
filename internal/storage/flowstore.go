// Package storage journals booking flow transitions for support and audit.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/reconciler"
)

// FlowRecord is one state a booking flow entered.
type FlowRecord struct {
	FlowID     string           `json:"flow_id"`
	UserID     string           `json:"user_id"`
	TripID     int64            `json:"trip_id"`
	State      reconciler.State `json:"state"`
	Action     string           `json:"action,omitempty"`
	Seats      int              `json:"seats,omitempty"`
	BookingID  int64            `json:"booking_id,omitempty"`
	Message    string           `json:"message,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// FlowStore defines persistence operations for the flow journal.
type FlowStore interface {
	Record(ctx context.Context, r FlowRecord) error
	History(ctx context.Context, flowID string) ([]FlowRecord, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string][]FlowRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: make(map[string][]FlowRecord)}
}

func (m *MemoryStore) Record(_ context.Context, r FlowRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[r.FlowID] = append(m.flows[r.FlowID], r)
	return nil
}

func (m *MemoryStore) History(_ context.Context, flowID string) ([]FlowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FlowRecord, len(m.flows[flowID]))
	copy(out, m.flows[flowID])
	return out, nil
}

// Package dispatch pushes cache invalidation notices to connected UIs over
// websockets so they refetch trip and booking data after a mutation.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-booking/internal/events"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/reconciler"
)

var ErrNoSession = errors.New("no ws session")

const (
	defaultWriteWait = 5 * time.Second
	sendBuffer       = 16
)

// Conn is the part of *websocket.Conn the registry writes through.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Notice tells a client which logical cache keys are stale.
type Notice struct {
	Type   string      `json:"type"`
	Kind   events.Kind `json:"kind"`
	TripID int64       `json:"trip_id,omitempty"`
	Keys   []string    `json:"keys,omitempty"`
}

// WSSession is one connected browser tab. Only its writer goroutine writes
// to the connection; notices queue in out.
type WSSession struct {
	userID string
	conn   Conn
	out    chan Notice
	done   chan struct{}
	once   sync.Once
}

// enqueue never blocks. It reports false when the queue is full.
func (s *WSSession) enqueue(n Notice) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- n:
		return true
	default:
		return false
	}
}

func (s *WSSession) stop() { s.once.Do(func() { close(s.done) }) }

// WSRegistry holds sessions grouped by user. A user may have several tabs.
type WSRegistry struct {
	mu        sync.RWMutex
	sessions  map[string]map[*WSSession]struct{}
	writeWait time.Duration
	log       *zap.Logger
}

func NewWSRegistry(log *zap.Logger) *WSRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSRegistry{
		sessions:  make(map[string]map[*WSSession]struct{}),
		writeWait: defaultWriteWait,
		log:       log,
	}
}

// Add registers conn for userID and starts its writer.
func (r *WSRegistry) Add(userID string, conn Conn) *WSSession {
	s := &WSSession{userID: userID, conn: conn, out: make(chan Notice, sendBuffer), done: make(chan struct{})}
	r.mu.Lock()
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[userID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	observability.WSSessions.Inc()
	go r.writeLoop(s)
	return s
}

// Remove unregisters s and stops its writer. The caller closes the conn.
func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[userID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, userID)
	}
	s.stop()
	observability.WSSessions.Dec()
}

// Count returns the number of open sessions.
func (r *WSRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}

// Notify queues n for every session of userID.
func (r *WSRegistry) Notify(userID string, n Notice) error {
	targets := r.snapshot(func(uid string) bool { return uid == userID })
	if len(targets) == 0 {
		return ErrNoSession
	}
	r.send(targets, n)
	return nil
}

// Broadcast queues n for every connected session.
func (r *WSRegistry) Broadcast(n Notice) {
	r.send(r.snapshot(func(string) bool { return true }), n)
}

// Deliver fans a mutation out: the owner gets every key, everyone else only
// the keys that are not scoped to the owner.
func (r *WSRegistry) Deliver(ev events.MutationEvent) {
	var shared []string
	for _, k := range ev.Keys {
		if !reconciler.UserScoped(k) {
			shared = append(shared, k)
		}
	}
	_ = r.Notify(ev.UserID, Notice{Type: "invalidate", Kind: ev.Kind, TripID: ev.TripID, Keys: ev.Keys})
	if len(shared) > 0 {
		others := Notice{Type: "invalidate", Kind: ev.Kind, TripID: ev.TripID, Keys: shared}
		r.send(r.snapshot(func(uid string) bool { return uid != ev.UserID }), others)
	}
}

func (r *WSRegistry) snapshot(match func(string) bool) []*WSSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*WSSession
	for uid, set := range r.sessions {
		if !match(uid) {
			continue
		}
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}

// send drops sessions that cannot keep up.
func (r *WSRegistry) send(targets []*WSSession, n Notice) {
	for _, s := range targets {
		if !s.enqueue(n) {
			r.log.Warn("ws client too slow, dropping", zap.String("user_id", s.userID))
			r.drop(s)
		}
	}
}

func (r *WSRegistry) drop(s *WSSession) {
	r.Remove(s.userID, s)
	_ = s.conn.Close()
}

// writeLoop writes queued notices until the session is removed or a write
// fails or exceeds writeWait.
func (r *WSRegistry) writeLoop(s *WSSession) {
	for {
		select {
		case <-s.done:
			return
		case n := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(r.writeWait))
			if err := s.conn.WriteJSON(n); err != nil {
				r.log.Warn("ws send error", zap.String("user_id", s.userID), zap.Error(err))
				r.drop(s)
				return
			}
		}
	}
}

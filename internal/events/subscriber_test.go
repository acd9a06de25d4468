package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// fakeInvalidator fails the first failN calls.
type fakeInvalidator struct {
	failN int
	calls int
	keys  []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, keys ...string) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("redis down")
	}
	f.keys = keys
	return nil
}

type recordingNotifier struct {
	got       []MutationEvent
	delivered chan struct{}
}

func (r *recordingNotifier) Deliver(ev MutationEvent) {
	r.got = append(r.got, ev)
	select {
	case r.delivered <- struct{}{}:
	default:
	}
}

// sliceReader replays messages, then blocks until ctx is done.
type sliceReader struct {
	msgs   [][]byte
	closed bool
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return kafka.Message{Value: m}, nil
}

func (s *sliceReader) Close() error { s.closed = true; return nil }

func TestInvalidateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeInvalidator{failN: 2}
	start := time.Now()
	if err := invalidateWithRetry(context.Background(), f, []string{"trip:1"}, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestInvalidateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeInvalidator{failN: 5}
	if err := invalidateWithRetry(context.Background(), f, []string{"trip:1"}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestSubscriberScopesKeysAndSkipsOwnEvents(t *testing.T) {
	own, _ := json.Marshal(MutationEvent{ID: "a", Source: "me", TripID: 1, UserID: "5", Keys: []string{"trip:1"}})
	other, _ := json.Marshal(MutationEvent{ID: "b", Source: "peer", TripID: 2, UserID: "5",
		Keys: []string{"trip:2", "trips:list", "myBookingForTrip:2"}})
	r := &sliceReader{msgs: [][]byte{own, []byte("not json"), other}}
	inv := &fakeInvalidator{}
	n := &recordingNotifier{delivered: make(chan struct{}, 1)}
	s := newSubscriber(r, "me", inv, n, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	select {
	case <-n.delivered:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not deliver the peer event")
	}
	cancel()
	<-done

	if inv.calls != 1 {
		t.Fatalf("expected only the peer event to invalidate, got %d calls", inv.calls)
	}
	want := []string{"trip:2", "trips:list", "user:5:myBookingForTrip:2"}
	for i := range want {
		if inv.keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", inv.keys, want)
		}
	}
	if len(n.got) != 1 || n.got[0].ID != "b" {
		t.Fatalf("notified %+v", n.got)
	}
	if !r.closed {
		t.Fatal("reader should be closed on stop")
	}
}

func TestReaderConfigStartsAtTailInOwnGroup(t *testing.T) {
	a := readerConfig([]string{"k1:9092"}, "booking-mutations", "ride-booking", "edge-a")
	b := readerConfig([]string{"k1:9092"}, "booking-mutations", "ride-booking", "edge-b")
	if a.StartOffset != kafka.LastOffset {
		t.Fatalf("StartOffset = %d, want LastOffset", a.StartOffset)
	}
	if a.GroupID == b.GroupID {
		t.Fatalf("instances share group %q", a.GroupID)
	}
	if a.GroupID != "ride-booking-edge-a" || a.Topic != "booking-mutations" {
		t.Fatalf("unexpected config: %+v", a)
	}
	if got := readerConfig(nil, "t", "", "x").GroupID; got != "ride-booking-x" {
		t.Fatalf("default group = %q", got)
	}
}

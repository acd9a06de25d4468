package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/reconciler"
)

// Invalidator is the subset of the cache the subscriber needs.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// Notifier forwards an event to locally connected UIs.
type Notifier interface {
	Deliver(ev MutationEvent)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Subscriber struct {
	reader   messageReader
	source   string
	cache    Invalidator
	notifier Notifier
	log      *zap.Logger

	attempts int
	delay    time.Duration
}

// NewSubscriber reads topic in a consumer group of its own so every instance
// sees every event. Events published by source (this instance) are skipped:
// the publisher already invalidated and notified.
func NewSubscriber(brokers []string, topic, groupPrefix, source string, cache Invalidator, notifier Notifier, log *zap.Logger) *Subscriber {
	r := kafka.NewReader(readerConfig(brokers, topic, groupPrefix, source))
	return newSubscriber(r, source, cache, notifier, log)
}

// readerConfig suffixes the group with source so instances never share
// partitions. A group without committed offsets starts at the tail: events
// older than this process describe caches it never filled.
func readerConfig(brokers []string, topic, groupPrefix, source string) kafka.ReaderConfig {
	if groupPrefix == "" {
		groupPrefix = "ride-booking"
	}
	return kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupPrefix + "-" + source,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	}
}

func newSubscriber(r messageReader, source string, cache Invalidator, notifier Notifier, log *zap.Logger) *Subscriber {
	return &Subscriber{
		reader:   r,
		source:   source,
		cache:    cache,
		notifier: notifier,
		log:      log.With(zap.String("component", "subscriber")),
		attempts: 3,
		delay:    200 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially up
// to 30s.
func (s *Subscriber) Run(ctx context.Context) {
	defer s.reader.Close()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("subscriber stopped")
				return
			}
			s.log.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		s.handle(ctx, m.Value)
	}
}

func (s *Subscriber) handle(ctx context.Context, value []byte) {
	var ev MutationEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		observability.EventsConsumedTotal.WithLabelValues("invalid").Inc()
		s.log.Warn("invalid mutation event", zap.Error(err))
		return
	}
	if ev.Source == s.source {
		observability.EventsConsumedTotal.WithLabelValues("own").Inc()
		return
	}

	keys := reconciler.StoreKeys(ev.UserID, ev.Keys)
	if err := invalidateWithRetry(ctx, s.cache, keys, s.attempts, s.delay); err != nil {
		observability.EventsConsumedTotal.WithLabelValues("cache_error").Inc()
		s.log.Error("cache invalidation failed", zap.String("event_id", ev.ID), zap.Strings("keys", keys), zap.Error(err))
	} else {
		observability.CacheInvalidationsTotal.WithLabelValues("event").Add(float64(len(keys)))
		observability.EventsConsumedTotal.WithLabelValues("ok").Inc()
	}
	// UIs refetch from the backend, so notify even if our cache lagged.
	if s.notifier != nil {
		s.notifier.Deliver(ev)
	}
}

// invalidateWithRetry retries with doubling delay and returns the last error
// once attempts are exhausted.
func invalidateWithRetry(ctx context.Context, inv Invalidator, keys []string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = inv.Invalidate(ctx, keys...); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

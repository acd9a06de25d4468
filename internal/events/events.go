// Package events fans booking mutations out to every service instance so
// each can drop stale cache entries and tell connected UIs to refetch.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/observability"
)

type Kind string

const (
	KindCreated   Kind = "created"
	KindAmended   Kind = "amended"
	KindCancelled Kind = "cancelled"
)

// MutationEvent describes a successful booking mutation. Keys are logical
// cache keys; user-scoped ones belong to UserID.
type MutationEvent struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Kind      Kind      `json:"kind"`
	TripID    int64     `json:"trip_id"`
	BookingID int64     `json:"booking_id"`
	UserID    string    `json:"user_id"`
	Keys      []string  `json:"keys"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev MutationEvent) error
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, MutationEvent) error { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaPublisher{writer: w}
}

// Publish keys messages by trip so events for one trip stay ordered.
func (k *KafkaPublisher) Publish(ctx context.Context, ev MutationEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(ev.TripID, 10)), Value: b})
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues("error").Inc()
		return err
	}
	observability.EventsPublishedTotal.WithLabelValues("ok").Inc()
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

package orderevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"restaurant-agent/internal/domain"
)

const EventOrderPlaced = "order.placed"

// Config configures the order event writer. No brokers disables publishing.
type Config struct {
	Brokers      []string      `envconfig:"BROKERS"`
	Topic        string        `envconfig:"TOPIC" default:"restaurant-orders"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" split_words:"true" default:"5s"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) != "" {
			return true
		}
	}
	return false
}

// Event is the payload written for every placed order.
type Event struct {
	Type       string             `json:"type"`
	OccurredAt time.Time          `json:"occurredAt"`
	Order      domain.PlacedOrder `json:"order"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes order.placed events keyed by restaurant, so one
// restaurant's orders stay on one partition in placement order.
type Publisher struct {
	w       writer
	timeout time.Duration
}

// NewWriter builds a kafka-go writer for cfg.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func New(w writer, timeout time.Duration) (*Publisher, error) {
	if w == nil {
		return nil, errors.New("orderevents: writer must not be nil")
	}
	return &Publisher{w: w, timeout: timeout}, nil
}

// RecordOrder publishes the order.placed event.
func (p *Publisher) RecordOrder(ctx context.Context, order domain.PlacedOrder) error {
	payload, err := json.Marshal(Event{Type: EventOrderPlaced, OccurredAt: order.PlacedAt, Order: order})
	if err != nil {
		return fmt.Errorf("orderevents: marshal: %w", err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(order.RestaurantKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventOrderPlaced)},
			{Key: "order-id", Value: []byte(order.OrderID)},
		},
	})
	if err != nil {
		return fmt.Errorf("orderevents: write %s: %w", order.OrderID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

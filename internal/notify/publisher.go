// Package notify publishes best-effort live-update events. Delivery is
// fire-and-forget: a failed publish is logged and counted, never surfaced
// to the caller — the engine's own state does not depend on it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pollmarket/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventTradeUpdated = "trade-updated"
	EventPollResolved = "poll-resolved"
)

// Sink is the engine-facing notification contract.
type Sink interface {
	TradeUpdated(ctx context.Context, pollID uuid.UUID, payload interface{})
	PollResolved(ctx context.Context, pollID uuid.UUID, payload interface{})
}

// Envelope is the published wire shape.
type Envelope struct {
	Event     string      `json:"event"`
	PollID    string      `json:"poll_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher publishes events to NATS JetStream.
// Subjects follow the pattern: market.events.{event}.{poll_id}
type Publisher struct {
	js      jetstream.JetStream
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		metrics: metrics,
		log:     log,
	}
}

func (p *Publisher) TradeUpdated(ctx context.Context, pollID uuid.UUID, payload interface{}) {
	p.publish(ctx, EventTradeUpdated, pollID, payload)
}

func (p *Publisher) PollResolved(ctx context.Context, pollID uuid.UUID, payload interface{}) {
	p.publish(ctx, EventPollResolved, pollID, payload)
}

func (p *Publisher) publish(ctx context.Context, event string, pollID uuid.UUID, payload interface{}) {
	env := Envelope{
		Event:     event,
		PollID:    pollID.String(),
		Payload:   payload,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(env)
	if err != nil {
		p.fail(event, pollID, err)
		return
	}

	subject := fmt.Sprintf("market.events.%s.%s", event, pollID)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.fail(event, pollID, err)
		return
	}

	if p.metrics != nil {
		p.metrics.NotifyPublished.WithLabelValues(event).Inc()
	}
}

func (p *Publisher) fail(event string, pollID uuid.UUID, err error) {
	if p.metrics != nil {
		p.metrics.NotifyFailures.WithLabelValues(event).Inc()
	}
	p.log.Warn().Err(err).Str("event", event).Str("poll", pollID.String()).Msg("notification dropped")
}

// EnsureStream creates the outbound events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "MARKET_EVENTS",
		Subjects:  []string{"market.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// Nop is a Sink that discards everything. Used by tests and when no NATS
// connection is configured.
type Nop struct{}

func (Nop) TradeUpdated(context.Context, uuid.UUID, interface{}) {}
func (Nop) PollResolved(context.Context, uuid.UUID, interface{}) {}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to JetStream.
// Publishing is best effort: failures are logged, never returned, so a broker
// outage cannot fail a generation or a payment that already happened.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher returns a Publisher. A nil js yields a publisher that drops
// every event, used when NATS is not configured.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

func (p *Publisher) GenerationCompleted(ctx context.Context, e GenerationCompleted) {
	p.publish(ctx, SubjectGenerationCompleted, e)
}

func (p *Publisher) GenerationFailed(ctx context.Context, e GenerationFailed) {
	p.publish(ctx, SubjectGenerationFailed, e)
}

func (p *Publisher) SettlementRace(ctx context.Context, e SettlementRace) {
	p.publish(ctx, SubjectSettlementRace, e)
}

func (p *Publisher) PurchaseSettled(ctx context.Context, e PurchaseSettled) {
	p.publish(ctx, SubjectPurchaseSettled, e)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	if p == nil || p.js == nil {
		return
	}
	if err := p.send(ctx, subject, v); err != nil {
		slog.Warn("publishing event", "subject", subject, "error", err)
	}
}

func (p *Publisher) send(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

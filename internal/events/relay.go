package events

import (
	"context"
	"log/slog"

	"github.com/libar-dev/libar-platform/internal/engine"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// Relay checkpoint identity.
const (
	RelayAgentID        = "relay"
	RelaySubscriptionID = "nats"
)

// Relay forwards the global feed to a Publisher.
type Relay struct {
	pub    Publisher
	prefix string
}

// NewRelay creates a relay. A nil publisher means NoopPublisher.
func NewRelay(pub Publisher, prefix string) *Relay {
	if pub == nil {
		pub = NoopPublisher{}
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Relay{pub: pub, prefix: prefix}
}

// Subscription returns the engine subscription. The publish happens in
// the action, before the checkpoint moves, so a bus outage dead-letters
// the event and it can be replayed later.
func (r *Relay) Subscription(eventTypes ...string) engine.Subscription {
	return engine.NewAction(RelayAgentID, RelaySubscriptionID, r.forward, eventTypes...)
}

func (r *Relay) forward(ctx context.Context, ev ir.StoredEvent) (engine.Effect, error) {
	subject := Subject(r.prefix, ev)
	if err := r.pub.Publish(ctx, subject, ev); err != nil {
		return engine.Effect{}, err
	}
	slog.Debug("event relayed", "event", "event_relayed", "subject", subject,
		"event_id", ev.EventID, "position", ev.GlobalPosition)
	return engine.Effect{}, nil
}

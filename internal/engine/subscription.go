package engine

import (
	"context"
	"fmt"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

// Kind selects how a subscription's handler is invoked.
type Kind int

const (
	// KindMutation handlers run inside the checkpoint transaction.
	KindMutation Kind = iota + 1
	// KindAction handlers run outside it and return an Effect.
	KindAction
)

func (k Kind) String() string {
	switch k {
	case KindMutation:
		return "mutation"
	case KindAction:
		return "action"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MutationFunc applies one event inside the checkpoint transaction.
type MutationFunc func(ctx context.Context, tx *store.Tx, ev ir.StoredEvent) error

// ActionFunc reacts to one event outside any transaction.
type ActionFunc func(ctx context.Context, ev ir.StoredEvent) (Effect, error)

// Effect is what an action handler wants done once it has decided.
// Both fields are optional.
type Effect struct {
	// Apply runs inside the checkpoint transaction. An error rolls the
	// transaction back and dead-letters the event.
	Apply func(ctx context.Context, tx *store.Tx) error

	// AfterCommit runs after the transaction committed. Its error is
	// logged; the event stays consumed.
	AfterCommit func(ctx context.Context) error
}

// Subscription binds a handler to a slice of the global event feed.
type Subscription struct {
	AgentID string
	ID      string

	// EventTypes restricts delivery; empty means every type.
	EventTypes []string
	// BoundedContext restricts delivery; empty means every context.
	BoundedContext string

	Kind     Kind
	Mutation MutationFunc
	Action   ActionFunc
}

// NewMutation builds a mutation subscription.
func NewMutation(agentID, id string, fn MutationFunc, eventTypes ...string) Subscription {
	return Subscription{AgentID: agentID, ID: id, EventTypes: eventTypes, Kind: KindMutation, Mutation: fn}
}

// NewAction builds an action subscription.
func NewAction(agentID, id string, fn ActionFunc, eventTypes ...string) Subscription {
	return Subscription{AgentID: agentID, ID: id, EventTypes: eventTypes, Kind: KindAction, Action: fn}
}

// Validate checks that the handler matches the kind.
func (s Subscription) Validate() error {
	invalid := func(msg string) error {
		return &RuntimeError{
			Code:           ErrCodeInvalidSubscription,
			Message:        msg,
			AgentID:        s.AgentID,
			SubscriptionID: s.ID,
		}
	}
	if s.AgentID == "" || s.ID == "" {
		return invalid("agent id and subscription id are required")
	}
	switch s.Kind {
	case KindMutation:
		if s.Mutation == nil || s.Action != nil {
			return invalid("mutation subscription needs exactly a Mutation handler")
		}
	case KindAction:
		if s.Action == nil || s.Mutation != nil {
			return invalid("action subscription needs exactly an Action handler")
		}
	default:
		return invalid(fmt.Sprintf("unknown kind %s", s.Kind))
	}
	return nil
}

type subKey struct {
	agentID, subscriptionID string
}

func (s Subscription) key() subKey {
	return subKey{s.AgentID, s.ID}
}

func (s Subscription) filter(from int64, limit int) store.PositionFilter {
	return store.PositionFilter{
		FromPosition:   from,
		Limit:          limit,
		EventTypes:     s.EventTypes,
		BoundedContext: s.BoundedContext,
	}
}

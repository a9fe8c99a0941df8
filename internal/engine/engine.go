package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

const (
	// DefaultPollInterval is how long Run sleeps when the feed is drained.
	DefaultPollInterval = time.Second
	// DefaultBatchSize bounds events read per subscription per poll.
	DefaultBatchSize = 100
	// DefaultFailureThreshold is the number of consecutive failures that
	// moves a subscription into error_recovery.
	DefaultFailureThreshold = 5
)

// Clock abstracts time for the Run loop. testutil.FakeClock satisfies it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Engine drives subscriptions from their checkpoints.
//
// Thread-safety model:
//   - Register, Notify, Pause, Resume, Stop: safe from any goroutine
//   - Poll: safe from any goroutine; concurrent polls never apply an
//     event twice because the checkpoint is re-read inside the transaction
//   - Run: one goroutine per Engine
type Engine struct {
	store *store.Store
	clock Clock

	pollInterval     time.Duration
	batchSize        int
	failureThreshold int

	mu    sync.RWMutex
	subs  []*Subscription // registration order is polling order
	byKey map[subKey]*Subscription

	wake *wakeSignal
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the clock used by Run.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithPollInterval sets the idle sleep of Run.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithBatchSize sets how many events one subscription reads per poll.
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithFailureThreshold sets the consecutive failure count that trips
// error_recovery.
func WithFailureThreshold(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.failureThreshold = n
		}
	}
}

// New creates an Engine over the store.
func New(s *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:            s,
		clock:            systemClock{},
		pollInterval:     DefaultPollInterval,
		batchSize:        DefaultBatchSize,
		failureThreshold: DefaultFailureThreshold,
		byKey:            make(map[subKey]*Subscription),
		wake:             newWakeSignal(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a subscription. Its checkpoint is created on first poll.
func (e *Engine) Register(sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.byKey[sub.key()]; exists {
		return &RuntimeError{
			Code:           ErrCodeDuplicateSubscription,
			Message:        "subscription already registered",
			AgentID:        sub.AgentID,
			SubscriptionID: sub.ID,
		}
	}
	sub.EventTypes = append([]string(nil), sub.EventTypes...)
	e.subs = append(e.subs, &sub)
	e.byKey[sub.key()] = &sub
	return nil
}

// Subscriptions returns the registered subscriptions in polling order.
func (e *Engine) Subscriptions() []Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Subscription, len(e.subs))
	for i, s := range e.subs {
		out[i] = *s
	}
	return out
}

func (e *Engine) lookup(agentID, subscriptionID string) (*Subscription, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sub, ok := e.byKey[subKey{agentID, subscriptionID}]
	if !ok {
		return nil, newUnknownSubscriptionError(agentID, subscriptionID)
	}
	return sub, nil
}

// Notify wakes Run before the poll interval elapses.
func (e *Engine) Notify() {
	e.wake.Notify()
}

// Close makes Run return after its current poll.
func (e *Engine) Close() {
	e.wake.Close()
}

// Run polls until ctx is cancelled or Close is called.
//
// A poll that processed events is followed immediately by another, so a
// backlog drains without waiting. Store errors are logged and retried on
// the next tick.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "subscriptions", len(e.Subscriptions()), "poll_interval", e.pollInterval)

	for {
		n, err := e.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("engine stopping: context cancelled")
				return ctx.Err()
			}
			slog.Error("poll failed", "event", "poll_failed", "error", err)
		}
		if n > 0 && err == nil && !e.wake.Closed() {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-e.wake.Wait():
			if e.wake.Closed() {
				slog.Info("engine stopping: closed")
				return nil
			}
		case <-e.clock.After(e.pollInterval):
		}
	}
}

// Poll runs one pass over every subscription and returns the number of
// events consumed, including dead-lettered ones.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	var total int
	for _, sub := range e.Subscriptions() {
		n, err := e.pollSubscription(ctx, sub)
		total += n
		if err != nil {
			return total, fmt.Errorf("poll %s/%s: %w", sub.AgentID, sub.ID, err)
		}
	}
	return total, nil
}

func (e *Engine) pollSubscription(ctx context.Context, sub Subscription) (int, error) {
	cp, err := e.store.GetCheckpoint(ctx, sub.AgentID, sub.ID)
	switch {
	case store.IsNotFound(err):
		cp = ir.Checkpoint{Status: ir.CheckpointActive}
	case err != nil:
		return 0, err
	}
	if cp.Status != ir.CheckpointActive {
		return 0, nil
	}

	events, err := e.store.ReadFromPosition(ctx, sub.filter(cp.LastProcessedPosition, e.batchSize))
	if err != nil {
		return 0, err
	}

	var n int
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		out, err := e.process(ctx, sub, ev)
		if err != nil {
			return n, err
		}
		switch out {
		case outcomeApplied, outcomeFailed:
			n++
		case outcomeTripped:
			return n + 1, nil
		case outcomeHalted:
			return n, nil
		}
	}
	return n, nil
}

type outcome int

const (
	outcomeApplied outcome = iota
	// outcomeSkipped: another poller consumed the event first.
	outcomeSkipped
	outcomeFailed
	// outcomeTripped: the failure moved the subscription to error_recovery.
	outcomeTripped
	// outcomeHalted: the checkpoint left active mid-batch.
	outcomeHalted
)

var errNotActive = errors.New("checkpoint not active")

func (e *Engine) process(ctx context.Context, sub Subscription, ev ir.StoredEvent) (outcome, error) {
	var effect Effect
	if sub.Kind == KindAction {
		var err error
		effect, err = e.runAction(ctx, sub, ev)
		if err != nil {
			return e.fail(ctx, sub, ev, err)
		}
	}

	var advanced bool
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		advanced = false
		cp, err := tx.LoadCheckpoint(ctx, sub.AgentID, sub.ID)
		if err != nil {
			return err
		}
		if cp.Status != ir.CheckpointActive {
			return errNotActive
		}
		if cp.LastProcessedPosition >= ev.GlobalPosition {
			return nil
		}

		if err := e.apply(ctx, tx, sub, effect, ev); err != nil {
			return err
		}
		advanced, err = tx.AdvanceCheckpoint(ctx, store.CheckpointAdvance{
			AgentID:        sub.AgentID,
			SubscriptionID: sub.ID,
			Position:       ev.GlobalPosition,
			EventID:        ev.EventID,
		})
		return err
	})
	switch {
	case errors.Is(err, errNotActive):
		return outcomeHalted, nil
	case err != nil:
		if he, ok := asHandlerError(err); ok {
			return e.fail(ctx, sub, ev, he.err)
		}
		return 0, err
	case !advanced:
		return outcomeSkipped, nil
	}

	slog.Debug("event processed", "agent", sub.AgentID, "subscription", sub.ID,
		"event_id", ev.EventID, "position", ev.GlobalPosition)
	e.afterCommit(ctx, sub, effect, ev)
	return outcomeApplied, nil
}

// runAction invokes an action handler, turning a panic into an error.
func (e *Engine) runAction(ctx context.Context, sub Subscription, ev ir.StoredEvent) (effect Effect, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return sub.Action(ctx, ev)
}

// apply runs the transactional part of a handler. Handler errors are
// wrapped so callers can tell them from store errors.
func (e *Engine) apply(ctx context.Context, tx *store.Tx, sub Subscription, effect Effect, ev ir.StoredEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerError{err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()
	switch sub.Kind {
	case KindMutation:
		err = sub.Mutation(ctx, tx, ev)
	case KindAction:
		if effect.Apply != nil {
			err = effect.Apply(ctx, tx)
		}
	}
	if err != nil {
		if _, ok := asHandlerError(err); ok {
			return err
		}
		return &handlerError{err: err}
	}
	return nil
}

func (e *Engine) afterCommit(ctx context.Context, sub Subscription, effect Effect, ev ir.StoredEvent) {
	if effect.AfterCommit == nil {
		return
	}
	if err := effect.AfterCommit(ctx); err != nil {
		slog.Warn("after-commit hook failed", "event", "after_commit_failed",
			"agent", sub.AgentID, "subscription", sub.ID, "event_id", ev.EventID, "error", err)
	}
}

// fail dead-letters ev, moves the checkpoint past it and trips
// error_recovery once the consecutive failure count reaches the threshold.
func (e *Engine) fail(ctx context.Context, sub Subscription, ev ir.StoredEvent, cause error) (outcome, error) {
	out := outcomeSkipped
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		out = outcomeSkipped
		cp, err := tx.LoadCheckpoint(ctx, sub.AgentID, sub.ID)
		if err != nil {
			return err
		}
		if cp.Status != ir.CheckpointActive {
			out = outcomeHalted
			return nil
		}
		advanced, err := tx.AdvanceCheckpoint(ctx, store.CheckpointAdvance{
			AgentID:        sub.AgentID,
			SubscriptionID: sub.ID,
			Position:       ev.GlobalPosition,
			EventID:        ev.EventID,
			Failed:         true,
		})
		if err != nil || !advanced {
			return err
		}
		if _, err := tx.RecordDeadLetter(ctx, store.DeadLetterFailure{
			AgentID:        sub.AgentID,
			SubscriptionID: sub.ID,
			EventID:        ev.EventID,
			GlobalPosition: ev.GlobalPosition,
			Error:          cause.Error(),
		}); err != nil {
			return err
		}
		out = outcomeFailed
		if cp.ConsecutiveFailures+1 >= e.failureThreshold {
			if _, err := tx.SetCheckpointStatus(ctx, sub.AgentID, sub.ID, ir.CheckpointErrorRecovery); err != nil {
				return err
			}
			out = outcomeTripped
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record failure of %s: %w", ev.EventID, err)
	}

	switch out {
	case outcomeFailed:
		slog.Warn("event dead-lettered", "event", "dead_lettered", "agent", sub.AgentID,
			"subscription", sub.ID, "event_id", ev.EventID, "error", cause)
	case outcomeTripped:
		slog.Error("subscription entered error recovery", "event", "error_recovery", "agent", sub.AgentID,
			"subscription", sub.ID, "event_id", ev.EventID, "threshold", e.failureThreshold, "error", cause)
	}
	return out, nil
}

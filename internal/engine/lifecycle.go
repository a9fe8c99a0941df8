package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

// Allowed lifecycle moves. Stopped is final.
var transitions = map[ir.CheckpointStatus][]ir.CheckpointStatus{
	ir.CheckpointActive:        {ir.CheckpointPaused, ir.CheckpointStopped},
	ir.CheckpointPaused:        {ir.CheckpointActive, ir.CheckpointStopped},
	ir.CheckpointErrorRecovery: {ir.CheckpointActive, ir.CheckpointStopped},
}

// Pause suspends delivery to a subscription, keeping its position.
func (e *Engine) Pause(ctx context.Context, agentID, subscriptionID string) (ir.Checkpoint, error) {
	return e.transition(ctx, agentID, subscriptionID, ir.CheckpointPaused)
}

// Resume reactivates a paused subscription or one in error recovery.
// The consecutive failure count starts over.
func (e *Engine) Resume(ctx context.Context, agentID, subscriptionID string) (ir.Checkpoint, error) {
	cp, err := e.transition(ctx, agentID, subscriptionID, ir.CheckpointActive)
	if err == nil {
		e.Notify()
	}
	return cp, err
}

// Stop ends a subscription for good.
func (e *Engine) Stop(ctx context.Context, agentID, subscriptionID string) (ir.Checkpoint, error) {
	return e.transition(ctx, agentID, subscriptionID, ir.CheckpointStopped)
}

func (e *Engine) transition(ctx context.Context, agentID, subscriptionID string, to ir.CheckpointStatus) (ir.Checkpoint, error) {
	if _, err := e.lookup(agentID, subscriptionID); err != nil {
		return ir.Checkpoint{}, err
	}

	var cp ir.Checkpoint
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		cur, err := tx.LoadCheckpoint(ctx, agentID, subscriptionID)
		if err != nil {
			return err
		}
		allowed := false
		for _, next := range transitions[cur.Status] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return newTransitionError(agentID, subscriptionID, string(cur.Status), string(to))
		}
		cp, err = tx.SetCheckpointStatus(ctx, agentID, subscriptionID, to)
		return err
	})
	if err != nil {
		return ir.Checkpoint{}, err
	}
	slog.Info("subscription status changed", "event", "subscription_status", "agent", agentID,
		"subscription", subscriptionID, "status", cp.Status)
	return cp, nil
}

// Checkpoint returns the stored checkpoint of a registered subscription.
// A subscription that has never polled reports an active checkpoint at 0.
func (e *Engine) Checkpoint(ctx context.Context, agentID, subscriptionID string) (ir.Checkpoint, error) {
	if _, err := e.lookup(agentID, subscriptionID); err != nil {
		return ir.Checkpoint{}, err
	}
	cp, err := e.store.GetCheckpoint(ctx, agentID, subscriptionID)
	if store.IsNotFound(err) {
		return ir.Checkpoint{AgentID: agentID, SubscriptionID: subscriptionID, Status: ir.CheckpointActive}, nil
	}
	return cp, err
}

// ReplayDeadLetter runs the subscription's handler on a quarantined event
// again. On success the dead letter becomes replayed in the same
// transaction as the handler's writes. On failure the attempt is counted
// and the handler's error returned. The checkpoint is not touched.
func (e *Engine) ReplayDeadLetter(ctx context.Context, agentID, eventID string) (ir.DeadLetter, error) {
	dl, err := e.store.GetDeadLetter(ctx, agentID, eventID)
	if err != nil {
		return ir.DeadLetter{}, err
	}
	if dl.Status != ir.DeadLetterPending {
		return dl, newDeadLetterStateError(agentID, eventID, string(dl.Status))
	}
	sub, err := e.lookup(agentID, dl.SubscriptionID)
	if err != nil {
		return dl, err
	}
	ev, err := e.store.ReadEvent(ctx, eventID)
	if err != nil {
		return dl, fmt.Errorf("replay %s: %w", eventID, err)
	}

	var effect Effect
	var cause error
	if sub.Kind == KindAction {
		effect, cause = e.runAction(ctx, *sub, ev)
	}
	if cause == nil {
		err = e.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := e.apply(ctx, tx, *sub, effect, ev); err != nil {
				return err
			}
			var err error
			dl, err = tx.UpdateDeadLetterStatus(ctx, agentID, eventID, ir.DeadLetterReplayed)
			return err
		})
		switch {
		case errors.Is(err, store.ErrNotPending):
			return dl, newDeadLetterStateError(agentID, eventID, string(dl.Status))
		case err != nil:
			he, ok := asHandlerError(err)
			if !ok {
				return dl, fmt.Errorf("replay %s: %w", eventID, err)
			}
			cause = he.err
		}
	}

	if cause != nil {
		recorded, err := e.store.RecordDeadLetter(ctx, store.DeadLetterFailure{
			AgentID:        agentID,
			SubscriptionID: sub.ID,
			EventID:        eventID,
			GlobalPosition: ev.GlobalPosition,
			Error:          cause.Error(),
		})
		if err != nil {
			return dl, fmt.Errorf("replay %s: record failure: %w", eventID, err)
		}
		slog.Warn("dead letter replay failed", "event", "replay_failed", "agent", agentID,
			"event_id", eventID, "attempts", recorded.AttemptCount, "error", cause)
		return recorded, fmt.Errorf("replay %s: %w", eventID, cause)
	}

	slog.Info("dead letter replayed", "event", "replayed", "agent", agentID, "event_id", eventID)
	e.afterCommit(ctx, *sub, effect, ev)
	return dl, nil
}

// IgnoreDeadLetter resolves a dead letter without processing it.
func (e *Engine) IgnoreDeadLetter(ctx context.Context, agentID, eventID string) (ir.DeadLetter, error) {
	dl, err := e.store.UpdateDeadLetterStatus(ctx, agentID, eventID, ir.DeadLetterIgnored)
	if errors.Is(err, store.ErrNotPending) {
		return dl, newDeadLetterStateError(agentID, eventID, string(dl.Status))
	}
	if err != nil {
		return dl, err
	}
	slog.Info("dead letter ignored", "event", "ignored", "agent", agentID, "event_id", eventID)
	return dl, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// CheckpointAdvance moves a checkpoint past one event.
type CheckpointAdvance struct {
	AgentID        string
	SubscriptionID string
	Position       int64
	EventID        string

	// Failed marks an event that was quarantined instead of processed.
	// The checkpoint still moves past it, but the consecutive failure
	// counter grows instead of being reset.
	Failed bool
}

// GetCheckpoint returns the checkpoint for (agentID, subscriptionID), or ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, agentID, subscriptionID string) (ir.Checkpoint, error) {
	cp, err := readCheckpoint(ctx, s.db, agentID, subscriptionID)
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("get checkpoint %s/%s: %w", agentID, subscriptionID, err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint ordered by agent and subscription.
func (s *Store) ListCheckpoints(ctx context.Context) ([]ir.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM agent_checkpoints
		ORDER BY agent_id ASC, subscription_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]ir.Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// LoadCheckpoint returns the checkpoint, creating an active one at
// position 0 on first use.
func (tx *Tx) LoadCheckpoint(ctx context.Context, agentID, subscriptionID string) (ir.Checkpoint, error) {
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO agent_checkpoints (agent_id, subscription_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, subscription_id) DO NOTHING
	`, agentID, subscriptionID, string(ir.CheckpointActive), ms(tx.now)); err != nil {
		return ir.Checkpoint{}, fmt.Errorf("load checkpoint: insert: %w", err)
	}
	cp, err := readCheckpoint(ctx, tx.tx, agentID, subscriptionID)
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceCheckpoint moves the checkpoint to a.Position if that is beyond
// the last processed position. It reports false, writing nothing, when the
// event was already consumed. Callers run it in the same Tx as the effect
// of processing the event.
func (tx *Tx) AdvanceCheckpoint(ctx context.Context, a CheckpointAdvance) (bool, error) {
	if _, err := tx.LoadCheckpoint(ctx, a.AgentID, a.SubscriptionID); err != nil {
		return false, fmt.Errorf("advance checkpoint: %w", err)
	}

	processed, failures := "events_processed + 1", "0"
	if a.Failed {
		processed, failures = "events_processed", "consecutive_failures + 1"
	}
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE agent_checkpoints
		SET last_processed_position = ?,
			last_event_id = ?,
			events_processed = `+processed+`,
			consecutive_failures = `+failures+`,
			updated_at = ?
		WHERE agent_id = ? AND subscription_id = ? AND last_processed_position < ?
	`, a.Position, a.EventID, ms(tx.now), a.AgentID, a.SubscriptionID, a.Position)
	if err != nil {
		return false, fmt.Errorf("advance checkpoint: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance checkpoint: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetCheckpointStatus is the transactional form of Store.SetCheckpointStatus.
func (tx *Tx) SetCheckpointStatus(ctx context.Context, agentID, subscriptionID string, status ir.CheckpointStatus) (ir.Checkpoint, error) {
	if !status.Valid() {
		return ir.Checkpoint{}, fmt.Errorf("set checkpoint status: %w: unknown status %q", ErrInvalidRequest, status)
	}
	if _, err := tx.LoadCheckpoint(ctx, agentID, subscriptionID); err != nil {
		return ir.Checkpoint{}, fmt.Errorf("set checkpoint status: %w", err)
	}

	// Leaving error recovery starts a fresh failure count.
	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE agent_checkpoints
		SET status = ?,
			consecutive_failures = CASE WHEN ? = 'active' THEN 0 ELSE consecutive_failures END,
			updated_at = ?
		WHERE agent_id = ? AND subscription_id = ?
	`, string(status), string(status), ms(tx.now), agentID, subscriptionID); err != nil {
		return ir.Checkpoint{}, fmt.Errorf("set checkpoint status: update: %w", err)
	}

	cp, err := readCheckpoint(ctx, tx.tx, agentID, subscriptionID)
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("set checkpoint status: %w", err)
	}
	return cp, nil
}

// SetCheckpointStatus changes a checkpoint's lifecycle status, creating
// the checkpoint if needed.
func (s *Store) SetCheckpointStatus(ctx context.Context, agentID, subscriptionID string, status ir.CheckpointStatus) (ir.Checkpoint, error) {
	var cp ir.Checkpoint
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		cp, err = tx.SetCheckpointStatus(ctx, agentID, subscriptionID, status)
		return err
	})
	if err != nil {
		return ir.Checkpoint{}, err
	}
	return cp, nil
}

const checkpointColumns = `agent_id, subscription_id, last_processed_position, last_event_id,
	status, events_processed, consecutive_failures, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (ir.Checkpoint, error) {
	var (
		cp        ir.Checkpoint
		status    string
		updatedMs int64
	)
	if err := row.Scan(
		&cp.AgentID,
		&cp.SubscriptionID,
		&cp.LastProcessedPosition,
		&cp.LastEventID,
		&status,
		&cp.EventsProcessed,
		&cp.ConsecutiveFailures,
		&updatedMs,
	); err != nil {
		return ir.Checkpoint{}, err
	}
	cp.Status = ir.CheckpointStatus(status)
	cp.UpdatedAt = fromMs(updatedMs)
	return cp, nil
}

func readCheckpoint(ctx context.Context, q queryer, agentID, subscriptionID string) (ir.Checkpoint, error) {
	cp, err := scanCheckpoint(q.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM agent_checkpoints
		WHERE agent_id = ? AND subscription_id = ?
	`, agentID, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return cp, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// ErrNotPending is returned when a terminal dead letter is asked to
// transition again.
var ErrNotPending = errors.New("not pending")

// DeadLetterFailure describes one failed processing attempt.
type DeadLetterFailure struct {
	AgentID        string
	SubscriptionID string
	EventID        string
	GlobalPosition int64
	Error          string
}

// RecordDeadLetter is the transactional form of Store.RecordDeadLetter.
func (tx *Tx) RecordDeadLetter(ctx context.Context, f DeadLetterFailure) (ir.DeadLetter, error) {
	if f.AgentID == "" || f.EventID == "" {
		return ir.DeadLetter{}, fmt.Errorf("record dead letter: %w: agent_id and event_id are required", ErrInvalidRequest)
	}

	// First failure inserts. Later failures bump the attempt count of a
	// pending row; terminal rows are left untouched.
	nowMs := ms(tx.now)
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO agent_dead_letters
		(agent_id, event_id, subscription_id, global_position, error, attempt_count, status, first_failed_at, last_failed_at)
		VALUES (?, ?, ?, ?, ?, 1, 'pending', ?, ?)
		ON CONFLICT(agent_id, event_id) DO UPDATE SET
			attempt_count = agent_dead_letters.attempt_count + 1,
			error = excluded.error,
			last_failed_at = excluded.last_failed_at
		WHERE agent_dead_letters.status = 'pending'
	`, f.AgentID, f.EventID, f.SubscriptionID, f.GlobalPosition, f.Error, nowMs, nowMs); err != nil {
		return ir.DeadLetter{}, fmt.Errorf("record dead letter: upsert: %w", err)
	}

	dl, err := readDeadLetter(ctx, tx.tx, f.AgentID, f.EventID)
	if err != nil {
		return ir.DeadLetter{}, fmt.Errorf("record dead letter: %w", err)
	}
	return dl, nil
}

// RecordDeadLetter quarantines an event for an agent, or records another
// failed attempt for an already pending entry.
func (s *Store) RecordDeadLetter(ctx context.Context, f DeadLetterFailure) (ir.DeadLetter, error) {
	var dl ir.DeadLetter
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		dl, err = tx.RecordDeadLetter(ctx, f)
		return err
	})
	if err != nil {
		return ir.DeadLetter{}, err
	}
	return dl, nil
}

// UpdateDeadLetterStatus is the transactional form of Store.UpdateDeadLetterStatus.
func (tx *Tx) UpdateDeadLetterStatus(ctx context.Context, agentID, eventID string, status ir.DeadLetterStatus) (ir.DeadLetter, error) {
	if status != ir.DeadLetterReplayed && status != ir.DeadLetterIgnored {
		return ir.DeadLetter{}, fmt.Errorf("update dead letter: %w: target status must be replayed or ignored, got %q", ErrInvalidRequest, status)
	}

	res, err := tx.tx.ExecContext(ctx, `
		UPDATE agent_dead_letters
		SET status = ?
		WHERE agent_id = ? AND event_id = ? AND status = 'pending'
	`, string(status), agentID, eventID)
	if err != nil {
		return ir.DeadLetter{}, fmt.Errorf("update dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.DeadLetter{}, fmt.Errorf("update dead letter: rows affected: %w", err)
	}

	dl, err := readDeadLetter(ctx, tx.tx, agentID, eventID)
	if err != nil {
		return ir.DeadLetter{}, fmt.Errorf("update dead letter: %w", err)
	}
	if n == 0 {
		return dl, fmt.Errorf("update dead letter %s/%s: %w (status %s)", agentID, eventID, ErrNotPending, dl.Status)
	}
	return dl, nil
}

// UpdateDeadLetterStatus moves a pending dead letter to replayed or
// ignored. Terminal entries return ErrNotPending.
func (s *Store) UpdateDeadLetterStatus(ctx context.Context, agentID, eventID string, status ir.DeadLetterStatus) (ir.DeadLetter, error) {
	var dl ir.DeadLetter
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		dl, err = tx.UpdateDeadLetterStatus(ctx, agentID, eventID, status)
		return err
	})
	if err != nil {
		return dl, err
	}
	return dl, nil
}

// GetDeadLetter returns one dead letter, or ErrNotFound.
func (s *Store) GetDeadLetter(ctx context.Context, agentID, eventID string) (ir.DeadLetter, error) {
	dl, err := readDeadLetter(ctx, s.db, agentID, eventID)
	if err != nil {
		return ir.DeadLetter{}, fmt.Errorf("get dead letter %s/%s: %w", agentID, eventID, err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters, optionally filtered by agent and
// status, oldest failure first.
func (s *Store) ListDeadLetters(ctx context.Context, agentID string, status ir.DeadLetterStatus) ([]ir.DeadLetter, error) {
	var (
		where []string
		args  []any
	)
	if agentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, agentID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	query := `SELECT ` + deadLetterColumns + ` FROM agent_dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY first_failed_at ASC, agent_id ASC, event_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]ir.DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

const deadLetterColumns = `agent_id, subscription_id, event_id, global_position, error,
	attempt_count, status, first_failed_at, last_failed_at`

func scanDeadLetter(row rowScanner) (ir.DeadLetter, error) {
	var (
		dl       ir.DeadLetter
		status   string
		firstMs  int64
		latestMs int64
	)
	if err := row.Scan(
		&dl.AgentID,
		&dl.SubscriptionID,
		&dl.EventID,
		&dl.GlobalPosition,
		&dl.Error,
		&dl.AttemptCount,
		&status,
		&firstMs,
		&latestMs,
	); err != nil {
		return ir.DeadLetter{}, err
	}
	dl.Status = ir.DeadLetterStatus(status)
	dl.FirstFailedAt = fromMs(firstMs)
	dl.LastFailedAt = fromMs(latestMs)
	return dl, nil
}

func readDeadLetter(ctx context.Context, q queryer, agentID, eventID string) (ir.DeadLetter, error) {
	dl, err := scanDeadLetter(q.QueryRowContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM agent_dead_letters
		WHERE agent_id = ? AND event_id = ?
	`, agentID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return ir.DeadLetter{}, fmt.Errorf("read dead letter: %w", err)
	}
	return dl, nil
}

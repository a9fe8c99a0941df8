package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// RecordCommand enters a command into the idempotency ledger.
//
// The ledger uses post-insert verification instead of a UNIQUE constraint:
// every caller inserts its own row, then reads back the lowest row id for
// the command id. The caller owning that row reports RecordNew; any other
// caller deletes its own row and reports RecordDuplicate with the winner's
// status and result. Two concurrent submissions of one command id
// therefore yield exactly one new and one duplicate, and one row survives.
func (s *Store) RecordCommand(ctx context.Context, cmd ir.Command) (ir.RecordCommandResult, error) {
	switch {
	case cmd.CommandID == "":
		return ir.RecordCommandResult{}, fmt.Errorf("record command: %w: command_id is required", ErrInvalidRequest)
	case cmd.CommandType == "":
		return ir.RecordCommandResult{}, fmt.Errorf("record command: %w: command_type is required", ErrInvalidRequest)
	case cmd.TargetContext == "":
		return ir.RecordCommandResult{}, fmt.Errorf("record command: %w: target_context is required", ErrInvalidRequest)
	}

	payload, err := ir.Canonicalize(cmd.Payload)
	if err != nil {
		return ir.RecordCommandResult{}, fmt.Errorf("record command: %w: payload: %v", ErrInvalidRequest, err)
	}
	cmd.Payload = payload
	fingerprint, err := ir.CommandFingerprint(cmd)
	if err != nil {
		return ir.RecordCommandResult{}, fmt.Errorf("record command: %w", err)
	}

	nowMs := ms(s.Now())
	var ownID int64
	err = retryOp(ctx, s.retry, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO commands
			(command_id, command_type, target_context, payload, fingerprint, correlation_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		`,
			cmd.CommandID,
			cmd.CommandType,
			cmd.TargetContext,
			string(cmd.Payload),
			fingerprint,
			cmd.Metadata.CorrelationID,
			nowMs,
			nowMs,
		)
		if err != nil {
			return err
		}
		ownID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return ir.RecordCommandResult{}, fmt.Errorf("record command: insert: %w", err)
	}

	winner, err := readCommandRow(ctx, s.db, cmd.CommandID)
	if err != nil {
		return ir.RecordCommandResult{}, fmt.Errorf("record command: verify: %w", err)
	}
	if winner.id == ownID {
		return ir.RecordCommandResult{Status: ir.RecordNew}, nil
	}

	err = retryOp(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE id = ?`, ownID)
		return err
	})
	if err != nil {
		return ir.RecordCommandResult{}, fmt.Errorf("record command: delete duplicate: %w", err)
	}

	return ir.RecordCommandResult{
		Status:              ir.RecordDuplicate,
		CommandStatus:       winner.Status,
		Result:              winner.Result,
		FingerprintMismatch: winner.fingerprint != fingerprint,
	}, nil
}

// UpdateCommandStatus records the outcome of a command recorded earlier.
func (s *Store) UpdateCommandStatus(ctx context.Context, commandID string, status ir.CommandStatus, result []byte) error {
	var resultJSON any
	if len(result) > 0 {
		canonical, err := ir.Canonicalize(result)
		if err != nil {
			return fmt.Errorf("update command status: %w: result: %v", ErrInvalidRequest, err)
		}
		resultJSON = string(canonical)
	}

	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, result = ?, updated_at = ?
			WHERE id = (SELECT MIN(id) FROM commands WHERE command_id = ?)
		`, string(status), resultJSON, ms(tx.now), commandID)
		if err != nil {
			return fmt.Errorf("update command status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update command status: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("update command status %s: %w", commandID, ErrNotFound)
		}
		return nil
	})
}

// GetCommand returns the ledger record for a command id, or ErrNotFound.
func (s *Store) GetCommand(ctx context.Context, commandID string) (ir.CommandRecord, error) {
	row, err := readCommandRow(ctx, s.db, commandID)
	if err != nil {
		return ir.CommandRecord{}, fmt.Errorf("get command %s: %w", commandID, err)
	}
	return row.CommandRecord, nil
}

// CountCommands returns how many ledger rows exist for a command id.
func (s *Store) CountCommands(ctx context.Context, commandID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commands WHERE command_id = ?`, commandID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return n, nil
}

type commandRow struct {
	ir.CommandRecord
	id          int64
	fingerprint string
}

// readCommandRow returns the winning (lowest id) row for a command id.
func readCommandRow(ctx context.Context, q queryer, commandID string) (commandRow, error) {
	var (
		row       commandRow
		payload   string
		status    string
		result    sql.NullString
		createdMs int64
		updatedMs int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, command_id, command_type, target_context, payload, fingerprint,
			correlation_id, status, result, created_at, updated_at
		FROM commands
		WHERE command_id = ?
		ORDER BY id ASC
		LIMIT 1
	`, commandID).Scan(
		&row.id,
		&row.CommandID,
		&row.CommandType,
		&row.TargetContext,
		&payload,
		&row.fingerprint,
		&row.CorrelationID,
		&status,
		&result,
		&createdMs,
		&updatedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return commandRow{}, ErrNotFound
	}
	if err != nil {
		return commandRow{}, fmt.Errorf("read command: %w", err)
	}
	row.Payload = []byte(payload)
	row.Status = ir.CommandStatus(status)
	if result.Valid {
		row.Result = []byte(result.String)
	}
	row.CreatedAt = fromMs(createdMs)
	row.UpdatedAt = fromMs(updatedMs)
	return row, nil
}

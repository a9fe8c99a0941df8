package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// GetOrCreateScope returns the scope's version, creating it at version 0
// if it does not exist yet. Idempotent.
func (s *Store) GetOrCreateScope(ctx context.Context, key ir.ScopeKey) (ir.ScopeHandle, error) {
	var h ir.ScopeHandle
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		h, err = tx.GetOrCreateScope(ctx, key)
		return err
	})
	if err != nil {
		return ir.ScopeHandle{}, err
	}
	return h, nil
}

// GetOrCreateScope is the transactional form of Store.GetOrCreateScope.
func (tx *Tx) GetOrCreateScope(ctx context.Context, key ir.ScopeKey) (ir.ScopeHandle, error) {
	tenantID, scopeType, scopeID, err := key.Parse()
	if err != nil {
		return ir.ScopeHandle{}, fmt.Errorf("get or create scope: %w: %v", ErrInvalidRequest, err)
	}

	nowMs := ms(tx.now)
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO dcb_scopes
		(scope_key, tenant_id, scope_type, scope_id, current_version, stream_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '[]', ?, ?)
		ON CONFLICT(scope_key) DO NOTHING
	`, string(key), tenantID, scopeType, scopeID, nowMs, nowMs)
	if err != nil {
		return ir.ScopeHandle{}, fmt.Errorf("get or create scope: insert: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return ir.ScopeHandle{}, fmt.Errorf("get or create scope: rows affected: %w", err)
	}

	scope, err := readScope(ctx, tx.tx, key)
	if err != nil {
		return ir.ScopeHandle{}, fmt.Errorf("get or create scope: %w", err)
	}
	return ir.ScopeHandle{
		ScopeKey:       key,
		CurrentVersion: scope.CurrentVersion,
		IsNew:          inserted == 1,
	}, nil
}

// CheckScopeVersion compares expected with the stored version without
// writing anything.
func (s *Store) CheckScopeVersion(ctx context.Context, key ir.ScopeKey, expected int64) (ir.ScopeCheck, error) {
	check, err := checkScopeVersion(ctx, s.db, key, expected)
	if err != nil {
		return ir.ScopeCheck{}, fmt.Errorf("check scope version: %w", err)
	}
	return check, nil
}

// CheckScopeVersion is the transactional form of Store.CheckScopeVersion.
func (tx *Tx) CheckScopeVersion(ctx context.Context, key ir.ScopeKey, expected int64) (ir.ScopeCheck, error) {
	check, err := checkScopeVersion(ctx, tx.tx, key, expected)
	if err != nil {
		return ir.ScopeCheck{}, fmt.Errorf("check scope version: %w", err)
	}
	return check, nil
}

func checkScopeVersion(ctx context.Context, q queryer, key ir.ScopeKey, expected int64) (ir.ScopeCheck, error) {
	scope, err := readScope(ctx, q, key)
	if IsNotFound(err) {
		return ir.ScopeCheck{Status: ir.ScopeNotFound}, nil
	}
	if err != nil {
		return ir.ScopeCheck{}, err
	}
	if scope.CurrentVersion != expected {
		return ir.ScopeCheck{Status: ir.ScopeMismatch, CurrentVersion: scope.CurrentVersion}, nil
	}
	return ir.ScopeCheck{Status: ir.ScopeMatch, CurrentVersion: scope.CurrentVersion}, nil
}

// CommitScope bumps the scope version by exactly one if expected equals
// the stored version, and merges streamIDs into the scope's member set.
// A missing scope counts as version 0 and is created by a commit that
// expects 0. A mismatch returns ScopeCommitConflict with CurrentVersion.
func (s *Store) CommitScope(ctx context.Context, key ir.ScopeKey, expected int64, streamIDs []string) (ir.ScopeCommitResult, error) {
	var res ir.ScopeCommitResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.CommitScope(ctx, key, expected, streamIDs)
		return err
	})
	if err != nil {
		return ir.ScopeCommitResult{}, err
	}
	return res, nil
}

// CommitScope is the transactional form of Store.CommitScope.
func (tx *Tx) CommitScope(ctx context.Context, key ir.ScopeKey, expected int64, streamIDs []string) (ir.ScopeCommitResult, error) {
	handle, err := tx.GetOrCreateScope(ctx, key)
	if err != nil {
		return ir.ScopeCommitResult{}, fmt.Errorf("commit scope: %w", err)
	}
	if handle.CurrentVersion != expected {
		return ir.ScopeCommitResult{
			Status:         ir.ScopeCommitConflict,
			CurrentVersion: handle.CurrentVersion,
		}, nil
	}

	scope, err := readScope(ctx, tx.tx, key)
	if err != nil {
		return ir.ScopeCommitResult{}, fmt.Errorf("commit scope: %w", err)
	}
	members, err := json.Marshal(mergeStreamIDs(scope.StreamIDs, streamIDs))
	if err != nil {
		return ir.ScopeCommitResult{}, fmt.Errorf("commit scope: marshal stream ids: %w", err)
	}

	res, err := tx.tx.ExecContext(ctx, `
		UPDATE dcb_scopes
		SET current_version = current_version + 1, stream_ids = ?, updated_at = ?
		WHERE scope_key = ? AND current_version = ?
	`, string(members), ms(tx.now), string(key), expected)
	if err != nil {
		return ir.ScopeCommitResult{}, fmt.Errorf("commit scope: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.ScopeCommitResult{}, fmt.Errorf("commit scope: rows affected: %w", err)
	}
	if n != 1 {
		current, err := readScope(ctx, tx.tx, key)
		if err != nil {
			return ir.ScopeCommitResult{}, fmt.Errorf("commit scope: %w", err)
		}
		return ir.ScopeCommitResult{Status: ir.ScopeCommitConflict, CurrentVersion: current.CurrentVersion}, nil
	}

	return ir.ScopeCommitResult{Status: ir.ScopeCommitSuccess, NewVersion: expected + 1}, nil
}

// GetScope returns the full scope record, or ErrNotFound.
func (s *Store) GetScope(ctx context.Context, key ir.ScopeKey) (ir.Scope, error) {
	scope, err := readScope(ctx, s.db, key)
	if err != nil {
		return ir.Scope{}, fmt.Errorf("get scope %s: %w", key, err)
	}
	return scope, nil
}

func readScope(ctx context.Context, q queryer, key ir.ScopeKey) (ir.Scope, error) {
	var (
		scope     ir.Scope
		members   string
		createdMs int64
		updatedMs int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT scope_key, tenant_id, scope_type, scope_id, current_version, stream_ids, created_at, updated_at
		FROM dcb_scopes
		WHERE scope_key = ?
	`, string(key)).Scan(
		&scope.ScopeKey,
		&scope.TenantID,
		&scope.ScopeType,
		&scope.ScopeID,
		&scope.CurrentVersion,
		&members,
		&createdMs,
		&updatedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Scope{}, ErrNotFound
	}
	if err != nil {
		return ir.Scope{}, fmt.Errorf("read scope: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &scope.StreamIDs); err != nil {
		return ir.Scope{}, fmt.Errorf("read scope: decode stream ids: %w", err)
	}
	scope.CreatedAt = fromMs(createdMs)
	scope.UpdatedAt = fromMs(updatedMs)
	return scope, nil
}

// mergeStreamIDs returns the sorted union of both sets.
func mergeStreamIDs(existing, added []string) []string {
	out := make([]string, 0, len(existing)+len(added))
	out = append(out, existing...)
	out = append(out, added...)
	slices.Sort(out)
	return slices.Compact(out)
}

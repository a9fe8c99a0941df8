package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// PutSnapshot writes the current-state record of an entity. It is meant to
// run in the same Tx as the event append that produced the new state.
func (tx *Tx) PutSnapshot(ctx context.Context, snap ir.Snapshot) error {
	if snap.Context == "" || snap.EntityID == "" {
		return fmt.Errorf("put snapshot: %w: context and entity_id are required", ErrInvalidRequest)
	}
	state, err := ir.Canonicalize(snap.State)
	if err != nil {
		return fmt.Errorf("put snapshot: %w: state: %v", ErrInvalidRequest, err)
	}

	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO cms_snapshots (context, entity_id, version, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(context, entity_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, snap.Context, snap.EntityID, snap.Version, string(state), ms(tx.now)); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot is the transactional form of Store.GetSnapshot.
func (tx *Tx) GetSnapshot(ctx context.Context, boundedContext, entityID string) (ir.Snapshot, error) {
	snap, err := readSnapshot(ctx, tx.tx, boundedContext, entityID)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("get snapshot %s/%s: %w", boundedContext, entityID, err)
	}
	return snap, nil
}

// GetSnapshot returns the current-state record of an entity, or ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, boundedContext, entityID string) (ir.Snapshot, error) {
	snap, err := readSnapshot(ctx, s.db, boundedContext, entityID)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("get snapshot %s/%s: %w", boundedContext, entityID, err)
	}
	return snap, nil
}

func readSnapshot(ctx context.Context, q queryer, boundedContext, entityID string) (ir.Snapshot, error) {
	var (
		snap      ir.Snapshot
		state     string
		updatedMs int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT context, entity_id, version, state, updated_at
		FROM cms_snapshots
		WHERE context = ? AND entity_id = ?
	`, boundedContext, entityID).Scan(&snap.Context, &snap.EntityID, &snap.Version, &state, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	snap.State = []byte(state)
	snap.UpdatedAt = fromMs(updatedMs)
	return snap, nil
}

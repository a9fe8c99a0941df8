// Package contexts holds the dual-write helpers shared by the bounded
// contexts under it. A dual write appends an entity's events and stores
// its new current state (the CMS snapshot) in the same transaction, with
// the snapshot version equal to the stream version.
package contexts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

// CodeConcurrentModification rejects a command whose entity moved
// between load and append.
const CodeConcurrentModification = "CONCURRENT_MODIFICATION"

// ErrConflict is wrapped by Commit when the stream moved.
var ErrConflict = errors.New("concurrent modification")

// Change is one dual write.
type Change struct {
	BoundedContext  string
	StreamType      string
	StreamID        string
	ExpectedVersion int64
	CorrelationID   string
	CausationID     string
	Events          []ir.NewEvent
	// State is the entity after Events; it is JSON encoded.
	State any
}

// Commit appends c.Events and stores c.State as the snapshot of
// c.StreamID. A version conflict returns an error wrapping ErrConflict so
// the enclosing transaction rolls back.
func Commit(ctx context.Context, tx *store.Tx, c Change) (ir.AppendResult, error) {
	state, err := json.Marshal(c.State)
	if err != nil {
		return ir.AppendResult{}, fmt.Errorf("encode %s state: %w", c.StreamID, err)
	}
	res, err := tx.AppendToStream(ctx, ir.AppendRequest{
		StreamType:      c.StreamType,
		StreamID:        c.StreamID,
		ExpectedVersion: c.ExpectedVersion,
		BoundedContext:  c.BoundedContext,
		CorrelationID:   c.CorrelationID,
		CausationID:     c.CausationID,
		Events:          c.Events,
	})
	if err != nil {
		return ir.AppendResult{}, err
	}
	if res.Status == ir.AppendConflict {
		return res, fmt.Errorf("%s %s: %w: expected version %d, found %d",
			c.StreamType, c.StreamID, ErrConflict, c.ExpectedVersion, res.CurrentVersion)
	}
	if err := tx.PutSnapshot(ctx, ir.Snapshot{
		Context:  c.BoundedContext,
		EntityID: c.StreamID,
		Version:  res.NewVersion,
		State:    state,
	}); err != nil {
		return ir.AppendResult{}, err
	}
	return res, nil
}

// Load decodes the snapshot of entityID. found is false and version 0
// when the entity has never been written.
func Load[T any](ctx context.Context, tx *store.Tx, boundedContext, entityID string) (state T, version int64, found bool, err error) {
	snap, err := tx.GetSnapshot(ctx, boundedContext, entityID)
	if store.IsNotFound(err) {
		return state, 0, false, nil
	}
	if err != nil {
		return state, 0, false, err
	}
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return state, 0, false, fmt.Errorf("decode %s/%s: %w", boundedContext, entityID, err)
	}
	return state, snap.Version, true, nil
}

// Get is Load outside a transaction.
func Get[T any](ctx context.Context, st *store.Store, boundedContext, entityID string) (state T, version int64, err error) {
	snap, err := st.GetSnapshot(ctx, boundedContext, entityID)
	if err != nil {
		return state, 0, err
	}
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return state, 0, fmt.Errorf("decode %s/%s: %w", boundedContext, entityID, err)
	}
	return state, snap.Version, nil
}

// AsRejection maps a conflict to a command rejection and passes other
// errors through.
func AsRejection(err error) error {
	if errors.Is(err, ErrConflict) {
		return commandbus.Reject(CodeConcurrentModification, err.Error())
	}
	return err
}

// Decode unmarshals a command payload, rejecting malformed input.
func Decode(cmd ir.Command, v any) error {
	if err := json.Unmarshal(cmd.Payload, v); err != nil {
		return commandbus.Reject("INVALID_PAYLOAD", fmt.Sprintf("%s: %v", cmd.CommandType, err))
	}
	return nil
}

package dcb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
	"github.com/libar-dev/libar-platform/internal/telemetry"
)

// AnyVersion skips the per-stream version check of a Write. The scope
// version still serializes writers inside the scope.
const AnyVersion int64 = -1

// Write is one stream's share of a decision: events to append and,
// optionally, the entity's new current state.
type Write struct {
	StreamType      string
	StreamID        string
	ExpectedVersion int64
	Events          []ir.NewEvent
	// Snapshot, when set, is stored with the stream's new version.
	Snapshot json.RawMessage
}

// Decision is what a decider returns. A non-empty RejectCode rejects the
// command and nothing is written.
type Decision struct {
	RejectCode   string
	RejectReason string
	Writes       []Write
	Data         any
}

// Reject builds a rejecting decision.
func Reject(code, reason string) Decision {
	return Decision{RejectCode: code, RejectReason: reason}
}

// Command is a scoped operation: Load reads the state the decision needs
// from inside the transaction, Decide is a pure function of that state.
type Command[S any] struct {
	ScopeKey        ir.ScopeKey
	ExpectedVersion int64
	BoundedContext  string
	CorrelationID   string
	Load            func(ctx context.Context, tx *store.Tx) (S, error)
	Decide          func(state S) Decision
}

// conflictError aborts the transaction on a version conflict.
type conflictError struct {
	current int64
	stream  string
}

func (e *conflictError) Error() string {
	if e.stream != "" {
		return fmt.Sprintf("stream %s moved to version %d", e.stream, e.current)
	}
	return fmt.Sprintf("scope moved to version %d", e.current)
}

// Execute runs one attempt of cmd: check the scope version, load, decide,
// append every write, store snapshots and bump the scope, all in one
// transaction. A stale scope or stream yields a Conflict result carrying
// the scope's current version; a decider rejection yields Rejected. Only
// infrastructure failures are returned as errors.
func Execute[S any](ctx context.Context, st *store.Store, cmd Command[S]) (res Result, err error) {
	ctx, span := telemetry.Start(ctx, "dcb", telemetry.SpanDCBExecute,
		telemetry.AttrScope.String(string(cmd.ScopeKey)))
	defer func() {
		span.SetAttributes(telemetry.AttrStatus.String(string(res.Status)))
		telemetry.End(span, err)
	}()

	if err := cmd.ScopeKey.Validate(); err != nil {
		return Result{}, fmt.Errorf("dcb execute: %w", err)
	}
	if cmd.Load == nil || cmd.Decide == nil {
		return Result{}, fmt.Errorf("dcb execute %s: Load and Decide are required", cmd.ScopeKey)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		res, err = executeTx(ctx, tx, cmd)
		if err != nil {
			return err
		}
		if res.Status != StatusSuccess {
			return errRollback
		}
		return nil
	})

	var ce *conflictError
	switch {
	case errors.Is(err, errRollback):
		return res, nil
	case errors.As(err, &ce):
		slog.Info("dcb conflict", "event", "dcb_conflict",
			"scope", cmd.ScopeKey, "expected", cmd.ExpectedVersion, "current", ce.current, "stream", ce.stream)
		return Conflict(cmd.ScopeKey, cmd.ExpectedVersion, ce.current), nil
	case err != nil:
		return Result{}, fmt.Errorf("dcb execute %s: %w", cmd.ScopeKey, err)
	}
	return res, nil
}

// errRollback discards the transaction of a non-success attempt.
var errRollback = errors.New("dcb: rollback")

func executeTx[S any](ctx context.Context, tx *store.Tx, cmd Command[S]) (Result, error) {
	check, err := tx.CheckScopeVersion(ctx, cmd.ScopeKey, cmd.ExpectedVersion)
	if err != nil {
		return Result{}, err
	}
	if check.Status == ir.ScopeMismatch || (check.Status == ir.ScopeNotFound && cmd.ExpectedVersion != 0) {
		return Result{}, &conflictError{current: check.CurrentVersion}
	}

	state, err := cmd.Load(ctx, tx)
	if err != nil {
		return Result{}, fmt.Errorf("load: %w", err)
	}
	decision := cmd.Decide(state)
	if decision.RejectCode != "" {
		return Rejected(decision.RejectCode, decision.RejectReason), nil
	}

	var (
		eventIDs  []string
		streamIDs []string
	)
	_, _, scopeID, _ := cmd.ScopeKey.Parse()
	for _, w := range decision.Writes {
		expected := w.ExpectedVersion
		if expected == AnyVersion {
			if expected, err = tx.StreamVersion(ctx, w.StreamType, w.StreamID); err != nil {
				return Result{}, err
			}
		}
		correlation := cmd.CorrelationID
		if correlation == "" {
			correlation = scopeID
		}
		appended, err := tx.AppendToStream(ctx, ir.AppendRequest{
			StreamType:      w.StreamType,
			StreamID:        w.StreamID,
			ExpectedVersion: expected,
			BoundedContext:  cmd.BoundedContext,
			CorrelationID:   correlation,
			Events:          w.Events,
		})
		if err != nil {
			return Result{}, err
		}
		if appended.Status == ir.AppendConflict {
			return Result{}, &conflictError{current: cmd.ExpectedVersion, stream: w.StreamType + ":" + w.StreamID}
		}
		eventIDs = append(eventIDs, appended.EventIDs...)
		streamIDs = append(streamIDs, w.StreamType+":"+w.StreamID)

		if w.Snapshot != nil {
			if err := tx.PutSnapshot(ctx, ir.Snapshot{
				Context:  cmd.BoundedContext,
				EntityID: w.StreamID,
				Version:  appended.NewVersion,
				State:    w.Snapshot,
			}); err != nil {
				return Result{}, err
			}
		}
	}

	commit, err := tx.CommitScope(ctx, cmd.ScopeKey, cmd.ExpectedVersion, slices.Compact(slices.Sorted(slices.Values(streamIDs))))
	if err != nil {
		return Result{}, err
	}
	if commit.Status == ir.ScopeCommitConflict {
		return Result{}, &conflictError{current: commit.CurrentVersion}
	}

	var data json.RawMessage
	if decision.Data != nil {
		if data, err = json.Marshal(decision.Data); err != nil {
			return Result{}, fmt.Errorf("encode decision data: %w", err)
		}
	}
	return Success(data, eventIDs, commit.NewVersion), nil
}

// ScopedOperation adapts a Command builder into an Operation so a scoped
// command can be registered for retries. build decodes the operation's
// args and returns the command for the given scope version.
func ScopedOperation[A, S any](st *store.Store, build func(args A, expectedVersion int64) (Command[S], error)) Operation {
	return func(ctx context.Context, expectedVersion int64, raw json.RawMessage) (Result, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return Result{}, fmt.Errorf("decode args: %w", err)
			}
		}
		cmd, err := build(args, expectedVersion)
		if err != nil {
			return Result{}, err
		}
		cmd.ExpectedVersion = expectedVersion
		return Execute(ctx, st, cmd)
	}
}

// Package commandbus routes commands to their handlers through the
// idempotency ledger, so a command id is executed at most once no matter
// how often it is submitted.
package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
	"github.com/libar-dev/libar-platform/internal/telemetry"
)

// ErrNoHandler is returned for a command type with no registered handler.
var ErrNoHandler = errors.New("commandbus: no handler")

// Handler executes a command and returns its result document.
// Returning a *RejectionError records a business rejection; any other
// error records a failure and is returned to the caller.
type Handler func(ctx context.Context, cmd ir.Command) (json.RawMessage, error)

// RejectionError is a business refusal. It is data, not a fault.
type RejectionError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Reject builds a RejectionError for a handler to return.
func Reject(code, reason string) error {
	return &RejectionError{Code: code, Reason: reason}
}

// IsRejection reports whether err is a business rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// Result is the outcome of Dispatch. For duplicates it describes the
// earlier submission.
type Result struct {
	Status              ir.RecordStatus  `json:"status"`
	CommandStatus       ir.CommandStatus `json:"command_status"`
	Result              json.RawMessage  `json:"result,omitempty"`
	FingerprintMismatch bool             `json:"fingerprint_mismatch,omitempty"`
}

type route struct {
	targetContext string
	handler       Handler
}

// Bus dispatches commands. Construct with New.
type Bus struct {
	store *store.Store

	mu     sync.RWMutex
	routes map[string]route
}

// New creates a bus over the store's command ledger.
func New(st *store.Store) *Bus {
	return &Bus{store: st, routes: make(map[string]route)}
}

// Register routes commandType to h in targetContext.
func (b *Bus) Register(commandType, targetContext string, h Handler) error {
	if commandType == "" || targetContext == "" || h == nil {
		return fmt.Errorf("commandbus: register requires type, context and handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.routes[commandType]; exists {
		return fmt.Errorf("commandbus: %q already registered", commandType)
	}
	b.routes[commandType] = route{targetContext: targetContext, handler: h}
	return nil
}

// Dispatch records cmd in the ledger and, if it is new, runs its handler
// and records the outcome. A duplicate returns the first submission's
// status without running anything.
//
// Empty CommandID, TargetContext, timestamp and correlation id are filled
// in before recording.
func (b *Bus) Dispatch(ctx context.Context, cmd ir.Command) (res Result, err error) {
	ctx, span := telemetry.Start(ctx, "commandbus", telemetry.SpanCommandDispatch,
		telemetry.AttrCommand.String(cmd.CommandType))
	defer func() {
		span.SetAttributes(
			telemetry.AttrCommandID.String(cmd.CommandID),
			telemetry.AttrStatus.String(string(res.CommandStatus)))
		telemetry.End(span, err)
	}()

	b.mu.RLock()
	rt, ok := b.routes[cmd.CommandType]
	b.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w for %q", ErrNoHandler, cmd.CommandType)
	}

	if cmd.CommandID == "" {
		cmd.CommandID = idgen.MustWithPrefix(idgen.PrefixCommand)
	}
	if cmd.TargetContext == "" {
		cmd.TargetContext = rt.targetContext
	}
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = idgen.NewCorrelationID()
	}
	if cmd.Metadata.Timestamp.IsZero() {
		cmd.Metadata.Timestamp = b.store.Now()
	}
	if len(cmd.Payload) == 0 {
		cmd.Payload = json.RawMessage("{}")
	}

	rec, err := b.store.RecordCommand(ctx, cmd)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", cmd.CommandID, err)
	}
	if rec.Status == ir.RecordDuplicate {
		if rec.FingerprintMismatch {
			slog.Warn("command id reused with different content", "event", "command_fingerprint_mismatch",
				"command_id", cmd.CommandID, "command_type", cmd.CommandType)
		}
		return Result{
			Status:              ir.RecordDuplicate,
			CommandStatus:       rec.CommandStatus,
			Result:              rec.Result,
			FingerprintMismatch: rec.FingerprintMismatch,
		}, nil
	}

	out, herr := rt.handler(ctx, cmd)
	status := ir.CommandExecuted
	var re *RejectionError
	switch {
	case errors.As(herr, &re):
		status = ir.CommandRejected
		out, _ = json.Marshal(re)
	case herr != nil:
		status = ir.CommandFailed
		out, _ = json.Marshal(map[string]string{"error": herr.Error()})
	}

	if uerr := b.store.UpdateCommandStatus(ctx, cmd.CommandID, status, out); uerr != nil {
		return Result{}, fmt.Errorf("dispatch %s: record outcome: %w", cmd.CommandID, uerr)
	}
	slog.Debug("command dispatched", "command_id", cmd.CommandID, "command_type", cmd.CommandType, "status", status)

	res = Result{Status: ir.RecordNew, CommandStatus: status, Result: out}
	if status == ir.CommandFailed {
		return res, fmt.Errorf("dispatch %s: %w", cmd.CommandID, herr)
	}
	return res, nil
}

// Get returns the ledger record of a command.
func (b *Bus) Get(ctx context.Context, commandID string) (ir.CommandRecord, error) {
	return b.store.GetCommand(ctx, commandID)
}

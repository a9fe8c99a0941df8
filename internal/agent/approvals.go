package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

// Approvals is the operator surface over pending approvals.
type Approvals struct {
	store *store.Store
	bus   Dispatcher
}

// NewApprovals creates the service. bus may be nil, in which case an
// approval only changes the record.
func NewApprovals(st *store.Store, bus Dispatcher) *Approvals {
	return &Approvals{store: st, bus: bus}
}

// ApproveResult is returned by Approve. Command is set when the approved
// action was dispatched.
type ApproveResult struct {
	Review  store.ReviewResult `json:"review"`
	Command *commandbus.Result `json:"command,omitempty"`
}

// Approve approves a pending approval and dispatches its action. State
// errors (not pending, expired, unknown id) come back in Review with no
// error. A dispatch failure is returned after the approval is recorded;
// dispatching again is safe because the command id is fixed per decision.
func (a *Approvals) Approve(ctx context.Context, approvalID, reviewer, note string) (ApproveResult, error) {
	review, err := a.store.Approve(ctx, approvalID, reviewer, note)
	if err != nil {
		return ApproveResult{}, err
	}
	out := ApproveResult{Review: review}
	if review.Status != store.ReviewOK || review.Approval == nil || a.bus == nil {
		return out, nil
	}

	appr := review.Approval
	cmd := ir.Command{
		CommandID:   CommandID(appr.DecisionID),
		CommandType: appr.Action.Type,
		Payload:     appr.Action.Payload,
	}
	res, err := a.bus.Dispatch(ctx, cmd)
	if err != nil {
		return out, fmt.Errorf("dispatch approved %s: %w", approvalID, err)
	}
	out.Command = &res
	slog.Info("approved action dispatched", "event", "approval_dispatched", "approval_id", approvalID,
		"command_id", cmd.CommandID, "status", res.CommandStatus)
	return out, nil
}

// Reject rejects a pending approval.
func (a *Approvals) Reject(ctx context.Context, approvalID, reviewer, note string) (store.ReviewResult, error) {
	return a.store.Reject(ctx, approvalID, reviewer, note)
}

// Expire moves every overdue pending approval to expired. It is safe to
// call on any schedule.
func (a *Approvals) Expire(ctx context.Context) (int, error) {
	n, err := a.store.ExpirePending(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("approvals expired", "event", "approvals_expired", "count", n)
	}
	return n, nil
}

// List returns approvals matching f.
func (a *Approvals) List(ctx context.Context, f store.ApprovalFilter) ([]ir.Approval, error) {
	return a.store.ListApprovals(ctx, f)
}

// Get returns one approval.
func (a *Approvals) Get(ctx context.Context, approvalID string) (ir.Approval, error) {
	return a.store.GetApproval(ctx, approvalID)
}

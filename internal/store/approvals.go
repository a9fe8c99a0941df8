package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// CreateStatus is the outcome of an idempotent create.
type CreateStatus string

const (
	Created       CreateStatus = "created"
	AlreadyExists CreateStatus = "already_exists"
)

// ReviewStatus is the outcome of approve or reject.
type ReviewStatus string

const (
	ReviewOK    ReviewStatus = "ok"
	ReviewError ReviewStatus = "error"
)

// ReviewResult is returned by approve and reject. State errors (not
// found, not pending, expired) are reported with Status ReviewError and a
// Message rather than as a Go error.
type ReviewResult struct {
	Status   ReviewStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Approval *ir.Approval `json:"approval,omitempty"`
}

// Review messages.
const (
	MsgApprovalNotFound = "approval not found"
	MsgApprovalExpired  = "approval has expired"
)

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	AgentID string
	Status  ir.ApprovalStatus
	Limit   int
}

// CreateApproval is the transactional form of Store.CreateApproval.
func (tx *Tx) CreateApproval(ctx context.Context, a ir.Approval) (CreateStatus, error) {
	switch {
	case a.ApprovalID == "":
		return "", fmt.Errorf("create approval: %w: approval_id is required", ErrInvalidRequest)
	case a.AgentID == "":
		return "", fmt.Errorf("create approval: %w: agent_id is required", ErrInvalidRequest)
	case a.Action.Type == "":
		return "", fmt.Errorf("create approval: %w: action type is required", ErrInvalidRequest)
	case a.Confidence < 0 || a.Confidence > 1:
		return "", fmt.Errorf("create approval: %w: confidence %v outside [0,1]", ErrInvalidRequest, a.Confidence)
	case a.ExpiresAt.IsZero():
		return "", fmt.Errorf("create approval: %w: expires_at is required", ErrInvalidRequest)
	}

	payload, err := ir.Canonicalize(a.Action.Payload)
	if err != nil {
		return "", fmt.Errorf("create approval: %w: action payload: %v", ErrInvalidRequest, err)
	}
	triggering := a.TriggeringEventIDs
	if triggering == nil {
		triggering = []string{}
	}
	triggeringJSON, err := json.Marshal(triggering)
	if err != nil {
		return "", fmt.Errorf("create approval: marshal triggering events: %w", err)
	}

	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO agent_approvals
		(approval_id, agent_id, decision_id, action_type, action_payload, confidence, reason,
		 status, triggering_event_ids, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(approval_id) DO NOTHING
	`,
		a.ApprovalID,
		a.AgentID,
		a.DecisionID,
		a.Action.Type,
		string(payload),
		a.Confidence,
		a.Reason,
		string(triggeringJSON),
		ms(a.ExpiresAt),
		ms(tx.now),
	)
	if err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("create approval: rows affected: %w", err)
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Created, nil
}

// CreateApproval stores a pending approval. A duplicate approval id is a
// no-op that reports AlreadyExists.
func (s *Store) CreateApproval(ctx context.Context, a ir.Approval) (CreateStatus, error) {
	var status CreateStatus
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		status, err = tx.CreateApproval(ctx, a)
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Approve marks a pending, unexpired approval as approved.
func (s *Store) Approve(ctx context.Context, approvalID, reviewer, note string) (ReviewResult, error) {
	return s.review(ctx, approvalID, ir.ApprovalApproved, reviewer, note)
}

// Reject marks a pending, unexpired approval as rejected.
func (s *Store) Reject(ctx context.Context, approvalID, reviewer, note string) (ReviewResult, error) {
	return s.review(ctx, approvalID, ir.ApprovalRejected, reviewer, note)
}

func (s *Store) review(ctx context.Context, approvalID string, to ir.ApprovalStatus, reviewer, note string) (ReviewResult, error) {
	var res ReviewResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.Review(ctx, approvalID, to, reviewer, note)
		return err
	})
	if err != nil {
		return ReviewResult{}, err
	}
	return res, nil
}

// Review is the transactional form of Approve and Reject. A pending
// approval found past its expiry is transitioned to expired before the
// error result is returned.
func (tx *Tx) Review(ctx context.Context, approvalID string, to ir.ApprovalStatus, reviewer, note string) (ReviewResult, error) {
	if to != ir.ApprovalApproved && to != ir.ApprovalRejected {
		return ReviewResult{}, fmt.Errorf("review approval: %w: target status must be approved or rejected, got %q", ErrInvalidRequest, to)
	}

	a, err := readApproval(ctx, tx.tx, approvalID)
	if IsNotFound(err) {
		return ReviewResult{Status: ReviewError, Message: MsgApprovalNotFound}, nil
	}
	if err != nil {
		return ReviewResult{}, fmt.Errorf("review approval: %w", err)
	}

	if a.Status != ir.ApprovalPending {
		return ReviewResult{
			Status:   ReviewError,
			Message:  fmt.Sprintf("approval is not pending (status: %s)", a.Status),
			Approval: &a,
		}, nil
	}

	nowMs := ms(tx.now)
	if nowMs >= ms(a.ExpiresAt) {
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE agent_approvals SET status = 'expired'
			WHERE approval_id = ? AND status = 'pending'
		`, approvalID); err != nil {
			return ReviewResult{}, fmt.Errorf("review approval: expire: %w", err)
		}
		a.Status = ir.ApprovalExpired
		return ReviewResult{Status: ReviewError, Message: MsgApprovalExpired, Approval: &a}, nil
	}

	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE agent_approvals
		SET status = ?, reviewed_by = ?, review_note = ?, reviewed_at = ?
		WHERE approval_id = ? AND status = 'pending'
	`, string(to), reviewer, note, nowMs, approvalID); err != nil {
		return ReviewResult{}, fmt.Errorf("review approval: update: %w", err)
	}

	updated, err := readApproval(ctx, tx.tx, approvalID)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("review approval: %w", err)
	}
	return ReviewResult{Status: ReviewOK, Approval: &updated}, nil
}

// ExpirePending transitions every pending approval whose expiry has passed
// to expired and returns how many changed. Safe to call repeatedly.
func (s *Store) ExpirePending(ctx context.Context) (int, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE agent_approvals SET status = 'expired'
			WHERE status = 'pending' AND expires_at <= ?
		`, ms(tx.now))
		if err != nil {
			return fmt.Errorf("expire pending approvals: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("expire pending approvals: rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetApproval returns one approval, or ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (ir.Approval, error) {
	a, err := readApproval(ctx, s.db, approvalID)
	if err != nil {
		return ir.Approval{}, fmt.Errorf("get approval %s: %w", approvalID, err)
	}
	return a, nil
}

// ListApprovals returns approvals newest first.
func (s *Store) ListApprovals(ctx context.Context, f ApprovalFilter) ([]ir.Approval, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + approvalColumns + ` FROM agent_approvals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, approval_id ASC LIMIT ?`
	args = append(args, sqlLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]ir.Approval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return out, nil
}

const approvalColumns = `approval_id, agent_id, decision_id, action_type, action_payload, confidence,
	reason, status, triggering_event_ids, expires_at, created_at, reviewed_by, review_note, reviewed_at`

func scanApproval(row rowScanner) (ir.Approval, error) {
	var (
		a          ir.Approval
		payload    string
		status     string
		triggering string
		expiresMs  int64
		createdMs  int64
		reviewedMs sql.NullInt64
	)
	if err := row.Scan(
		&a.ApprovalID,
		&a.AgentID,
		&a.DecisionID,
		&a.Action.Type,
		&payload,
		&a.Confidence,
		&a.Reason,
		&status,
		&triggering,
		&expiresMs,
		&createdMs,
		&a.ReviewedBy,
		&a.ReviewNote,
		&reviewedMs,
	); err != nil {
		return ir.Approval{}, err
	}
	a.Action.Payload = []byte(payload)
	a.Status = ir.ApprovalStatus(status)
	if err := json.Unmarshal([]byte(triggering), &a.TriggeringEventIDs); err != nil {
		return ir.Approval{}, fmt.Errorf("decode triggering events: %w", err)
	}
	a.ExpiresAt = fromMs(expiresMs)
	a.CreatedAt = fromMs(createdMs)
	if reviewedMs.Valid {
		t := fromMs(reviewedMs.Int64)
		a.ReviewedAt = &t
	}
	return a, nil
}

func readApproval(ctx context.Context, q queryer, approvalID string) (ir.Approval, error) {
	a, err := scanApproval(q.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM agent_approvals
		WHERE approval_id = ?
	`, approvalID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Approval{}, ErrNotFound
	}
	if err != nil {
		return ir.Approval{}, fmt.Errorf("read approval: %w", err)
	}
	return a, nil
}

package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/telemetry"
	"github.com/libar-dev/libar-platform/internal/workqueue"
)

// RetryHandler is the work queue handler name for queued continuations.
const RetryHandler = "dcb.retry"

// DefaultMaxAttempts bounds retries when none is configured.
const DefaultMaxAttempts = 5

// Request describes one attempt of a named operation. A continuation
// carries the scope version seen by the conflicting attempt and the next
// attempt number; Args never change.
type Request struct {
	Operation       string          `json:"operation"`
	ScopeKey        ir.ScopeKey     `json:"scope_key"`
	ExpectedVersion int64           `json:"expected_version"`
	Attempt         int             `json:"attempt"`
	Args            json.RawMessage `json:"args,omitempty"`
	// CorrelationID ties every attempt to the originating request.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// HandlerRegistrar is the part of a work queue that binds handlers.
type HandlerRegistrar interface {
	Register(name string, h workqueue.Handler) error
}

// RetryEngine runs registered operations and reschedules conflicts.
//
// States per logical operation:
//
//	EXECUTING -> SUCCESS | REJECTED | DEFERRED
//	DEFERRED  -> (queued, after backoff) -> EXECUTING
//
// Errors returned by an operation are not interpreted; they propagate to
// the caller, or to the work queue's retry policy for queued attempts.
type RetryEngine struct {
	registry    *Registry
	queue       workqueue.Enqueuer
	maxAttempts int
	backoff     BackoffOptions
}

// RetryOption configures a RetryEngine.
type RetryOption func(*RetryEngine)

// WithMaxAttempts sets how many conflict retries are scheduled before the
// operation is rejected.
func WithMaxAttempts(n int) RetryOption {
	return func(e *RetryEngine) {
		if n >= 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff replaces DefaultBackoff.
func WithBackoff(opts BackoffOptions) RetryOption {
	return func(e *RetryEngine) { e.backoff = opts }
}

// NewRetryEngine binds a registry to a queue.
func NewRetryEngine(registry *Registry, queue workqueue.Enqueuer, opts ...RetryOption) *RetryEngine {
	e := &RetryEngine{
		registry:    registry,
		queue:       queue,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds the continuation handler on the work queue.
func (e *RetryEngine) Register(r HandlerRegistrar) error {
	return r.Register(RetryHandler, e.handle)
}

// MaxAttempts reports the configured retry ceiling.
func (e *RetryEngine) MaxAttempts() int { return e.maxAttempts }

// Execute runs one attempt of req.
//
// Success and Rejected pass through unchanged. A Conflict on attempt n
// (0-based) with n < max schedules attempt n+1 keyed "dcb:"+scopeKey after
// CalculateBackoff(n) and returns Deferred; with n >= max it returns
// Rejected with CodeMaxRetriesExceeded. Success and every Rejected are
// reported to the operation's completion callback.
func (e *RetryEngine) Execute(ctx context.Context, req Request) (Result, error) {
	reg, ok := e.registry.lookup(req.Operation)
	if !ok {
		return Result{}, fmt.Errorf("dcb retry: unknown operation %q", req.Operation)
	}
	if err := req.ScopeKey.Validate(); err != nil {
		return Result{}, fmt.Errorf("dcb retry: %w", err)
	}

	res, err := reg.op(ctx, req.ExpectedVersion, req.Args)
	if err != nil {
		return Result{}, err
	}

	switch res.Status {
	case StatusSuccess, StatusRejected:
		e.complete(ctx, reg, req, res)
		return res, nil
	case StatusConflict:
		return e.onConflict(ctx, reg, req, res)
	}
	return Result{}, fmt.Errorf("dcb retry: operation %q returned status %q", req.Operation, res.Status)
}

func (e *RetryEngine) onConflict(ctx context.Context, reg registration, req Request, conflict Result) (Result, error) {
	if req.Attempt >= e.maxAttempts {
		slog.Warn("dcb retries exhausted", "event", "dcb_max_retries",
			"operation", req.Operation, "scope", req.ScopeKey, "attempts", req.Attempt)
		res := Rejected(CodeMaxRetriesExceeded,
			fmt.Sprintf("scope %s still conflicting after %d retries", req.ScopeKey, req.Attempt))
		res.ScopeKey = req.ScopeKey
		res.CurrentVersion = conflict.CurrentVersion
		e.complete(ctx, reg, req, res)
		return res, nil
	}

	delay := CalculateBackoff(req.Attempt, e.backoff)
	next := req
	next.ExpectedVersion = conflict.CurrentVersion
	next.Attempt = req.Attempt + 1

	ctx, span := telemetry.Start(ctx, "dcb", telemetry.SpanDCBRetry,
		telemetry.AttrScope.String(string(req.ScopeKey)),
		telemetry.AttrAttempt.Int(next.Attempt))
	args, err := json.Marshal(next)
	if err != nil {
		telemetry.End(span, err)
		return Result{}, fmt.Errorf("dcb retry: encode continuation: %w", err)
	}
	jobID, err := e.queue.Enqueue(ctx, RetryHandler, args, workqueue.Options{
		Key:      PartitionKey(req.ScopeKey),
		RunAfter: delay,
	})
	telemetry.End(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("dcb retry: enqueue attempt %d: %w", next.Attempt, err)
	}

	slog.Info("dcb retry scheduled", "event", "dcb_retry",
		"operation", req.Operation, "scope", req.ScopeKey, "attempt", next.Attempt,
		"expected", next.ExpectedVersion, "delay", delay, "job", jobID)
	return Result{
		Status:          StatusDeferred,
		ScopeKey:        req.ScopeKey,
		ExpectedVersion: next.ExpectedVersion,
		CurrentVersion:  conflict.CurrentVersion,
		Attempt:         next.Attempt,
		RetryAfter:      delay,
		JobID:           jobID,
	}, nil
}

func (e *RetryEngine) complete(ctx context.Context, reg registration, req Request, res Result) {
	if reg.onComplete != nil {
		reg.onComplete(ctx, req, res)
	}
}

// handle is the work queue entry point for continuations.
func (e *RetryEngine) handle(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("dcb retry: decode continuation: %w", err)
	}
	res, err := e.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// PartitionKey is the work queue key serializing retries of one scope.
func PartitionKey(key ir.ScopeKey) string {
	return "dcb:" + string(key)
}

package dcb

import (
	"encoding/json"
	"time"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// Status discriminates Result.
type Status string

const (
	// StatusSuccess: the decision was committed.
	StatusSuccess Status = "success"
	// StatusRejected: the decider refused, or retries ran out. Terminal.
	StatusRejected Status = "rejected"
	// StatusConflict: the scope moved since it was observed.
	StatusConflict Status = "conflict"
	// StatusDeferred: a conflict was handed to the work queue for retry.
	StatusDeferred Status = "deferred"
)

// CodeMaxRetriesExceeded is the rejection code when retries run out.
const CodeMaxRetriesExceeded = "DCB_MAX_RETRIES_EXCEEDED"

// Result is the outcome of a scoped operation. Only the fields of the
// variant named by Status are set.
type Result struct {
	Status Status `json:"status"`

	// Success.
	Data       json.RawMessage `json:"data,omitempty"`
	EventIDs   []string        `json:"event_ids,omitempty"`
	NewVersion int64           `json:"new_version,omitempty"`

	// Rejected.
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Conflict.
	ScopeKey        ir.ScopeKey `json:"scope_key,omitempty"`
	ExpectedVersion int64       `json:"expected_version,omitempty"`
	CurrentVersion  int64       `json:"current_version,omitempty"`

	// Deferred.
	Attempt    int           `json:"attempt,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	JobID      string        `json:"job_id,omitempty"`
}

// Success builds a success result.
func Success(data json.RawMessage, eventIDs []string, newVersion int64) Result {
	return Result{Status: StatusSuccess, Data: data, EventIDs: eventIDs, NewVersion: newVersion}
}

// Rejected builds a business rejection.
func Rejected(code, reason string) Result {
	return Result{Status: StatusRejected, Code: code, Reason: reason}
}

// Conflict builds a conflict result.
func Conflict(key ir.ScopeKey, expected, current int64) Result {
	return Result{Status: StatusConflict, ScopeKey: key, ExpectedVersion: expected, CurrentVersion: current}
}

// Terminal reports whether no further attempt will be made.
func (r Result) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusRejected
}

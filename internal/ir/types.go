package ir

import (
	"encoding/json"
	"time"
)

// EventCategory classifies what an event is used for.
type EventCategory string

const (
	// CategoryDomain is a fact inside one bounded context.
	CategoryDomain EventCategory = "domain"
	// CategoryIntegration is a published fact for other contexts.
	CategoryIntegration EventCategory = "integration"
	// CategoryTrigger is a thin notification carrying only identifiers.
	CategoryTrigger EventCategory = "trigger"
	// CategoryFat carries a full state snapshot.
	CategoryFat EventCategory = "fat"
)

// Valid reports whether c is one of the known categories.
func (c EventCategory) Valid() bool {
	switch c {
	case CategoryDomain, CategoryIntegration, CategoryTrigger, CategoryFat:
		return true
	}
	return false
}

// StoredEvent is an immutable fact persisted by the event store.
type StoredEvent struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	StreamType     string          `json:"stream_type"`
	StreamID       string          `json:"stream_id"`
	Version        int64           `json:"version"`         // 1-based, gap-free per stream
	GlobalPosition int64           `json:"global_position"` // see GlobalPosition
	BoundedContext string          `json:"bounded_context"`
	Category       EventCategory   `json:"category"`
	SchemaVersion  int             `json:"schema_version"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// NewEvent is one event inside an append request.
// Category defaults to CategoryDomain and SchemaVersion to 1.
type NewEvent struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Category       EventCategory   `json:"category,omitempty"`
	SchemaVersion  int             `json:"schema_version,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// AppendRequest appends events to one stream under optimistic concurrency.
type AppendRequest struct {
	StreamType      string     `json:"stream_type"`
	StreamID        string     `json:"stream_id"`
	ExpectedVersion int64      `json:"expected_version"`
	BoundedContext  string     `json:"bounded_context"`
	CorrelationID   string     `json:"correlation_id"`
	CausationID     string     `json:"causation_id,omitempty"`
	Events          []NewEvent `json:"events"`
}

// AppendStatus is the outcome of an append.
type AppendStatus string

const (
	AppendSuccess  AppendStatus = "success"
	AppendConflict AppendStatus = "conflict"
)

// AppendResult is returned by every append. A conflict is a normal result,
// not an error: nothing was written and CurrentVersion holds the stream's
// version at the time of the check.
type AppendResult struct {
	Status          AppendStatus `json:"status"`
	EventIDs        []string     `json:"event_ids,omitempty"`
	GlobalPositions []int64      `json:"global_positions,omitempty"`
	NewVersion      int64        `json:"new_version,omitempty"`
	CurrentVersion  int64        `json:"current_version,omitempty"`

	// Deduplicated is set when an idempotent append matched an existing event.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// Stream is the version counter for one aggregate instance.
type Stream struct {
	StreamType     string `json:"stream_type"`
	StreamID       string `json:"stream_id"`
	CurrentVersion int64  `json:"current_version"`
}

// Snapshot is the current-state record (CMS) written alongside events.
type Snapshot struct {
	Context   string          `json:"context"`
	EntityID  string          `json:"entity_id"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Scope is a named multi-entity consistency boundary.
type Scope struct {
	ScopeKey       ScopeKey  `json:"scope_key"`
	TenantID       string    `json:"tenant_id"`
	ScopeType      string    `json:"scope_type"`
	ScopeID        string    `json:"scope_id"`
	CurrentVersion int64     `json:"current_version"`
	StreamIDs      []string  `json:"stream_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScopeHandle is returned by get-or-create.
type ScopeHandle struct {
	ScopeKey       ScopeKey `json:"scope_key"`
	CurrentVersion int64    `json:"current_version"`
	IsNew          bool     `json:"is_new"`
}

// ScopeCheckStatus is the outcome of a read-only scope version check.
type ScopeCheckStatus string

const (
	ScopeMatch    ScopeCheckStatus = "match"
	ScopeMismatch ScopeCheckStatus = "mismatch"
	ScopeNotFound ScopeCheckStatus = "not_found"
)

// ScopeCheck reports how an expected version compares to the stored one.
type ScopeCheck struct {
	Status         ScopeCheckStatus `json:"status"`
	CurrentVersion int64            `json:"current_version,omitempty"`
}

// ScopeCommitStatus is the outcome of a scope commit.
type ScopeCommitStatus string

const (
	ScopeCommitSuccess  ScopeCommitStatus = "success"
	ScopeCommitConflict ScopeCommitStatus = "conflict"
)

// ScopeCommitResult is returned by a scope commit.
type ScopeCommitResult struct {
	Status         ScopeCommitStatus `json:"status"`
	NewVersion     int64             `json:"new_version,omitempty"`
	CurrentVersion int64             `json:"current_version,omitempty"`
}

// CheckpointStatus is the lifecycle state of an agent subscription.
type CheckpointStatus string

const (
	CheckpointActive        CheckpointStatus = "active"
	CheckpointPaused        CheckpointStatus = "paused"
	CheckpointStopped       CheckpointStatus = "stopped"
	CheckpointErrorRecovery CheckpointStatus = "error_recovery"
)

// Valid reports whether s is a known checkpoint status.
func (s CheckpointStatus) Valid() bool {
	switch s {
	case CheckpointActive, CheckpointPaused, CheckpointStopped, CheckpointErrorRecovery:
		return true
	}
	return false
}

// Checkpoint marks how far one (agent, subscription) pair has consumed the
// global event feed.
type Checkpoint struct {
	AgentID               string           `json:"agent_id"`
	SubscriptionID        string           `json:"subscription_id"`
	LastProcessedPosition int64            `json:"last_processed_position"`
	LastEventID           string           `json:"last_event_id,omitempty"`
	Status                CheckpointStatus `json:"status"`
	EventsProcessed       int64            `json:"events_processed"`
	ConsecutiveFailures   int              `json:"consecutive_failures"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// ApprovalStatus is the state of a pending approval. Every status other
// than ApprovalPending is terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// AgentAction is the command an agent wants to emit.
type AgentAction struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Approval gates a low-confidence agent decision behind a human review.
type Approval struct {
	ApprovalID         string         `json:"approval_id"`
	AgentID            string         `json:"agent_id"`
	DecisionID         string         `json:"decision_id"`
	Action             AgentAction    `json:"action"`
	Confidence         float64        `json:"confidence"`
	Reason             string         `json:"reason"`
	Status             ApprovalStatus `json:"status"`
	TriggeringEventIDs []string       `json:"triggering_event_ids"`
	ExpiresAt          time.Time      `json:"expires_at"`
	CreatedAt          time.Time      `json:"created_at"`
	ReviewedBy         string         `json:"reviewed_by,omitempty"`
	ReviewNote         string         `json:"review_note,omitempty"`
	ReviewedAt         *time.Time     `json:"reviewed_at,omitempty"`
}

// DeadLetterStatus is the state of a quarantined event. Only pending
// records are mutable.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterReplayed DeadLetterStatus = "replayed"
	DeadLetterIgnored  DeadLetterStatus = "ignored"
)

// DeadLetter quarantines an event an agent failed to process.
type DeadLetter struct {
	AgentID        string           `json:"agent_id"`
	SubscriptionID string           `json:"subscription_id"`
	EventID        string           `json:"event_id"`
	GlobalPosition int64            `json:"global_position"`
	Error          string           `json:"error"`
	AttemptCount   int              `json:"attempt_count"`
	Status         DeadLetterStatus `json:"status"`
	FirstFailedAt  time.Time        `json:"first_failed_at"`
	LastFailedAt   time.Time        `json:"last_failed_at"`
}

// Command is a request to change state in a target bounded context.
type Command struct {
	CommandID     string          `json:"command_id"`
	CommandType   string          `json:"command_type"`
	TargetContext string          `json:"target_context"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      CommandMetadata `json:"metadata"`
}

// CommandMetadata travels with every command.
type CommandMetadata struct {
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// CommandStatus is the processing state recorded in the command ledger.
type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandExecuted CommandStatus = "executed"
	CommandRejected CommandStatus = "rejected"
	CommandFailed   CommandStatus = "failed"
)

// CommandRecord is one row of the command idempotency ledger.
type CommandRecord struct {
	CommandID     string          `json:"command_id"`
	CommandType   string          `json:"command_type"`
	TargetContext string          `json:"target_context"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	Status        CommandStatus   `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RecordStatus distinguishes first submissions from duplicates.
type RecordStatus string

const (
	RecordNew       RecordStatus = "new"
	RecordDuplicate RecordStatus = "duplicate"
)

// RecordCommandResult is returned when a command is recorded in the ledger.
// CommandStatus and Result describe the earlier submission for duplicates.
type RecordCommandResult struct {
	Status        RecordStatus    `json:"status"`
	CommandStatus CommandStatus   `json:"command_status,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`

	// FingerprintMismatch is set on a duplicate whose type, target or
	// payload differs from the recorded command.
	FingerprintMismatch bool `json:"fingerprint_mismatch,omitempty"`
}

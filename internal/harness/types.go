package harness

import "encoding/json"

// TraceEvent is one stored event as it appears in a scenario trace. Event
// ids, timestamps and raw positions are omitted from golden output; Seq is
// the event's 1-based rank in the log.
type TraceEvent struct {
	Seq            int    `json:"seq"`
	Position       int64  `json:"position"`
	EventType      string `json:"event_type"`
	Stream         string `json:"stream"` // "StreamType:StreamID"
	Version        int64  `json:"version"`
	BoundedContext string `json:"bounded_context"`
	CausationID    string `json:"causation_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

// StepOutcome records what the bus answered for one setup or flow step.
type StepOutcome struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`

	Result json.RawMessage `json:"-"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Steps holds one outcome per dispatched command, setup first.
	Steps []StepOutcome `json:"steps"`

	// Trace is the full event log in global position order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepOutcome{},
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step outcome.
func (r *Result) AddStep(step StepOutcome) {
	r.Steps = append(r.Steps, step)
}

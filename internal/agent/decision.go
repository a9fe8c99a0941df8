package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/libar-dev/libar-platform/internal/ir"
)

const (
	// DefaultConfidenceThreshold gates decisions below it behind approval.
	DefaultConfidenceThreshold = 0.8
	// DefaultApprovalTTL is how long a pending approval stays open.
	DefaultApprovalTTL = 24 * time.Hour

	// Trigger-based confidence: base + per-event step, capped.
	triggerConfidenceBase = 0.5
	triggerConfidenceStep = 0.1
	triggerConfidenceCap  = 0.85
)

// Config is the per-agent decision policy.
type Config struct {
	AgentID string
	// EventTypes the agent subscribes to. Empty means every type.
	EventTypes []string
	// BoundedContext restricts the subscription; empty means every context.
	BoundedContext string
	// ConfidenceThreshold in [0,1]; decisions below it need approval.
	// Nil means DefaultConfidenceThreshold. Zero never gates on confidence.
	ConfidenceThreshold *float64
	// RequiresApproval lists command types that always need approval.
	RequiresApproval []string
	// ApprovalTTL is nil for DefaultApprovalTTL.
	ApprovalTTL *time.Duration
}

// Threshold returns the effective confidence threshold.
func (c Config) Threshold() float64 {
	if c.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *c.ConfidenceThreshold
}

// TTL returns the effective approval lifetime.
func (c Config) TTL() time.Duration {
	if c.ApprovalTTL == nil {
		return DefaultApprovalTTL
	}
	return *c.ApprovalTTL
}

func (c Config) needsApproval(commandType string, confidence float64) bool {
	return confidence < c.Threshold() || slices.Contains(c.RequiresApproval, commandType)
}

// Decision is what an agent concluded. Command is empty when the agent
// detected something but has nothing to route.
type Decision struct {
	Command          string          `json:"command"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Confidence       float64         `json:"confidence"`
	Reason           string          `json:"reason"`
	RequiresApproval bool            `json:"requires_approval"`
	TriggeringEvents []string        `json:"triggering_events"`
}

// HasCommand reports whether the decision routes a command.
func (d Decision) HasCommand() bool {
	return d.Command != ""
}

// AnalyzeError wraps an analyzer failure with the pattern it came from.
type AnalyzeError struct {
	Pattern string
	Err     error
}

func (e *AnalyzeError) Error() string {
	return fmt.Sprintf("analyze %s: %v", e.Pattern, e.Err)
}

func (e *AnalyzeError) Unwrap() error { return e.Err }

// IsAnalyzeError reports whether err came from a pattern analyzer.
func IsAnalyzeError(err error) bool {
	var ae *AnalyzeError
	return errors.As(err, &ae)
}

type legacyData struct {
	SuggestedAction *CommandSpec `json:"suggestedAction"`
}

// buildFromAnalysis prefers the explicit command and falls back to
// data.suggestedAction.
func buildFromAnalysis(res AnalysisResult, window []ir.StoredEvent, cfg Config) Decision {
	spec := res.Command
	if spec == nil && len(res.Data) > 0 {
		var legacy legacyData
		if err := json.Unmarshal(res.Data, &legacy); err == nil && legacy.SuggestedAction != nil && legacy.SuggestedAction.Type != "" {
			spec = legacy.SuggestedAction
		}
	}

	triggering := res.MatchingEventIDs
	if len(triggering) == 0 {
		triggering = eventIDs(window)
	}
	d := Decision{
		Confidence:       max(0, min(1, res.Confidence)),
		Reason:           res.Reasoning,
		TriggeringEvents: append([]string(nil), triggering...),
	}
	if spec != nil {
		d.Command = spec.Type
		d.Payload = spec.Payload
	}
	d.RequiresApproval = cfg.needsApproval(d.Command, d.Confidence)
	return d
}

// TriggerConfidence is the heuristic confidence of a decision backed only
// by a trigger: more corroborating events raise it, never past 0.85.
func TriggerConfidence(eventCount int) float64 {
	return min(triggerConfidenceCap, triggerConfidenceBase+float64(eventCount)*triggerConfidenceStep)
}

func buildFromTrigger(p Pattern, window []ir.StoredEvent, cfg Config) (Decision, error) {
	d := Decision{
		Confidence:       TriggerConfidence(len(window)),
		Reason:           fmt.Sprintf("pattern %s triggered by %d events", p.Name, len(window)),
		TriggeringEvents: eventIDs(window),
	}
	if p.DefaultCommand != nil {
		d.Command = p.DefaultCommand.Type
		d.Payload = json.RawMessage("{}")
		if p.DefaultCommand.Payload != nil {
			payload, err := p.DefaultCommand.Payload(window)
			if err != nil {
				return Decision{}, fmt.Errorf("pattern %s: build payload: %w", p.Name, err)
			}
			d.Payload = payload
		}
	}
	d.RequiresApproval = cfg.needsApproval(d.Command, d.Confidence)
	return d, nil
}

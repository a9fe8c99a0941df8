package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// Window narrows the event history a pattern looks at.
type Window struct {
	// Duration keeps events no older than Duration before the evaluation
	// time. Zero keeps everything.
	Duration time.Duration `json:"duration,omitempty"`
	// EventLimit keeps only the most recent events. Zero keeps everything.
	EventLimit int `json:"event_limit,omitempty"`
	// MinEvents skips the pattern when fewer events remain.
	MinEvents int `json:"min_events,omitempty"`
}

// Filter returns the events inside the window, oldest first. Events after
// now are excluded. history must be in global-position order.
func (w Window) Filter(history []ir.StoredEvent, now time.Time) []ir.StoredEvent {
	var out []ir.StoredEvent
	for _, ev := range history {
		if ev.Timestamp.After(now) {
			continue
		}
		if w.Duration > 0 && ev.Timestamp.Before(now.Add(-w.Duration)) {
			continue
		}
		out = append(out, ev)
	}
	if w.EventLimit > 0 && len(out) > w.EventLimit {
		out = out[len(out)-w.EventLimit:]
	}
	return out
}

// PatternKind discriminates rule-only from hybrid patterns.
type PatternKind string

const (
	// KindRuleOnly patterns decide from the trigger alone.
	KindRuleOnly PatternKind = "rule"
	// KindHybrid patterns confirm a trigger with an analyzer.
	KindHybrid PatternKind = "hybrid"
)

// FailurePolicy says what a hybrid pattern does when its analyzer fails.
type FailurePolicy string

const (
	// SkipOnFailure moves on to the next pattern without a decision.
	SkipOnFailure FailurePolicy = "skip"
	// FallbackToTrigger decides from the trigger alone.
	FallbackToTrigger FailurePolicy = "fallback-to-trigger"
)

// TriggerFunc is a cheap synchronous check over the window. It must not
// do I/O.
type TriggerFunc func(events []ir.StoredEvent) bool

// AgentContext is passed to analyzers.
type AgentContext struct {
	AgentID string
	// Event is the event being processed.
	Event ir.StoredEvent
	Now   time.Time
}

// AnalyzeFunc confirms a trigger, typically by asking a model.
type AnalyzeFunc func(ctx context.Context, events []ir.StoredEvent, actx AgentContext) (AnalysisResult, error)

// CommandSpec is a command an analyzer or template proposes.
type CommandSpec struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AnalysisResult is what an analyzer reports.
type AnalysisResult struct {
	Detected         bool         `json:"detected"`
	Confidence       float64      `json:"confidence"`
	Reasoning        string       `json:"reasoning"`
	MatchingEventIDs []string     `json:"matching_event_ids,omitempty"`
	Command          *CommandSpec `json:"command,omitempty"`

	// Data carries free-form analyzer output. A "suggestedAction" object
	// inside it is honoured when Command is nil.
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandTemplate builds the command of a trigger-based decision.
type CommandTemplate struct {
	Type string
	// Payload builds the payload from the window. Nil means {}.
	Payload func(events []ir.StoredEvent) (json.RawMessage, error)
}

// Pattern is one detection rule. Build with RuleOnly or Hybrid.
type Pattern struct {
	Name    string
	Kind    PatternKind
	Window  Window
	Trigger TriggerFunc

	// DefaultCommand is used by trigger-based decisions. Without it those
	// decisions carry no command.
	DefaultCommand *CommandTemplate

	// Hybrid only.
	Analyze          AnalyzeFunc
	OnAnalyzeFailure FailurePolicy
}

// RuleOnly builds a pattern whose trigger firing is the detection.
func RuleOnly(name string, w Window, trigger TriggerFunc, defaultCommand *CommandTemplate) Pattern {
	return Pattern{Name: name, Kind: KindRuleOnly, Window: w, Trigger: trigger, DefaultCommand: defaultCommand}
}

// Hybrid builds a pattern whose trigger is confirmed by analyze. The
// failure policy defaults to SkipOnFailure.
func Hybrid(name string, w Window, trigger TriggerFunc, analyze AnalyzeFunc, onFailure FailurePolicy) Pattern {
	if onFailure == "" {
		onFailure = SkipOnFailure
	}
	return Pattern{Name: name, Kind: KindHybrid, Window: w, Trigger: trigger, Analyze: analyze, OnAnalyzeFailure: onFailure}
}

// Validate checks that the pattern's fields agree with its kind.
func (p Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pattern: name is required")
	}
	if p.Trigger == nil {
		return fmt.Errorf("pattern %q: trigger is required", p.Name)
	}
	if p.Window.Duration < 0 || p.Window.EventLimit < 0 || p.Window.MinEvents < 0 {
		return fmt.Errorf("pattern %q: window values must not be negative", p.Name)
	}
	if p.DefaultCommand != nil && p.DefaultCommand.Type == "" {
		return fmt.Errorf("pattern %q: default command needs a type", p.Name)
	}
	switch p.Kind {
	case KindRuleOnly:
		if p.Analyze != nil {
			return fmt.Errorf("pattern %q: rule-only pattern cannot analyze", p.Name)
		}
	case KindHybrid:
		if p.Analyze == nil {
			return fmt.Errorf("pattern %q: hybrid pattern needs an analyzer", p.Name)
		}
		switch p.OnAnalyzeFailure {
		case SkipOnFailure, FallbackToTrigger:
		default:
			return fmt.Errorf("pattern %q: unknown failure policy %q", p.Name, p.OnAnalyzeFailure)
		}
	default:
		return fmt.Errorf("pattern %q: unknown kind %q", p.Name, p.Kind)
	}
	return nil
}

// CountAtLeast returns a trigger that fires when at least n events of the
// given types are in the window. No types means any type.
func CountAtLeast(n int, eventTypes ...string) TriggerFunc {
	return func(events []ir.StoredEvent) bool {
		count := 0
		for _, ev := range events {
			if len(eventTypes) == 0 || slices.Contains(eventTypes, ev.EventType) {
				count++
			}
		}
		return count >= n
	}
}

func eventIDs(events []ir.StoredEvent) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids
}

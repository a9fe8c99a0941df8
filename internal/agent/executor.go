package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/telemetry"
)

// Method records how a decision was reached.
type Method string

const (
	MethodLLM       Method = "llm"
	MethodRuleBased Method = "rule-based"
	MethodFallback  Method = "rule-based-fallback"
)

// Outcome is what happened to one pattern during an execution.
type Outcome string

const (
	OutcomeBelowMinEvents Outcome = "below_min_events"
	OutcomeNotTriggered   Outcome = "not_triggered"
	OutcomeNotDetected    Outcome = "not_detected"
	OutcomeAnalyzeFailed  Outcome = "analyze_failed"
	OutcomeMatched        Outcome = "matched"
)

// PatternAudit records the evaluation of one pattern.
type PatternAudit struct {
	Pattern      string  `json:"pattern"`
	Outcome      Outcome `json:"outcome"`
	WindowEvents int     `json:"window_events"`
	DurationMs   int64   `json:"duration_ms"`
	Error        string  `json:"error,omitempty"`
}

// ExecutionResult is the outcome of Execute. MatchedPattern is empty and
// Decision nil when nothing matched.
type ExecutionResult struct {
	MatchedPattern string         `json:"matched_pattern,omitempty"`
	Decision       *Decision      `json:"decision,omitempty"`
	Method         Method         `json:"method,omitempty"`
	Audit          []PatternAudit `json:"audit"`
}

// Matched reports whether a pattern produced a decision.
func (r ExecutionResult) Matched() bool {
	return r.Decision != nil
}

// Executor evaluates an agent's patterns.
type Executor struct {
	now func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock sets the clock used to time patterns.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(x *Executor) { x.now = now }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	x := &Executor{now: time.Now}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs the patterns of def in order against history and stops at
// the first decisive one. Windows are evaluated relative to actx.Now.
// Execute never fails: analyzer errors are handled by each pattern's
// failure policy and recorded in the audit.
func (x *Executor) Execute(ctx context.Context, def Definition, history []ir.StoredEvent, actx AgentContext) (res ExecutionResult) {
	cfg := def.Config
	if actx.AgentID == "" {
		actx.AgentID = cfg.AgentID
	}
	ctx, span := telemetry.Start(ctx, "agent", telemetry.SpanAgentPatterns, telemetry.AttrAgent.String(cfg.AgentID))
	defer func() {
		if res.Matched() {
			span.SetAttributes(telemetry.AttrPattern.String(res.MatchedPattern))
		}
		telemetry.End(span, nil)
	}()

	res.Audit = make([]PatternAudit, 0, len(def.Patterns))
	for _, p := range def.Patterns {
		start := x.now()
		window := p.Window.Filter(history, actx.Now)
		audit := PatternAudit{Pattern: p.Name, WindowEvents: len(window)}
		record := func(o Outcome) {
			audit.Outcome = o
			audit.DurationMs = x.now().Sub(start).Milliseconds()
			res.Audit = append(res.Audit, audit)
		}

		if len(window) < p.Window.MinEvents {
			record(OutcomeBelowMinEvents)
			continue
		}
		if !p.Trigger(window) {
			record(OutcomeNotTriggered)
			continue
		}

		switch p.Kind {
		case KindRuleOnly:
			d, err := buildFromTrigger(p, window, cfg)
			if err != nil {
				audit.Error = err.Error()
				record(OutcomeAnalyzeFailed)
				continue
			}
			record(OutcomeMatched)
			return x.matched(res, p, d, MethodRuleBased)

		case KindHybrid:
			ar, err := x.analyze(ctx, p, window, actx)
			if err != nil {
				audit.Error = err.Error()
				if p.OnAnalyzeFailure != FallbackToTrigger {
					record(OutcomeAnalyzeFailed)
					slog.Warn("pattern analysis failed, skipping", "event", "analyze_failed",
						"agent", cfg.AgentID, "pattern", p.Name, "error", err)
					continue
				}
				d, berr := buildFromTrigger(p, window, cfg)
				if berr != nil {
					audit.Error += "; fallback: " + berr.Error()
					record(OutcomeAnalyzeFailed)
					slog.Warn("fallback decision failed", "agent", cfg.AgentID, "pattern", p.Name, "error", berr)
					continue
				}
				// The analyzer error stays on the audit entry of the match.
				record(OutcomeMatched)
				slog.Warn("pattern analysis failed, deciding from trigger", "event", "analyze_fallback",
					"agent", cfg.AgentID, "pattern", p.Name, "error", err)
				return x.matched(res, p, d, MethodFallback)
			}
			if !ar.Detected {
				record(OutcomeNotDetected)
				continue
			}
			record(OutcomeMatched)
			return x.matched(res, p, buildFromAnalysis(ar, window, cfg), MethodLLM)

		default:
			audit.Error = fmt.Sprintf("unknown pattern kind %q", p.Kind)
			record(OutcomeAnalyzeFailed)
		}
	}
	return res
}

func (x *Executor) matched(res ExecutionResult, p Pattern, d Decision, m Method) ExecutionResult {
	res.MatchedPattern = p.Name
	res.Decision = &d
	res.Method = m
	return res
}

// analyze calls the pattern's analyzer, turning a panic into an error.
func (x *Executor) analyze(ctx context.Context, p Pattern, window []ir.StoredEvent, actx AgentContext) (ar AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &AnalyzeError{Pattern: p.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	ar, err = p.Analyze(ctx, window, actx)
	if err != nil {
		return AnalysisResult{}, &AnalyzeError{Pattern: p.Name, Err: err}
	}
	return ar, nil
}

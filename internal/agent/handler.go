package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/engine"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

// Agent stream and event names.
const (
	StreamType             = "Agent"
	BoundedContext         = "agent"
	SubscriptionID         = "patterns"
	EventDecisionMade      = "AgentDecisionMade"
	EventApprovalRequested = "ApprovalRequested"

	// DefaultHistoryLimit caps the events loaded for one evaluation.
	DefaultHistoryLimit = 1000
)

// Dispatcher sends commands. *commandbus.Bus implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd ir.Command) (commandbus.Result, error)
}

// CommandID is the bus command id of a decision. Automatic dispatch and
// dispatch after approval share it, so a command runs at most once.
func CommandID(decisionID string) string {
	return "agent:" + decisionID
}

// ApprovalID is the approval id of a decision.
func ApprovalID(decisionID string) string {
	return "apr_" + strings.TrimPrefix(decisionID, "dec_")
}

// DecisionPayload is the payload of an AgentDecisionMade event.
type DecisionPayload struct {
	DecisionID     string `json:"decision_id"`
	AgentID        string `json:"agent_id"`
	Pattern        string `json:"pattern"`
	Method         Method `json:"method"`
	TriggerEventID string `json:"trigger_event_id"`
	Decision
}

// Handler runs agents as engine subscriptions.
type Handler struct {
	store        *store.Store
	executor     *Executor
	bus          Dispatcher
	historyLimit int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHistoryLimit caps how many events are loaded per evaluation.
func WithHistoryLimit(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// NewHandler creates a Handler. bus may be nil, in which case decisions
// are recorded but never dispatched.
func NewHandler(st *store.Store, executor *Executor, bus Dispatcher, opts ...HandlerOption) *Handler {
	h := &Handler{store: st, executor: executor, bus: bus, historyLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription returns the action subscription that runs def.
func (h *Handler) Subscription(def Definition) engine.Subscription {
	sub := engine.NewAction(def.Config.AgentID, SubscriptionID, h.action(def), def.Config.EventTypes...)
	sub.BoundedContext = def.Config.BoundedContext
	return sub
}

// RegisterAll subscribes every agent in reg on e.
func (h *Handler) RegisterAll(e *engine.Engine, reg *Registry) error {
	for _, def := range reg.List() {
		if err := e.Register(h.Subscription(def)); err != nil {
			return fmt.Errorf("register agent %s: %w", def.Config.AgentID, err)
		}
	}
	return nil
}

func (h *Handler) action(def Definition) engine.ActionFunc {
	cfg := def.Config
	return func(ctx context.Context, ev ir.StoredEvent) (engine.Effect, error) {
		// Agents never react to their own decisions.
		if ev.StreamType == StreamType {
			return engine.Effect{}, nil
		}

		history, err := h.loadHistory(ctx, def, ev)
		if err != nil {
			return engine.Effect{}, err
		}
		res := h.executor.Execute(ctx, def, history, AgentContext{AgentID: cfg.AgentID, Event: ev, Now: ev.Timestamp})
		if !res.Matched() {
			slog.Debug("no pattern matched", "agent", cfg.AgentID, "event_id", ev.EventID)
			return engine.Effect{}, nil
		}

		decisionID, err := ir.DecisionID(cfg.AgentID, res.MatchedPattern, res.Decision.TriggeringEvents)
		if err != nil {
			return engine.Effect{}, err
		}
		return h.effect(cfg, ev, res, decisionID)
	}
}

// loadHistory returns the subscribed events up to and including ev,
// starting at the oldest point any pattern window can reach.
func (h *Handler) loadHistory(ctx context.Context, def Definition, ev ir.StoredEvent) ([]ir.StoredEvent, error) {
	var from int64
	if span := maxWindow(def.Patterns); span > 0 {
		from = max(0, ir.PositionFloor(ev.Timestamp.Add(-span).UnixMilli())-1)
	}

	var history []ir.StoredEvent
	for {
		page, err := h.store.ReadFromPosition(ctx, store.PositionFilter{
			FromPosition:   from,
			Limit:          h.historyLimit,
			EventTypes:     def.Config.EventTypes,
			BoundedContext: def.Config.BoundedContext,
		})
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		for _, e := range page {
			if e.GlobalPosition > ev.GlobalPosition {
				return trimHistory(history, h.historyLimit), nil
			}
			if e.StreamType != StreamType {
				history = append(history, e)
			}
		}
		if len(page) < h.historyLimit {
			return trimHistory(history, h.historyLimit), nil
		}
		from = page[len(page)-1].GlobalPosition
		history = trimHistory(history, h.historyLimit)
	}
}

func trimHistory(events []ir.StoredEvent, limit int) []ir.StoredEvent {
	if len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}

// maxWindow is the longest window duration, or zero if any pattern is
// unbounded.
func maxWindow(patterns []Pattern) (span time.Duration) {
	for _, p := range patterns {
		if p.Window.Duration == 0 {
			return 0
		}
		span = max(span, p.Window.Duration)
	}
	return span
}

func (h *Handler) effect(cfg Config, ev ir.StoredEvent, res ExecutionResult, decisionID string) (engine.Effect, error) {
	d := *res.Decision
	payload, err := json.Marshal(DecisionPayload{
		DecisionID:     decisionID,
		AgentID:        cfg.AgentID,
		Pattern:        res.MatchedPattern,
		Method:         res.Method,
		TriggerEventID: ev.EventID,
		Decision:       d,
	})
	if err != nil {
		return engine.Effect{}, fmt.Errorf("encode decision: %w", err)
	}
	metadata, err := json.Marshal(map[string]any{"audit": res.Audit})
	if err != nil {
		return engine.Effect{}, fmt.Errorf("encode audit: %w", err)
	}

	gated := d.HasCommand() && d.RequiresApproval
	apply := func(ctx context.Context, tx *store.Tx) error {
		if err := h.appendAgentEvent(ctx, tx, cfg.AgentID, ev, ir.NewEvent{
			EventID:        "evt_" + strings.TrimPrefix(decisionID, "dec_"),
			EventType:      EventDecisionMade,
			Payload:        payload,
			Metadata:       metadata,
			IdempotencyKey: "decision:" + decisionID,
		}); err != nil {
			return err
		}
		if !gated {
			return nil
		}
		return h.requestApproval(ctx, tx, cfg, ev, d, decisionID)
	}

	effect := engine.Effect{Apply: apply}
	if d.HasCommand() && !gated && h.bus != nil {
		cmd := ir.Command{
			CommandID:   CommandID(decisionID),
			CommandType: d.Command,
			Payload:     d.Payload,
			Metadata:    ir.CommandMetadata{CorrelationID: ev.CorrelationID},
		}
		effect.AfterCommit = func(ctx context.Context) error {
			out, err := h.bus.Dispatch(ctx, cmd)
			if err != nil {
				return err
			}
			slog.Info("agent command dispatched", "event", "agent_command", "agent", cfg.AgentID,
				"command_id", cmd.CommandID, "command_type", cmd.CommandType, "status", out.CommandStatus)
			return nil
		}
	}
	slog.Info("agent decided", "event", "agent_decision", "agent", cfg.AgentID, "pattern", res.MatchedPattern,
		"method", res.Method, "decision_id", decisionID, "command", d.Command, "requires_approval", gated)
	return effect, nil
}

func (h *Handler) requestApproval(ctx context.Context, tx *store.Tx, cfg Config, ev ir.StoredEvent, d Decision, decisionID string) error {
	approval := ir.Approval{
		ApprovalID:         ApprovalID(decisionID),
		AgentID:            cfg.AgentID,
		DecisionID:         decisionID,
		Action:             ir.AgentAction{Type: d.Command, Payload: d.Payload},
		Confidence:         d.Confidence,
		Reason:             d.Reason,
		TriggeringEventIDs: d.TriggeringEvents,
		ExpiresAt:          tx.Now().Add(cfg.TTL()),
	}
	status, err := tx.CreateApproval(ctx, approval)
	if err != nil || status == store.AlreadyExists {
		return err
	}
	payload, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	return h.appendAgentEvent(ctx, tx, cfg.AgentID, ev, ir.NewEvent{
		EventID:        "evt_" + strings.TrimPrefix(approval.ApprovalID, "apr_") + "_apr",
		EventType:      EventApprovalRequested,
		Payload:        payload,
		IdempotencyKey: "approval:" + approval.ApprovalID,
	})
}

// appendAgentEvent appends one event to the agent's own stream at its
// current version.
func (h *Handler) appendAgentEvent(ctx context.Context, tx *store.Tx, agentID string, cause ir.StoredEvent, e ir.NewEvent) error {
	version, err := tx.StreamVersion(ctx, StreamType, agentID)
	if err != nil {
		return err
	}
	res, err := tx.AppendIdempotent(ctx, ir.AppendRequest{
		StreamType:      StreamType,
		StreamID:        agentID,
		ExpectedVersion: version,
		BoundedContext:  BoundedContext,
		CorrelationID:   cause.CorrelationID,
		CausationID:     cause.EventID,
		Events:          []ir.NewEvent{e},
	})
	if err != nil {
		return err
	}
	if res.Status != ir.AppendSuccess {
		return fmt.Errorf("append %s to agent %s: conflict at version %d", e.EventType, agentID, res.CurrentVersion)
	}
	return nil
}

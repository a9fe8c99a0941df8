package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/libar-dev/libar-platform/internal/agent"
	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/config"
	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/platform"
	"github.com/libar-dev/libar-platform/internal/store"
	"github.com/libar-dev/libar-platform/internal/testutil"
)

// Epoch is the harness clock's starting instant.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// maxSettleRounds bounds how long one step may keep the engine busy.
const maxSettleRounds = 50

// settleStep is how far the clock jumps to release delayed retries.
const settleStep = time.Minute

// Harness is the test execution engine.
// It runs scenarios with a fake clock and sequential ids.
type Harness struct {
	platform      *platform.Platform
	clock         *testutil.FakeClock
	correlationID string
	logger        *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
//  1. Create fresh in-memory database and wire the platform over it
//  2. Dispatch setup commands; each must execute
//  3. Dispatch flow commands, settling the engine after each
//  4. Evaluate assertions and capture the event trace
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewFakeClock(Epoch)
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	cfg := config.DefaultConfig()
	cfg.IDs.ReservationStrategy = string(idgen.ReservationHash)
	if scenario.ReservationStrategy != "" {
		cfg.IDs.ReservationStrategy = scenario.ReservationStrategy
	}

	var defs []agent.Definition
	if path := scenario.AgentsPath(); path != "" {
		if defs, err = agent.LoadDefinitions(path, nil); err != nil {
			return nil, fmt.Errorf("failed to load agents: %w", err)
		}
	}

	p, err := platform.New(st, platform.Options{
		Config:   cfg,
		Clock:    clock,
		EventIDs: testutil.NewSequenceIDs("evt").Next,
		JobIDs:   testutil.NewSequenceIDs("job").Next,
		Agents:   defs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wire platform: %w", err)
	}
	defer p.Close()

	h := &Harness{
		platform:      p,
		clock:         clock,
		correlationID: scenario.CorrelationID,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if h.correlationID == "" {
		h.correlationID = DefaultCorrelationID
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	trace, err := h.captureTrace(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture trace: %w", err)
	}
	result.Trace = trace

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeSetup(ctx context.Context, s *Scenario, result *Result) error {
	for i, step := range s.Setup {
		out, err := h.dispatch(ctx, step, fmt.Sprintf("%s-setup-%d", s.Name, i+1))
		if err != nil {
			return fmt.Errorf("setup[%d] %s: %w", i, step.Command, err)
		}
		result.AddStep(out)
		if out.Status != string(ir.CommandExecuted) {
			return fmt.Errorf("setup[%d] %s: %s %s", i, step.Command, out.Status, out.Code)
		}
		if err := h.settle(ctx); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) executeFlow(ctx context.Context, s *Scenario, result *Result) error {
	for i, step := range s.Flow {
		out, err := h.dispatch(ctx, step.CommandStep, fmt.Sprintf("%s-%d", s.Name, i+1))
		if err != nil {
			return fmt.Errorf("flow[%d] %s: %w", i, step.Command, err)
		}
		result.AddStep(out)
		if msg := checkExpect(i, step, out); msg != "" {
			result.AddError(msg)
		}
		if err := h.settle(ctx); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Advance != "" {
			d, _ := time.ParseDuration(step.Advance)
			h.clock.Advance(d)
			if _, err := h.platform.Approvals.Expire(ctx); err != nil {
				return fmt.Errorf("flow[%d]: expire approvals: %w", i, err)
			}
		}
	}
	return nil
}

// dispatch sends one step. Handler failures are outcomes, not errors; only
// routing and storage problems are returned.
func (h *Harness) dispatch(ctx context.Context, step CommandStep, defaultID string) (StepOutcome, error) {
	payload := json.RawMessage("{}")
	if step.Payload != nil {
		var err error
		if payload, err = json.Marshal(step.Payload); err != nil {
			return StepOutcome{}, fmt.Errorf("encode payload: %w", err)
		}
	}
	id := step.CommandID
	if id == "" {
		id = defaultID
	}
	res, err := h.platform.Bus.Dispatch(ctx, ir.Command{
		CommandID:   id,
		CommandType: step.Command,
		Payload:     payload,
		Metadata:    ir.CommandMetadata{CorrelationID: h.correlationID},
	})
	out := StepOutcome{CommandID: id, Command: step.Command, Status: string(res.CommandStatus), Result: res.Result}
	switch {
	case res.CommandStatus == ir.CommandFailed:
		out.Error = failureMessage(res.Result, err)
	case err != nil:
		return StepOutcome{}, err
	case res.CommandStatus == ir.CommandRejected:
		var re commandbus.RejectionError
		if json.Unmarshal(res.Result, &re) == nil {
			out.Code = re.Code
		}
	}
	h.logger.Debug("step dispatched", "command_id", id, "status", out.Status)
	return out, nil
}

func failureMessage(result json.RawMessage, err error) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(result, &body) == nil && body.Error != "" {
		return body.Error
	}
	if err != nil {
		return err.Error()
	}
	return "failed"
}

func (h *Harness) settle(ctx context.Context) error {
	_, err := h.platform.Settle(ctx, maxSettleRounds, func() { h.clock.Advance(settleStep) })
	return err
}

func checkExpect(i int, step FlowStep, out StepOutcome) string {
	want := string(ir.CommandExecuted)
	if step.Expect != nil {
		want = step.Expect.Status
	}
	if out.Status != want {
		detail := out.Code
		if out.Error != "" {
			detail = out.Error
		}
		return fmt.Sprintf("flow[%d] %s: expected status %s, got %s %s", i, step.Command, want, out.Status, detail)
	}
	if step.Expect == nil {
		return ""
	}
	if step.Expect.Code != "" && out.Code != step.Expect.Code {
		return fmt.Sprintf("flow[%d] %s: expected code %s, got %q", i, step.Command, step.Expect.Code, out.Code)
	}
	if len(step.Expect.Result) > 0 {
		var actual any
		if err := json.Unmarshal(out.Result, &actual); err != nil {
			return fmt.Sprintf("flow[%d] %s: result is not JSON: %v", i, step.Command, err)
		}
		if !matchSubset(actual, step.Expect.Result) {
			return fmt.Sprintf("flow[%d] %s: result %s does not match %v", i, step.Command, out.Result, step.Expect.Result)
		}
	}
	return ""
}

// captureTrace reads the whole log in position order.
func (h *Harness) captureTrace(ctx context.Context) ([]TraceEvent, error) {
	trace := []TraceEvent{}
	var from int64
	for {
		batch, err := h.platform.Store.ReadFromPosition(ctx, store.PositionFilter{FromPosition: from, Limit: 500})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return trace, nil
		}
		for _, ev := range batch {
			te, err := toTraceEvent(ev)
			if err != nil {
				return nil, err
			}
			te.Seq = len(trace) + 1
			trace = append(trace, te)
		}
		from = batch[len(batch)-1].GlobalPosition
	}
}

func toTraceEvent(ev ir.StoredEvent) (TraceEvent, error) {
	te := TraceEvent{
		Position:       ev.GlobalPosition,
		EventType:      ev.EventType,
		Stream:         ev.StreamType + ":" + ev.StreamID,
		Version:        ev.Version,
		BoundedContext: ev.BoundedContext,
		CausationID:    ev.CausationID,
	}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &te.Payload); err != nil {
			return TraceEvent{}, fmt.Errorf("decode payload of %s: %w", ev.EventID, err)
		}
	}
	return te, nil
}

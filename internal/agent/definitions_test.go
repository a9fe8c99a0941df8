package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/ir"
)

const validAgents = `
agents:
  - id: churn
    event_types: [OrderCancelled, OrderCreated]
    bounded_context: orders
    confidence_threshold: 0.75
    requires_approval: [SuspendCustomer]
    approval_ttl: 12h
    patterns:
      - name: churn-risk
        kind: hybrid
        window: {duration: 30m, min_events: 2}
        trigger: {event_types: [OrderCancelled], min_count: 2}
        analyzer: churn-model
      - name: repeat-cancellations
        kind: rule
        window: {event_limit: 10}
        trigger: {event_types: [OrderCancelled], min_count: 3}
        default_command:
          type: FlagCustomer
          payload: {reason: repeat-cancellations}
  - id: audit
    patterns:
      - name: anything
        kind: rule
        trigger: {min_count: 1}
`

func testAnalyzers() map[string]AnalyzeFunc {
	return map[string]AnalyzeFunc{
		"churn-model": func(context.Context, []ir.StoredEvent, AgentContext) (AnalysisResult, error) {
			return AnalysisResult{Detected: true, Confidence: 0.9}, nil
		},
	}
}

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions("agents.yaml", []byte(validAgents), testAnalyzers())
	require.NoError(t, err)
	require.Len(t, defs, 2)

	churn := defs[0]
	assert.Equal(t, "churn", churn.Config.AgentID)
	assert.Equal(t, []string{"OrderCancelled", "OrderCreated"}, churn.Config.EventTypes)
	assert.Equal(t, "orders", churn.Config.BoundedContext)
	assert.Equal(t, 0.75, churn.Config.Threshold())
	assert.Equal(t, 12*time.Hour, churn.Config.TTL())
	require.Len(t, churn.Patterns, 2)

	hybrid := churn.Patterns[0]
	assert.Equal(t, KindHybrid, hybrid.Kind)
	assert.Equal(t, SkipOnFailure, hybrid.OnAnalyzeFailure)
	assert.Equal(t, Window{Duration: 30 * time.Minute, MinEvents: 2}, hybrid.Window)
	assert.NotNil(t, hybrid.Analyze)

	rule := churn.Patterns[1]
	assert.Equal(t, KindRuleOnly, rule.Kind)
	require.NotNil(t, rule.DefaultCommand)
	assert.Equal(t, "FlagCustomer", rule.DefaultCommand.Type)
	payload, err := rule.DefaultCommand.Payload(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"repeat-cancellations"}`, string(payload))

	events := []ir.StoredEvent{at("e1", "OrderCancelled", 1, 1), at("e2", "OrderCancelled", 2, 1)}
	assert.False(t, rule.Trigger(events))
	assert.True(t, rule.Trigger(append(events, at("e3", "OrderCancelled", 3, 1))))

	assert.Equal(t, "audit", defs[1].Config.AgentID)
	assert.Nil(t, defs[1].Config.ConfidenceThreshold)
	assert.Equal(t, DefaultConfidenceThreshold, defs[1].Config.Threshold())
	assert.Equal(t, DefaultApprovalTTL, defs[1].Config.TTL())
}

func TestParseDefinitions_ExplicitZeroesAreKept(t *testing.T) {
	const zeroes = `
agents:
  - id: autopilot
    confidence_threshold: 0
    approval_ttl: 0s
    patterns:
      - name: any-cancellation
        kind: rule
        trigger: {event_types: [OrderCancelled], min_count: 1}
        default_command: {type: FlagCustomer}
`
	defs, err := ParseDefinitions("agents.yaml", []byte(zeroes), nil)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	cfg := defs[0].Config
	require.NotNil(t, cfg.ConfidenceThreshold)
	assert.Zero(t, cfg.Threshold())
	require.NotNil(t, cfg.ApprovalTTL)
	assert.Zero(t, cfg.TTL())

	res := fixedExecutor().Execute(context.Background(), defs[0], cancellations(1), AgentContext{Now: testNow})
	require.True(t, res.Matched())
	assert.InDelta(t, 0.6, res.Decision.Confidence, 1e-9)
	assert.False(t, res.Decision.RequiresApproval, "a zero threshold routes every decision without review")
}

func TestParseDefinitions_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "threshold above one",
			yaml: "agents:\n  - id: a\n    confidence_threshold: 1.5\n    patterns:\n      - {name: p, kind: rule, trigger: {min_count: 1}}\n",
			want: "confidence_threshold",
		},
		{
			name: "unknown field",
			yaml: "agents:\n  - id: a\n    colour: blue\n    patterns:\n      - {name: p, kind: rule, trigger: {min_count: 1}}\n",
			want: "colour",
		},
		{
			name: "hybrid without analyzer",
			yaml: "agents:\n  - id: a\n    patterns:\n      - {name: p, kind: hybrid, trigger: {min_count: 1}}\n",
			want: "analyzer",
		},
		{
			name: "bad duration",
			yaml: "agents:\n  - id: a\n    patterns:\n      - {name: p, kind: rule, window: {duration: 10 minutes}, trigger: {min_count: 1}}\n",
			want: "duration",
		},
		{
			name: "bad failure policy",
			yaml: "agents:\n  - id: a\n    patterns:\n      - {name: p, kind: hybrid, analyzer: churn-model, on_analyze_failure: retry, trigger: {min_count: 1}}\n",
			want: "on_analyze_failure",
		},
		{
			name: "no patterns",
			yaml: "agents:\n  - id: a\n    patterns: []\n",
			want: "patterns",
		},
		{
			name: "unknown analyzer",
			yaml: "agents:\n  - id: a\n    patterns:\n      - {name: p, kind: hybrid, analyzer: oracle, trigger: {min_count: 1}}\n",
			want: `unknown analyzer "oracle"`,
		},
		{
			name: "duplicate pattern names",
			yaml: "agents:\n  - id: a\n    patterns:\n      - {name: p, kind: rule, trigger: {min_count: 1}}\n      - {name: p, kind: rule, trigger: {min_count: 2}}\n",
			want: "duplicate pattern",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinitions("agents.yaml", []byte(tt.yaml), testAnalyzers())
			require.Error(t, err)
			var de *DefinitionError
			assert.True(t, errors.As(err, &de), "got %T: %v", err, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validAgents), 0o644))

	defs, err := LoadDefinitions(path, testAnalyzers())
	require.NoError(t, err)

	reg := NewRegistry()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	assert.Len(t, reg.List(), 2)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	rule := RuleOnly("p", Window{}, CountAtLeast(1), nil)

	require.NoError(t, reg.Register(Definition{Config: Config{AgentID: "b", EventTypes: []string{"OrderCancelled"}}, Patterns: []Pattern{rule}}))
	require.NoError(t, reg.Register(Definition{Config: Config{AgentID: "a"}, Patterns: []Pattern{rule}}))

	assert.ErrorContains(t, reg.Register(Definition{Config: Config{AgentID: "a"}, Patterns: []Pattern{rule}}), "already registered")
	assert.ErrorContains(t, reg.Register(Definition{Config: Config{AgentID: "c"}}), "at least one pattern")
	assert.ErrorContains(t, reg.Register(Definition{Config: Config{AgentID: "d", ConfidenceThreshold: ptr(2.0)}, Patterns: []Pattern{rule}}), "outside [0,1]")

	def, ok := reg.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", def.Config.AgentID)
	_, ok = reg.Get("zzz")
	assert.False(t, ok)

	ids := func(defs []Definition) []string {
		var out []string
		for _, d := range defs {
			out = append(out, d.Config.AgentID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, ids(reg.List()))
	assert.Equal(t, []string{"a", "b"}, ids(reg.ForEvent("OrderCancelled")))
	assert.Equal(t, []string{"a"}, ids(reg.ForEvent("OrderCreated")))
}

package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
agents: agents.yaml
flow:
  - command: CreateOrder
    command_id: create-1
    payload:
      orderId: ord-1
      customerId: c-1
    expect:
      status: executed
      result: { status: draft }
assertions:
  - type: event_contains
    event_type: OrderCreated
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Len(t, scenario.Flow, 1)
	assert.Equal(t, "CreateOrder", scenario.Flow[0].Command)
	assert.Equal(t, "create-1", scenario.Flow[0].CommandID)
	assert.Equal(t, "ord-1", scenario.Flow[0].Payload["orderId"])
	assert.Equal(t, "executed", scenario.Flow[0].Expect.Status)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "agents.yaml"), scenario.AgentsPath())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "assertion instead of assertions"
flow:
  - command: CreateOrder
assertion:
  - type: event_count
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing name",
			doc:     "description: d\nflow: [{command: A}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			doc:     "name: n\nflow: [{command: A}]",
			wantErr: "description is required",
		},
		{
			name:    "empty flow",
			doc:     "name: n\ndescription: d\nflow: []",
			wantErr: "flow list is required",
		},
		{
			name:    "flow step without command",
			doc:     "name: n\ndescription: d\nflow: [{payload: {a: 1}}]",
			wantErr: "flow[0]: command is required",
		},
		{
			name:    "setup step without command",
			doc:     "name: n\ndescription: d\nsetup: [{}]\nflow: [{command: A}]",
			wantErr: "setup[0]: command is required",
		},
		{
			name:    "bad advance",
			doc:     "name: n\ndescription: d\nflow: [{command: A, advance: soon}]",
			wantErr: "advance must be a non-negative duration",
		},
		{
			name:    "bad expect status",
			doc:     "name: n\ndescription: d\nflow: [{command: A, expect: {status: done}}]",
			wantErr: "expect.status",
		},
		{
			name:    "code without rejection",
			doc:     "name: n\ndescription: d\nflow: [{command: A, expect: {status: executed, code: X}}]",
			wantErr: "expect.code requires status rejected",
		},
		{
			name:    "bad strategy",
			doc:     "name: n\ndescription: d\nreservation_strategy: random\nflow: [{command: A}]",
			wantErr: "reservation_strategy",
		},
		{
			name:    "unknown assertion",
			doc:     "name: n\ndescription: d\nflow: [{command: A}]\nassertions: [{type: trace_contains}]",
			wantErr: `unknown type "trace_contains"`,
		},
		{
			name:    "event_order needs two events",
			doc:     "name: n\ndescription: d\nflow: [{command: A}]\nassertions: [{type: event_order, events: [A]}]",
			wantErr: "at least two events",
		},
		{
			name:    "snapshot needs address",
			doc:     "name: n\ndescription: d\nflow: [{command: A}]\nassertions: [{type: snapshot, expect: {a: 1}}]",
			wantErr: "snapshot requires context and entity_id",
		},
		{
			name:    "command_status needs status",
			doc:     "name: n\ndescription: d\nflow: [{command: A}]\nassertions: [{type: command_status, command_id: c}]",
			wantErr: "invalid status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_TestdataScenariosAreValid(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		if filepath.Base(path) == "agents.yaml" {
			continue
		}
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			assert.NoError(t, err)
		})
	}
}

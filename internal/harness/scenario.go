package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// DefaultCorrelationID is stamped on scenario commands that do not name one.
const DefaultCorrelationID = "scenario-flow"

// Scenario is a conformance scenario: commands go through the real bus,
// the engine settles after every step, and assertions run against the
// resulting event log, snapshots and command ledger.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// CorrelationID is stamped on every command. Defaults to
	// DefaultCorrelationID.
	CorrelationID string `yaml:"correlation_id,omitempty"`

	// ReservationStrategy is "hash" (default) or "uuid". Only hash ids
	// are reproducible in golden traces.
	ReservationStrategy string `yaml:"reservation_strategy,omitempty"`

	// Agents is an optional agent definitions file, relative to the
	// scenario file.
	Agents string `yaml:"agents,omitempty"`

	// Setup establishes initial state. Every setup command must execute.
	Setup []CommandStep `yaml:"setup,omitempty"`

	// Flow is the main sequence of commands with optional expectations.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final log and state.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the directory of the scenario file.
	dir string
}

// CommandStep is one command dispatched on the bus.
type CommandStep struct {
	// Command is the command type, e.g. "CreateOrder".
	Command string `yaml:"command"`

	// CommandID defaults to "<scenario>-<step>".
	CommandID string `yaml:"command_id,omitempty"`

	Payload map[string]any `yaml:"payload"`
}

// FlowStep is a command with an optional expectation. Advance moves the
// harness clock after the step has settled.
type FlowStep struct {
	CommandStep `yaml:",inline"`

	Advance string `yaml:"advance,omitempty"`

	// Expect is checked against the bus result. Nil means "executed".
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected bus outcome.
type ExpectClause struct {
	// Status is executed, rejected or failed.
	Status string `yaml:"status"`

	// Code is the expected rejection code.
	Code string `yaml:"code,omitempty"`

	// Result is a subset match on the handler's JSON result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the event log or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// EventType selects events (event_contains, event_count).
	EventType string `yaml:"event_type,omitempty"`

	// Stream narrows event_contains and event_count to "Type:ID".
	Stream string `yaml:"stream,omitempty"`

	// Payload is a subset match on the event payload (event_contains).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Count is the expected number of matching events (event_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected order of event types (event_order).
	Events []string `yaml:"events,omitempty"`

	// Context and EntityID address a snapshot (snapshot).
	Context  string `yaml:"context,omitempty"`
	EntityID string `yaml:"entity_id,omitempty"`

	// CommandID addresses a ledger entry (command_status).
	CommandID string `yaml:"command_id,omitempty"`

	// Status is the expected ledger status (command_status).
	Status string `yaml:"status,omitempty"`

	// Expect is a subset match on snapshot state (snapshot).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertEventContains = "event_contains"
	AssertEventOrder    = "event_order"
	AssertEventCount    = "event_count"
	AssertSnapshot      = "snapshot"
	AssertCommandStatus = "command_status"
)

var validStatuses = map[string]bool{
	string(ir.CommandExecuted): true,
	string(ir.CommandRejected): true,
	string(ir.CommandFailed):   true,
	string(ir.CommandPending):  true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	scenario.dir = filepath.Dir(path)
	return scenario, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// AgentsPath resolves the agents file against the scenario directory.
func (s *Scenario) AgentsPath() string {
	if s.Agents == "" || filepath.IsAbs(s.Agents) || s.dir == "" {
		return s.Agents
	}
	return filepath.Join(s.dir, s.Agents)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if s.ReservationStrategy != "" {
		if _, err := idgen.ParseReservationStrategy(s.ReservationStrategy); err != nil {
			return fmt.Errorf("reservation_strategy: %w", err)
		}
	}

	for i, step := range s.Setup {
		if step.Command == "" {
			return fmt.Errorf("setup[%d]: command is required", i)
		}
	}

	for i, step := range s.Flow {
		if step.Command == "" {
			return fmt.Errorf("flow[%d]: command is required", i)
		}
		if step.Advance != "" {
			if d, err := time.ParseDuration(step.Advance); err != nil || d < 0 {
				return fmt.Errorf("flow[%d]: advance must be a non-negative duration, got %q", i, step.Advance)
			}
		}
		if step.Expect != nil && !validStatuses[step.Expect.Status] {
			return fmt.Errorf("flow[%d]: expect.status must be executed, rejected or failed, got %q", i, step.Expect.Status)
		}
		if step.Expect != nil && step.Expect.Code != "" && step.Expect.Status != string(ir.CommandRejected) {
			return fmt.Errorf("flow[%d]: expect.code requires status rejected", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertEventContains:
		if a.EventType == "" {
			return fmt.Errorf("event_contains requires event_type")
		}
	case AssertEventOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("event_order requires at least two events")
		}
	case AssertEventCount:
		if a.EventType == "" {
			return fmt.Errorf("event_count requires event_type")
		}
		if a.Count < 0 {
			return fmt.Errorf("event_count requires a non-negative count")
		}
	case AssertSnapshot:
		if a.Context == "" || a.EntityID == "" {
			return fmt.Errorf("snapshot requires context and entity_id")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("snapshot requires expect")
		}
	case AssertCommandStatus:
		if a.CommandID == "" {
			return fmt.Errorf("command_status requires command_id")
		}
		if !validStatuses[a.Status] {
			return fmt.Errorf("command_status has invalid status %q", a.Status)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", a.Type)
	}
	return nil
}

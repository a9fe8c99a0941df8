package agent

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/libar-dev/libar-platform/internal/ir"
)

//go:embed definitions.cue
var definitionsSchema string

// DefinitionError reports an invalid agents file, with the YAML position
// when one is known.
type DefinitionError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *DefinitionError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	field := strings.Join(first.Path(), ".")
	if field == "" {
		field = "cue"
	}
	msg := first.Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, len(errs)-1)
	}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &DefinitionError{Field: field, Message: msg, Pos: positions[0]}
	}
	return &DefinitionError{Field: field, Message: msg}
}

type fileSpec struct {
	Agents []agentSpec `yaml:"agents"`
}

type agentSpec struct {
	ID                  string        `yaml:"id"`
	EventTypes          []string      `yaml:"event_types"`
	BoundedContext      string        `yaml:"bounded_context"`
	ConfidenceThreshold *float64      `yaml:"confidence_threshold"`
	RequiresApproval    []string      `yaml:"requires_approval"`
	ApprovalTTL         string        `yaml:"approval_ttl"`
	Patterns            []patternSpec `yaml:"patterns"`
}

type patternSpec struct {
	Name             string      `yaml:"name"`
	Kind             PatternKind `yaml:"kind"`
	Window           windowSpec  `yaml:"window"`
	Trigger          triggerSpec `yaml:"trigger"`
	DefaultCommand   *commandDoc `yaml:"default_command"`
	Analyzer         string      `yaml:"analyzer"`
	OnAnalyzeFailure string      `yaml:"on_analyze_failure"`
}

type windowSpec struct {
	Duration   string `yaml:"duration"`
	EventLimit int    `yaml:"event_limit"`
	MinEvents  int    `yaml:"min_events"`
}

type triggerSpec struct {
	EventTypes []string `yaml:"event_types"`
	MinCount   int      `yaml:"min_count"`
}

type commandDoc struct {
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
}

// LoadDefinitions reads an agents YAML file. See ParseDefinitions.
func LoadDefinitions(path string, analyzers map[string]AnalyzeFunc) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load agent definitions: %w", err)
	}
	return ParseDefinitions(path, data, analyzers)
}

// ParseDefinitions validates an agents document against the embedded CUE
// schema, then decodes it. Hybrid patterns name their analyzer, which is
// looked up in analyzers; triggers are declarative event counts.
func ParseDefinitions(filename string, data []byte, analyzers map[string]AnalyzeFunc) ([]Definition, error) {
	if err := validateDefinitions(filename, data); err != nil {
		return nil, err
	}

	var doc fileSpec
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &DefinitionError{Field: "yaml", Message: err.Error()}
	}

	defs := make([]Definition, 0, len(doc.Agents))
	for i, a := range doc.Agents {
		def, err := a.build(analyzers)
		if err != nil {
			return nil, &DefinitionError{Field: fmt.Sprintf("agents.%d", i), Message: err.Error()}
		}
		if err := def.Validate(); err != nil {
			return nil, &DefinitionError{Field: fmt.Sprintf("agents.%d", i), Message: err.Error()}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func validateDefinitions(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(definitionsSchema, cue.Filename("definitions.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("agent definitions schema: %w", err)
	}

	f, err := cueyaml.Extract(filename, data)
	if err != nil {
		return formatCUEError(err)
	}
	v := ctx.BuildFile(f)
	if err := v.Err(); err != nil {
		return formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#File")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

func (a agentSpec) build(analyzers map[string]AnalyzeFunc) (Definition, error) {
	cfg := Config{
		AgentID:          a.ID,
		EventTypes:       a.EventTypes,
		BoundedContext:   a.BoundedContext,
		RequiresApproval: a.RequiresApproval,
	}
	if a.ConfidenceThreshold != nil {
		t := *a.ConfidenceThreshold
		cfg.ConfidenceThreshold = &t
	}
	if a.ApprovalTTL != "" {
		ttl, err := time.ParseDuration(a.ApprovalTTL)
		if err != nil {
			return Definition{}, fmt.Errorf("approval_ttl: %w", err)
		}
		cfg.ApprovalTTL = &ttl
	}

	def := Definition{Config: cfg}
	for _, ps := range a.Patterns {
		p, err := ps.build(analyzers)
		if err != nil {
			return Definition{}, fmt.Errorf("pattern %s: %w", ps.Name, err)
		}
		def.Patterns = append(def.Patterns, p)
	}
	return def, nil
}

func (ps patternSpec) build(analyzers map[string]AnalyzeFunc) (Pattern, error) {
	w := Window{EventLimit: ps.Window.EventLimit, MinEvents: ps.Window.MinEvents}
	if ps.Window.Duration != "" {
		d, err := time.ParseDuration(ps.Window.Duration)
		if err != nil {
			return Pattern{}, fmt.Errorf("window.duration: %w", err)
		}
		w.Duration = d
	}
	trigger := CountAtLeast(ps.Trigger.MinCount, ps.Trigger.EventTypes...)

	var tmpl *CommandTemplate
	if ps.DefaultCommand != nil {
		payload := ps.DefaultCommand.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return Pattern{}, fmt.Errorf("default_command.payload: %w", err)
		}
		tmpl = &CommandTemplate{
			Type:    ps.DefaultCommand.Type,
			Payload: func([]ir.StoredEvent) (json.RawMessage, error) { return raw, nil },
		}
	}

	switch ps.Kind {
	case KindRuleOnly:
		if ps.Analyzer != "" {
			return Pattern{}, fmt.Errorf("rule patterns cannot name an analyzer")
		}
		return RuleOnly(ps.Name, w, trigger, tmpl), nil
	case KindHybrid:
		analyze, ok := analyzers[ps.Analyzer]
		if !ok {
			return Pattern{}, fmt.Errorf("unknown analyzer %q", ps.Analyzer)
		}
		p := Hybrid(ps.Name, w, trigger, analyze, FailurePolicy(ps.OnAnalyzeFailure))
		p.DefaultCommand = tmpl
		return p, nil
	default:
		return Pattern{}, fmt.Errorf("unknown kind %q", ps.Kind)
	}
}

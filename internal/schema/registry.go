// Package schema keeps the table of event types an application emits: the
// current schema version of each type, its category, and an optional JSON
// Schema that payloads must satisfy. Events are stamped and validated when
// they are constructed, before they reach the store.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// ErrorCode categorizes schema errors.
type ErrorCode string

const (
	ErrCodeUnknownType    ErrorCode = "UNKNOWN_EVENT_TYPE"
	ErrCodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	ErrCodeInvalidSchema  ErrorCode = "INVALID_SCHEMA"
	ErrCodeDuplicateType  ErrorCode = "DUPLICATE_EVENT_TYPE"
)

// ValidationError reports a rejected definition or payload.
type ValidationError struct {
	Code      ErrorCode
	EventType string
	Version   int
	Message   string
	Cause     error
}

func (e *ValidationError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s: %s v%d: %s", e.Code, e.EventType, e.Version, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.EventType, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// IsUnknownType reports whether err is an unregistered event type in a
// strict registry.
func IsUnknownType(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == ErrCodeUnknownType
}

// IsInvalidPayload reports whether err is a payload that failed its schema.
func IsInvalidPayload(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == ErrCodeInvalidPayload
}

// Definition describes one event type.
type Definition struct {
	EventType string
	// Version is the current schema version; new events are stamped with it.
	Version  int
	Category ir.EventCategory
	// Schema is an optional JSON Schema document for the payload.
	Schema string
}

type entry struct {
	def      Definition
	compiled *jsonschema.Schema
}

// Registry maps event types to definitions. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*entry
	strict bool
	newID  func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict rejects events whose type was never registered.
func WithStrict() Option {
	return func(r *Registry) { r.strict = true }
}

// WithIDGenerator replaces the UUIDv7 event id source. Deterministic
// generators keep scenario traces reproducible.
func WithIDGenerator(next func() string) Option {
	return func(r *Registry) { r.newID = next }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{types: make(map[string]*entry), newID: idgen.NewEventID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a definition. Version defaults to 1 and Category to domain.
func (r *Registry) Register(def Definition) error {
	if def.EventType == "" {
		return &ValidationError{Code: ErrCodeInvalidSchema, Message: "event type is required"}
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Version < 0 {
		return &ValidationError{Code: ErrCodeInvalidSchema, EventType: def.EventType, Message: "version must be >= 1"}
	}
	if def.Category == "" {
		def.Category = ir.CategoryDomain
	}
	if !def.Category.Valid() {
		return &ValidationError{Code: ErrCodeInvalidSchema, EventType: def.EventType, Message: fmt.Sprintf("unknown category %q", def.Category)}
	}

	e := &entry{def: def}
	if strings.TrimSpace(def.Schema) != "" {
		compiled, err := compile(def)
		if err != nil {
			return &ValidationError{Code: ErrCodeInvalidSchema, EventType: def.EventType, Version: def.Version, Message: "compile schema", Cause: err}
		}
		e.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.EventType]; exists {
		return &ValidationError{Code: ErrCodeDuplicateType, EventType: def.EventType, Message: "already registered"}
	}
	r.types[def.EventType] = e
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func compile(def Definition) (*jsonschema.Schema, error) {
	url := fmt.Sprintf("libar://events/%s/v%d.json", def.EventType, def.Version)
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(def.Schema)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Lookup returns the definition for eventType.
func (r *Registry) Lookup(eventType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[eventType]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Types returns registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Validate checks payload against the registered schema of eventType.
// Types without a schema accept any JSON payload.
func (r *Registry) Validate(eventType string, payload []byte) error {
	r.mu.RLock()
	e, ok := r.types[eventType]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return &ValidationError{Code: ErrCodeUnknownType, EventType: eventType, Message: "event type is not registered"}
		}
		return nil
	}
	if e.compiled == nil {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return &ValidationError{Code: ErrCodeInvalidPayload, EventType: eventType, Version: e.def.Version, Message: "payload is not JSON", Cause: err}
	}
	if err := e.compiled.Validate(instance); err != nil {
		return &ValidationError{Code: ErrCodeInvalidPayload, EventType: eventType, Version: e.def.Version, Message: err.Error(), Cause: err}
	}
	return nil
}

// EventOption adjusts an event built by NewEvent.
type EventOption func(*ir.NewEvent)

// WithEventID overrides the generated event id.
func WithEventID(id string) EventOption {
	return func(e *ir.NewEvent) { e.EventID = id }
}

// WithIdempotencyKey sets the idempotency key.
func WithIdempotencyKey(key string) EventOption {
	return func(e *ir.NewEvent) { e.IdempotencyKey = key }
}

// WithMetadata attaches metadata.
func WithMetadata(md json.RawMessage) EventOption {
	return func(e *ir.NewEvent) { e.Metadata = md }
}

// NewEvent builds an event of eventType stamped with the registered version
// and category, after validating the payload. payload may be raw JSON bytes
// or any value encoding/json can marshal.
func (r *Registry) NewEvent(eventType string, payload any, opts ...EventOption) (ir.NewEvent, error) {
	raw, err := toJSON(payload)
	if err != nil {
		return ir.NewEvent{}, &ValidationError{Code: ErrCodeInvalidPayload, EventType: eventType, Message: "encode payload", Cause: err}
	}
	if err := r.Validate(eventType, raw); err != nil {
		return ir.NewEvent{}, err
	}

	ev := ir.NewEvent{
		EventID:       r.newID(),
		EventType:     eventType,
		Payload:       raw,
		Category:      ir.CategoryDomain,
		SchemaVersion: 1,
	}
	if def, ok := r.Lookup(eventType); ok {
		ev.Category = def.Category
		ev.SchemaVersion = def.Version
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev, nil
}

func toJSON(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return ir.Canonicalize(p)
	case []byte:
		return ir.Canonicalize(p)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return ir.Canonicalize(b)
}

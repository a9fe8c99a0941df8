package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Operation runs one attempt of a named scoped operation against the scope
// version the caller observed. args are the operation's own arguments,
// carried unchanged across retries.
type Operation func(ctx context.Context, expectedVersion int64, args json.RawMessage) (Result, error)

// CompletionFunc observes the terminal result of an operation, whether it
// finished on the first attempt or in a queued retry.
type CompletionFunc func(ctx context.Context, req Request, res Result)

type registration struct {
	op         Operation
	onComplete CompletionFunc
}

// Registry maps operation names to implementations so queued retries can
// be re-materialized from their serialized Request. Construct one per
// process (or per test) and pass it to NewRetryEngine.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]registration)}
}

// Register adds an operation. onComplete may be nil.
func (r *Registry) Register(name string, op Operation, onComplete CompletionFunc) error {
	if name == "" || op == nil {
		return fmt.Errorf("dcb registry: name and operation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("dcb registry: operation %q already registered", name)
	}
	r.ops[name] = registration{op: op, onComplete: onComplete}
	return nil
}

// Names lists registered operations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.ops[name]
	return reg, ok
}

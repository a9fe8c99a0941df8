package agent

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Definition is an agent's policy plus its patterns in priority order.
type Definition struct {
	Config   Config
	Patterns []Pattern
}

// Validate checks the config and every pattern.
func (d Definition) Validate() error {
	if d.Config.AgentID == "" {
		return fmt.Errorf("agent: id is required")
	}
	if t := d.Config.Threshold(); t < 0 || t > 1 {
		return fmt.Errorf("agent %s: confidence threshold %v outside [0,1]", d.Config.AgentID, t)
	}
	if d.Config.TTL() < 0 {
		return fmt.Errorf("agent %s: approval ttl must not be negative", d.Config.AgentID)
	}
	if len(d.Patterns) == 0 {
		return fmt.Errorf("agent %s: at least one pattern is required", d.Config.AgentID)
	}
	seen := make(map[string]bool, len(d.Patterns))
	for _, p := range d.Patterns {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", d.Config.AgentID, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("agent %s: duplicate pattern %q", d.Config.AgentID, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Registry holds agent definitions. Construct one per runtime; tests
// build a fresh one instead of resetting shared state.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Definition)}
}

// Register validates and adds def. Agent ids are unique.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[def.Config.AgentID]; exists {
		return fmt.Errorf("agent %s: already registered", def.Config.AgentID)
	}
	def.Patterns = slices.Clone(def.Patterns)
	r.agents[def.Config.AgentID] = def
	return nil
}

// Get returns the definition of agentID.
func (r *Registry) Get(agentID string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[agentID]
	return def, ok
}

// List returns every definition ordered by agent id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.agents))
	for _, def := range r.agents {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.AgentID < out[j].Config.AgentID })
	return out
}

// ForEvent returns the agents subscribed to eventType, ordered by id.
func (r *Registry) ForEvent(eventType string) []Definition {
	var out []Definition
	for _, def := range r.List() {
		if len(def.Config.EventTypes) == 0 || slices.Contains(def.Config.EventTypes, eventType) {
			out = append(out, def)
		}
	}
	return out
}

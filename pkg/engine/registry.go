package engine

import (
	"fmt"
	"sync"
)

// Registry is an ordered, caller-constructed collection of rules. The
// engine ships no built-in rules; embedding applications register their
// own catalog. A Registry is safe for concurrent reads once populated.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	ids   map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]bool)}
}

// Register adds a rule. Rule ids are unique; registration order is
// preserved.
func (r *Registry) Register(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule has empty id")
	}
	if !rule.Severity.Valid() {
		return fmt.Errorf("rule %s: invalid severity %q", rule.ID, rule.Severity)
	}
	if rule.Check == nil {
		return fmt.Errorf("rule %s: nil check function", rule.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids[rule.ID] {
		return fmt.Errorf("rule %s already registered", rule.ID)
	}
	r.ids[rule.ID] = true
	r.rules = append(r.rules, rule)
	return nil
}

// MustRegister registers a rule and panics on error. Intended for static
// catalogs assembled at startup.
func (r *Registry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

// Rules returns the registered rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

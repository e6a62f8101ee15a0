/**
 * @description
 * Explicit operator registry backing every administrator-gated action. The
 * registry is seeded from configuration at startup and can be rotated at
 * runtime through the operator endpoints, replacing the single env-configured
 * admin address pattern with a revocable set of identities.
 */

package app

import (
	"sort"
	"strings"
	"sync"
)

// OperatorRegistry is a concurrency-safe set of operator identities.
type OperatorRegistry struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewOperatorRegistry seeds a registry from the configured identities.
func NewOperatorRegistry(seed []string) *OperatorRegistry {
	r := &OperatorRegistry{set: make(map[string]struct{})}
	for _, id := range seed {
		if id = strings.TrimSpace(id); id != "" {
			r.set[id] = struct{}{}
		}
	}
	return r
}

// IsOperator reports whether the identity may perform admin actions.
func (r *OperatorRegistry) IsOperator(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[strings.TrimSpace(id)]
	return ok
}

// Add registers an operator identity.
func (r *OperatorRegistry) Add(id string) {
	if id = strings.TrimSpace(id); id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set[id] = struct{}{}
}

// Remove revokes an operator identity.
func (r *OperatorRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.set, strings.TrimSpace(id))
}

// List returns the registered identities in stable order.
func (r *OperatorRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.set))
	for id := range r.set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Handler delivers a message to a target identified by an address such as
// "telegram:12345".
type Handler func(target, message string) error

// Registry routes staff notifications to the appropriate delivery handler
// based on target prefix (e.g. "telegram:", "log:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry with the built-in "log:" handler, which
// writes notifications to the structured log.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
	}
	r.Register("log:", func(target, message string) error {
		slog.Info("staff notification", "target", target, "message", message)
		return nil
	})
	return r
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the target prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(target, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(target, prefix) {
			return handler(target, message)
		}
	}
	return fmt.Errorf("no delivery handler for target: %s", target)
}

// Package tools resolves the assistant's tool calls against local executors.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/xiaot623/chatrelay/internal/domain"
)

// ExecutorFunc resolves one tool call. args is the call's parsed argument
// object and meta the session's token claims. The returned string is sent to
// the provider verbatim.
type ExecutorFunc func(ctx context.Context, args json.RawMessage, meta domain.Metadata) (string, error)

// Registry stores tool executors keyed by function name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
	}
}

// Register adds a new executor for a function name.
func (r *Registry) Register(name string, exec ExecutorFunc) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if exec == nil {
		return errors.New("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		return errors.Errorf("executor already registered for %s", name)
	}
	r.executors[name] = exec
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(name string, exec ExecutorFunc) {
	if err := r.Register(name, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for name.
func (r *Registry) Lookup(name string) (ExecutorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[name]
	return exec, ok
}

// Names lists registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

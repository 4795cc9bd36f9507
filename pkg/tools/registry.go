// Package tools holds the client-side tools a remote agent may invoke during
// a live call. Tools run synchronously and must return promptly.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vango-go/vai-call/pkg/core"
)

// Func implements one tool. args is the raw JSON object sent by the agent
// (may be empty); the returned string is sent back verbatim.
type Func func(ctx context.Context, args json.RawMessage) (string, error)

// ErrUnknownTool is wrapped by Invoke when no tool has the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// Registry maps tool names to implementations.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Func)}
}

// Register adds or replaces the tool under name.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.NewInvalidRequestError("tool name must not be empty")
	}
	if fn == nil {
		return core.NewInvalidRequestError(fmt.Sprintf("tool %q has no implementation", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName == nil {
		r.byName = make(map[string]Func)
	}
	r.byName[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (Func, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.byName[name]
	return fn, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return "", &core.Error{
			Type:    core.ErrInvalidRequest,
			Message: fmt.Sprintf("tool %q is not registered", name),
			Err:     ErrUnknownTool,
		}
	}
	return fn(ctx, args)
}

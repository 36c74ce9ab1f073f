package rpc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/torvus/raspictl/internal/reqctx"
)

// Handler is a registered tool implementation. It receives the constructed
// request context and the already-parsed JSON params; per-parameter
// validation is the handler's own responsibility (spec.md §4.3 "Input
// validation").
type Handler func(ctx context.Context, rc reqctx.Context, params []byte) (any, error)

// Registry is a mapping from "namespace.operation" tool names to Handler
// values. Registration is one-shot per name, per spec.md §4.3 "Registry".
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds tool under name. Re-registering an existing name is an
// error and leaves the first registration intact.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("rpc: tool %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister panics if registration fails. Intended for startup wiring in
// main, where a duplicate name is a programming error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered under name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns every registered tool name matching namespace ("" lists
// everything), sorted for stable output.
func (r *Registry) List(namespace string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name := range r.handlers {
		if namespace == "" || strings.HasPrefix(name, namespace+".") {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Namespaces returns the set of distinct namespaces across every registered
// tool name, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{}
	for name := range r.handlers {
		ns, _, found := strings.Cut(name, ".")
		if !found {
			continue
		}
		seen[ns] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Package resolve maps declared resource types to the functions that turn a
// descriptor into source text.
//
// A Registry is long-lived: types registered by one page stay available to
// every later page opened with the same registry. Pages register their own
// types through a Scope, which is merged back into the registry only when the
// page loads successfully.
package resolve

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/hazyhaar/pagepack/resource"
)

// Resolver produces the text of one descriptor. It may have side effects
// (recording a template fragment, for example); callers only consume the text.
type Resolver func(ctx context.Context, d resource.Descriptor) (string, error)

// Registrar is the capability handed to anything allowed to add types.
type Registrar interface {
	Register(typ string, fn Resolver)
}

// Registry is a concurrency-safe map of declared type to Resolver.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]Resolver
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		types:  make(map[string]Resolver),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func key(typ string) string { return resource.NormalizeType(resource.KindOther, typ) }

// Register installs fn for typ, replacing any previous resolver for that type.
func (r *Registry) Register(typ string, fn Resolver) {
	k := key(typ)
	r.mu.Lock()
	_, replaced := r.types[k]
	r.types[k] = fn
	r.mu.Unlock()
	if replaced {
		r.logger.Debug("resolve: type replaced", "type", k)
	}
}

// Lookup returns the resolver registered for typ.
func (r *Registry) Lookup(typ string) (Resolver, bool) {
	r.mu.RLock()
	fn, ok := r.types[key(typ)]
	r.mu.RUnlock()
	return fn, ok
}

// Resolve runs the resolver registered for d's declared type.
func (r *Registry) Resolve(ctx context.Context, d resource.Descriptor) (string, error) {
	fn, ok := r.Lookup(d.Type())
	if !ok {
		return "", newUnresolved(d)
	}
	return fn(ctx, d)
}

// Types lists the registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.types))
	for k := range r.types {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Clone returns an independent copy, used to bind a View to the types known
// at the time its page settled.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{types: make(map[string]Resolver, len(r.types)), logger: r.logger}
	for k, v := range r.types {
		c.types[k] = v
	}
	return c
}

// Scope opens a page-scoped overlay on top of r.
func (r *Registry) Scope() *Scope {
	return &Scope{parent: r, overlay: make(map[string]Resolver)}
}

// Scope collects the types a page registers while it loads. Lookups see the
// overlay first, then the parent registry. Nothing reaches the parent until
// Commit.
type Scope struct {
	mu      sync.Mutex
	parent  *Registry
	overlay map[string]Resolver
	order   []string
	done    bool
}

// Register records a page-declared type. Calls after Commit or Discard are
// ignored.
func (s *Scope) Register(typ string, fn Resolver) {
	k := key(typ)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if _, seen := s.overlay[k]; !seen {
		s.order = append(s.order, k)
	}
	s.overlay[k] = fn
}

// resolve resolves d against the overlay, then the parent.
func (s *Scope) resolve(ctx context.Context, d resource.Descriptor) (string, error) {
	s.mu.Lock()
	fn, ok := s.overlay[key(d.Type())]
	s.mu.Unlock()
	if ok {
		return fn(ctx, d)
	}
	return s.parent.Resolve(ctx, d)
}

// Declared lists the types registered in the scope, in registration order.
func (s *Scope) Declared() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// Commit merges the page's types into the parent registry. Page types win
// over existing entries with the same name; every other entry is untouched.
func (s *Scope) Commit() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	for _, k := range s.order {
		s.parent.Register(k, s.overlay[k])
	}
	if len(s.order) > 0 {
		s.parent.logger.Info("resolve: page types merged", "types", s.order)
	}
	return slices.Clone(s.order)
}

// Discard drops the page's types. Safe to call after Commit.
func (s *Scope) Discard() {
	s.mu.Lock()
	s.done = true
	s.overlay = nil
	s.mu.Unlock()
}

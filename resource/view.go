package resource

import (
	"context"
	"fmt"
)

// Resolver turns a descriptor into source text. resolve.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, d Descriptor) (string, error)
}

// Visitor receives each descriptor of a traversal with its resolved text and
// its index within that traversal.
type Visitor func(d Descriptor, text string, index int) error

// ResolveError wraps a resolution failure with the descriptor that caused it.
type ResolveError struct {
	Descriptor Descriptor
	Err        error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resource: resolve %s: %v", e.Descriptor, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// View is the settled, ordered snapshot of a page's resources. It is
// immutable after construction and must not be shared between builds.
type View struct {
	url      string
	items    []Descriptor
	resolver Resolver
}

// NewView builds a View over descriptors already in processing order.
func NewView(pageURL string, items []Descriptor, resolver Resolver) *View {
	cp := make([]Descriptor, len(items))
	copy(cp, items)
	return &View{url: pageURL, items: cp, resolver: resolver}
}

// URL is the page the view was opened from.
func (v *View) URL() string { return v.url }

// Len is the number of descriptors of every kind.
func (v *View) Len() int { return len(v.items) }

// Descriptors returns the descriptors of kind in ordinal order. An empty kind
// returns all of them.
func (v *View) Descriptors(kind Kind) []Descriptor {
	var out []Descriptor
	for _, d := range v.items {
		if kind == "" || d.kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Select returns a sub-view holding the descriptors accepted by keep.
// Descriptors left out are never resolved by the sub-view.
func (v *View) Select(keep func(Descriptor) bool) *View {
	var out []Descriptor
	for _, d := range v.items {
		if keep(d) {
			out = append(out, d)
		}
	}
	return &View{url: v.url, items: out, resolver: v.resolver}
}

// ForEach visits every descriptor of kind in ordinal order, resolving its
// text at visit time. Nothing is cached between calls, so a resolver with
// side effects fires once per traversal. The first error stops the walk.
func (v *View) ForEach(ctx context.Context, kind Kind, visit Visitor) error {
	if kind == "" {
		kind = KindScript
	}
	index := 0
	for _, d := range v.items {
		if d.kind != kind {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := v.resolver.Resolve(ctx, d)
		if err != nil {
			return &ResolveError{Descriptor: d, Err: err}
		}
		if err := visit(d, text, index); err != nil {
			return err
		}
		index++
	}
	return nil
}

// Scripts is ForEach over KindScript.
func (v *View) Scripts(ctx context.Context, visit Visitor) error {
	return v.ForEach(ctx, KindScript, visit)
}

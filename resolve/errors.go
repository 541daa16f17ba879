package resolve

import (
	"fmt"

	"github.com/hazyhaar/pagepack/resource"
)

// UnresolvedTypeError is returned when no resolver is registered for a
// descriptor's declared type. It is never skipped: dropping the resource
// silently would break the ordering of the combined output.
type UnresolvedTypeError struct {
	Type     string
	Ordinal  int
	Location string
}

func newUnresolved(d resource.Descriptor) *UnresolvedTypeError {
	loc, _ := d.Location()
	return &UnresolvedTypeError{Type: d.Type(), Ordinal: d.Ordinal(), Location: loc}
}

func (e *UnresolvedTypeError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("resolve: no resolver for type %q (resource #%d, %s)", e.Type, e.Ordinal, e.Location)
	}
	return fmt.Sprintf("resolve: no resolver for type %q (resource #%d, inline)", e.Type, e.Ordinal)
}

// DeclarationError is returned when a page declares a type the host cannot
// turn into a resolver.
type DeclarationError struct {
	Type string
	As   string
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("resolve: cannot declare type %q as %q", e.Type, e.As)
}

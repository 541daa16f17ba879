// Package resource defines the descriptors produced when a page is opened and
// the View that builder stages traverse.
//
// A Descriptor records one script or style element: how it was declared, where
// its text comes from, and its position in processing order. Exactly one of
// Location and Inline is set; the only way to build a Descriptor is through
// NewExternal or NewInline, so the invariant holds by construction.
package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Kind is the element family a descriptor was derived from.
type Kind string

const (
	KindScript Kind = "script" // <script>
	KindStyle  Kind = "style"  // <style>, <link rel="stylesheet">
	KindOther  Kind = "other"  // any element tagged with TypeAttr
)

// TypeAttr tags an arbitrary element as a resource. Its value is the
// declared type.
const TypeAttr = "data-pagepack-type"

// Default declared types per kind.
const (
	TypeJavaScript = "text/javascript"
	TypeCSS        = "text/css"
)

// ErrEmptyLocation is returned by NewExternal for a blank location.
var ErrEmptyLocation = errors.New("resource: external descriptor needs a location")

// Descriptor is one discovered element.
type Descriptor struct {
	kind     Kind
	typ      string
	location string
	inline   string
	external bool
	attrs    map[string]string
	ordinal  int
	base     string
}

// NewExternal builds a descriptor whose text lives at location.
// base is the page the element was found in.
func NewExternal(kind Kind, declaredType, location, base string, attrs map[string]string, ordinal int) (Descriptor, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return Descriptor{}, ErrEmptyLocation
	}
	return Descriptor{
		kind:     kind,
		typ:      NormalizeType(kind, declaredType),
		location: location,
		external: true,
		attrs:    lowerKeys(attrs),
		ordinal:  ordinal,
		base:     base,
	}, nil
}

// NewInline builds a descriptor whose text is embedded in the page.
func NewInline(kind Kind, declaredType, text, base string, attrs map[string]string, ordinal int) Descriptor {
	return Descriptor{
		kind:    kind,
		typ:     NormalizeType(kind, declaredType),
		inline:  text,
		attrs:   lowerKeys(attrs),
		ordinal: ordinal,
		base:    base,
	}
}

func lowerKeys(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[strings.ToLower(k)] = v
	}
	return out
}

// NormalizeType lower-cases a declared type, drops MIME parameters and
// falls back to the kind's default when empty.
func NormalizeType(kind Kind, declared string) string {
	t := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if t != "" {
		return t
	}
	switch kind {
	case KindStyle:
		return TypeCSS
	case KindScript:
		return TypeJavaScript
	}
	return ""
}

func (d Descriptor) Kind() Kind   { return d.kind }
func (d Descriptor) Type() string { return d.typ }
func (d Descriptor) Ordinal() int { return d.ordinal }
func (d Descriptor) Base() string { return d.base }

// Location returns the external location, if the descriptor has one.
func (d Descriptor) Location() (string, bool) { return d.location, d.external }

// Inline returns the embedded text, if the descriptor has no location.
func (d Descriptor) Inline() (string, bool) { return d.inline, !d.external }

// IsExternal reports whether the text lives outside the page.
func (d Descriptor) IsExternal() bool { return d.external }

// Attr returns an attribute value and whether it was present.
func (d Descriptor) Attr(name string) (string, bool) {
	v, ok := d.attrs[strings.ToLower(name)]
	return v, ok
}

// Attrs returns a copy of the element attributes.
func (d Descriptor) Attrs() map[string]string { return maps.Clone(d.attrs) }

// String identifies the descriptor in logs and errors.
func (d Descriptor) String() string {
	if d.external {
		return fmt.Sprintf("#%d %s %s", d.ordinal, d.typ, d.location)
	}
	return fmt.Sprintf("#%d %s (inline, %d bytes)", d.ordinal, d.typ, len(d.inline))
}

type descriptorJSON struct {
	Ordinal  int               `json:"ordinal"`
	Kind     Kind              `json:"kind"`
	Type     string            `json:"type"`
	Location string            `json:"location,omitempty"`
	Inline   *string           `json:"inline,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Base     string            `json:"base,omitempty"`
}

// MarshalJSON exposes the descriptor to manifests and tool output.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := descriptorJSON{
		Ordinal: d.ordinal,
		Kind:    d.kind,
		Type:    d.typ,
		Attrs:   d.attrs,
		Base:    d.base,
	}
	if d.external {
		out.Location = d.location
	} else {
		text := d.inline
		out.Inline = &text
	}
	return json.Marshal(out)
}

package session

import (
	"context"

	"github.com/hazyhaar/pagepack/resolve"
)

// DeclarationsType marks a script block holding page type declarations.
// Such blocks are read by the environment and never become resources.
const DeclarationsType = "application/x-pagepack-types"

// Element is one raw element reported by an environment, before it is
// classified into a descriptor.
type Element struct {
	Tag   string            `json:"tag"`
	Attrs map[string]string `json:"attrs"`
	Text  string            `json:"text"`
	// Base overrides the page URL for resolving this element's references.
	Base string `json:"base"`
}

// Hooks are the callbacks an environment fires while it loads a page.
type Hooks struct {
	// Element is called for every script, style, stylesheet link and tagged
	// element, in the order the environment processed them.
	Element func(Element) error
	// Declare lets the page register a resource type.
	Declare func(resolve.Declaration) error
}

// Environment loads a page and reports its elements through hooks. Load
// returns once the page structure is fully processed; it never waits for
// the load event.
type Environment interface {
	Load(ctx context.Context, pageURL string, hooks Hooks) error
}

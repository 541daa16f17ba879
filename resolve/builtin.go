package resolve

import (
	"context"

	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/resource"
)

// Fetcher reads the text behind a resolved location. *fetch.Fetcher
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (string, error)
}

// scriptAliases resolve exactly like text/javascript.
var scriptAliases = []string{
	resource.TypeJavaScript,
	"application/javascript",
	"application/x-javascript",
	"text/ecmascript",
	"application/ecmascript",
	"module",
}

// templateEngines are the client-side template types understood out of the
// box. Each resolves to a registration statement for its fragment.
var templateEngines = map[string]string{
	"text/ejs":   "ejs",
	"text/micro": "micro",
	"text/jaml":  "jaml",
	"text/tmpl":  "tmpl",
}

// RegisterBuiltins installs the plain script, plain style and template types.
func RegisterBuiltins(r Registrar, f Fetcher, t *Templates) {
	src := Source(f)
	for _, typ := range scriptAliases {
		r.Register(typ, src)
	}
	r.Register(resource.TypeCSS, src)
	for typ, engine := range templateEngines {
		r.Register(typ, Template(engine, f, t))
	}
}

// Source returns inline text as-is and fetches external locations relative
// to the page they were found in.
func Source(f Fetcher) Resolver {
	return func(ctx context.Context, d resource.Descriptor) (string, error) {
		if loc, ok := d.Location(); ok {
			return f.Fetch(ctx, fetch.Join(loc, d.Base()))
		}
		text, _ := d.Inline()
		return text, nil
	}
}

// Template reads a template's text like Source, records it in t (and in the
// context's store, see WithTemplates) under the element's id, and returns the statement that registers the fragment at run
// time.
func Template(engine string, f Fetcher, t *Templates) Resolver {
	src := Source(f)
	return func(ctx context.Context, d resource.Descriptor) (string, error) {
		text, err := src(ctx, d)
		if err != nil {
			return "", err
		}
		id := FragmentID(d)
		if pass := TemplatesFrom(ctx); pass != nil && pass != t {
			pass.Register(engine, id, text)
		}
		return t.Register(engine, id, text), nil
	}
}

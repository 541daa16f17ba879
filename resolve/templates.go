package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/hazyhaar/pagepack/resource"
)

// Fragment is a named client-side template captured during a build.
type Fragment struct {
	Engine string `json:"engine"`
	ID     string `json:"id"`
	Text   string `json:"text"`
}

// Templates records every fragment resolved by a template type. The last
// registration for an (engine, id) pair wins.
type Templates struct {
	mu    sync.Mutex
	frags map[string]Fragment
	order []string
}

// NewTemplates creates an empty store.
func NewTemplates() *Templates {
	return &Templates{frags: make(map[string]Fragment)}
}

// Register stores a fragment and returns the script statement that makes it
// available to the page's view layer in production.
func (t *Templates) Register(engine, id, text string) string {
	k := engine + "\x00" + id
	t.mu.Lock()
	if _, ok := t.frags[k]; !ok {
		t.order = append(t.order, k)
	}
	t.frags[k] = Fragment{Engine: engine, ID: id, Text: text}
	t.mu.Unlock()
	return RegistrationStatement(engine, id, text)
}

// Fragments returns the recorded fragments in first-registration order.
func (t *Templates) Fragments() []Fragment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Fragment, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.frags[k])
	}
	return out
}

type templatesKey struct{}

// WithTemplates returns a context under which template resolvers also record
// their fragments in t, so a caller can list what one pass produced.
func WithTemplates(ctx context.Context, t *Templates) context.Context {
	return context.WithValue(ctx, templatesKey{}, t)
}

// TemplatesFrom returns the store attached by WithTemplates, or nil.
func TemplatesFrom(ctx context.Context) *Templates {
	t, _ := ctx.Value(templatesKey{}).(*Templates)
	return t
}

// RegistrationStatement renders the JavaScript that registers a fragment.
func RegistrationStatement(engine, id, text string) string {
	return fmt.Sprintf("pagepack.templates.register(%s,%s,%s);", jsString(engine), jsString(id), jsString(text))
}

// jsString quotes s as a JSON string without HTML escaping, so template
// markup stays readable in the bundle.
func jsString(s string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}

// FragmentID names a template: its id attribute, else the file name of its
// location without extension, else its ordinal.
func FragmentID(d resource.Descriptor) string {
	if id, ok := d.Attr("id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if loc, ok := d.Location(); ok {
		name := path.Base(stripQuery(loc))
		return strings.TrimSuffix(name, path.Ext(name))
	}
	return fmt.Sprintf("template-%d", d.Ordinal())
}

func stripQuery(loc string) string {
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		return loc[:i]
	}
	return loc
}

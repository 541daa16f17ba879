package resolve

import (
	"strings"
)

// Declaration is how a page asks for a new resource type. Pages cannot hand
// the host executable code, so they describe the type and the host builds the
// matching resolver.
//
//	{"type": "text/x-mustache", "as": "template", "engine": "mustache"}
type Declaration struct {
	Type   string `json:"type"`
	As     string `json:"as"`               // script | style | template
	Engine string `json:"engine,omitempty"` // template engine name
}

// Resolver builds the resolver a declaration stands for.
func (d Declaration) Resolver(f Fetcher, t *Templates) (Resolver, error) {
	if strings.TrimSpace(d.Type) == "" {
		return nil, &DeclarationError{Type: d.Type, As: d.As}
	}
	switch strings.ToLower(strings.TrimSpace(d.As)) {
	case "script", "style", "text", "":
		return Source(f), nil
	case "template":
		engine := d.Engine
		if engine == "" {
			engine = defaultEngine(d.Type)
		}
		return Template(engine, f, t), nil
	default:
		return nil, &DeclarationError{Type: d.Type, As: d.As}
	}
}

// defaultEngine derives an engine name from a type such as "text/x-mustache".
func defaultEngine(typ string) string {
	t := key(typ)
	if i := strings.LastIndexByte(t, '/'); i >= 0 {
		t = t[i+1:]
	}
	return strings.TrimPrefix(t, "x-")
}

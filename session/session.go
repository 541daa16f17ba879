// Package session opens a page in a simulated document environment and
// captures every script and style element it processes, including elements
// injected by the page's own loader before the document settles.
//
// Open is a scoped acquisition: the page registers resource types into a
// scope of the host registry, and the scope is committed only when the page
// loads successfully. On any failure the host registry is left exactly as it
// was. Only one page may be open at a time per Session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/resolve"
	"github.com/hazyhaar/pagepack/resource"
)

// Config configures a Session.
type Config struct {
	// Environment loads pages. Default: a StaticEnvironment over Fetcher.
	Environment Environment

	// Registry is the host registry page types are merged into. Default: a
	// fresh registry holding the built-in types.
	Registry *resolve.Registry

	// Fetcher backs page-declared types.
	Fetcher resolve.Fetcher

	// Templates receives fragments from page-declared template types.
	Templates *resolve.Templates

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Fetcher == nil {
		c.Fetcher = fetch.New(fetch.WithLogger(c.Logger))
	}
	if c.Templates == nil {
		c.Templates = resolve.NewTemplates()
	}
	if c.Registry == nil {
		c.Registry = resolve.NewRegistry(resolve.WithLogger(c.Logger))
		resolve.RegisterBuiltins(c.Registry, c.Fetcher, c.Templates)
	}
	if c.Environment == nil {
		c.Environment = NewStaticEnvironment(c.Fetcher, c.Logger)
	}
}

// Session opens pages one at a time.
type Session struct {
	cfg  Config
	slot *semaphore.Weighted
}

// New creates a Session.
func New(cfg Config) *Session {
	cfg.defaults()
	return &Session{cfg: cfg, slot: semaphore.NewWeighted(1)}
}

// Registry returns the host registry.
func (s *Session) Registry() *resolve.Registry { return s.cfg.Registry }

// Open loads pageURL and returns the settled view of its resources.
func (s *Session) Open(ctx context.Context, pageURL string) (*resource.View, error) {
	if !s.slot.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer s.slot.Release(1)

	log := s.cfg.Logger
	scope := s.cfg.Registry.Scope()
	defer scope.Discard()

	c := &collector{pageURL: pageURL}
	hooks := Hooks{
		Element: c.add,
		Declare: func(decl resolve.Declaration) error {
			fn, err := decl.Resolver(s.cfg.Fetcher, s.cfg.Templates)
			if err != nil {
				return err
			}
			scope.Register(decl.Type, fn)
			log.Debug("session: page declared type", "url", pageURL, "type", decl.Type, "as", decl.As)
			return nil
		},
	}

	log.Info("session: opening page", "url", pageURL)
	if err := s.cfg.Environment.Load(ctx, pageURL, hooks); err != nil {
		log.Warn("session: page failed to load", "url", pageURL, "error", err,
			"discarded_types", scope.Declared())
		return nil, &PageLoadError{URL: pageURL, Err: err}
	}

	merged := scope.Commit()
	log.Info("session: page settled", "url", pageURL,
		"resources", len(c.items), "declared_types", len(merged))

	return resource.NewView(pageURL, c.items, s.cfg.Registry.Clone()), nil
}

// collector turns raw elements into descriptors with consecutive ordinals.
type collector struct {
	pageURL string
	items   []resource.Descriptor
}

func (c *collector) add(el Element) error {
	base := el.Base
	if base == "" {
		base = c.pageURL
	}
	kind, typ, loc, ok := Classify(el)
	if !ok {
		return nil
	}
	ord := len(c.items)
	if loc != "" {
		d, err := resource.NewExternal(kind, typ, loc, base, el.Attrs, ord)
		if err != nil {
			return fmt.Errorf("element <%s> #%d: %w", el.Tag, ord, err)
		}
		c.items = append(c.items, d)
		return nil
	}
	c.items = append(c.items, resource.NewInline(kind, typ, el.Text, base, el.Attrs, ord))
	return nil
}

// Classify derives the kind, declared type and location of an element. ok is
// false for elements that are not resources (non-stylesheet links,
// declaration blocks, untagged elements). An element with both a location
// and inline text keeps the location, as a browser would.
func Classify(el Element) (kind resource.Kind, declaredType, location string, ok bool) {
	attr := func(name string) string { return strings.TrimSpace(el.Attrs[name]) }

	switch strings.ToLower(el.Tag) {
	case "script":
		declaredType = attr("type")
		if strings.EqualFold(declaredType, DeclarationsType) {
			return "", "", "", false
		}
		return resource.KindScript, declaredType, attr("src"), true
	case "style":
		return resource.KindStyle, attr("type"), "", true
	case "link":
		if !hasToken(attr("rel"), "stylesheet") {
			return "", "", "", false
		}
		if attr("href") == "" {
			return "", "", "", false
		}
		return resource.KindStyle, attr("type"), attr("href"), true
	}

	if typ := attr(resource.TypeAttr); typ != "" {
		loc := attr("src")
		if loc == "" {
			loc = attr("href")
		}
		if loc == "" {
			loc = attr("data-src")
		}
		return resource.KindOther, typ, loc, true
	}
	return "", "", "", false
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

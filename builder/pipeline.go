// Package builder runs a page's settled resources through an ordered chain of
// named stages that write production artifacts.
//
// Stages run strictly one after another in registration order. The first
// failing stage aborts the build; artifacts already written by earlier stages
// are left in place.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pagepack/resource"
)

// DefaultMarker is the attribute a resource sets to "true" to opt into the build.
const DefaultMarker = "compress"

// Options configures one build.
type Options struct {
	// OutputDir receives the artifacts. It ends with "/" unless empty; empty
	// means the working directory.
	OutputDir string `json:"output_dir"`
	// IncludeAll builds every resource, opted in or not.
	IncludeAll bool `json:"include_all"`
	// Minify runs the combined artifacts through the minifier.
	Minify bool `json:"minify"`
	// Marker is the opt-in attribute name. Default: DefaultMarker.
	Marker string `json:"marker,omitempty"`
	// PageURL is the page being built.
	PageURL string `json:"page_url,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.Marker == "" {
		o.Marker = DefaultMarker
	}
	return o
}

// Eligible returns the opt-in predicate for opts: every resource when
// IncludeAll is set, otherwise those whose marker attribute is "true".
func Eligible(opts Options) func(resource.Descriptor) bool {
	opts = opts.withDefaults()
	return func(d resource.Descriptor) bool {
		if opts.IncludeAll {
			return true
		}
		v, ok := d.Attr(opts.Marker)
		return ok && strings.EqualFold(strings.TrimSpace(v), "true")
	}
}

// Stage turns a view into artifacts.
type Stage func(ctx context.Context, view *resource.View, opts Options) error

// Pipeline holds named stages in run order.
type Pipeline struct {
	mu     sync.Mutex
	order  []string
	stages map[string]Stage
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates an empty Pipeline.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{stages: make(map[string]Stage), logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register adds a stage at the end of the run order. Registering an existing
// name replaces its function and keeps its position.
func (p *Pipeline) Register(name string, s Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.stages[name]; !exists {
		p.order = append(p.order, name)
	}
	p.stages[name] = s
}

// Names lists the stages in run order.
func (p *Pipeline) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.order)
}

// Run executes every stage in order against view. The first error aborts the
// run and is returned as a *StageError.
func (p *Pipeline) Run(ctx context.Context, view *resource.View, opts Options) error {
	opts = opts.withDefaults()
	if opts.PageURL == "" {
		opts.PageURL = view.URL()
	}

	p.mu.Lock()
	names := slices.Clone(p.order)
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = p.stages[n]
	}
	p.mu.Unlock()

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: name, Err: err}
		}
		start := time.Now()
		if err := stages[i](withStage(ctx, name), view, opts); err != nil {
			p.logger.Warn("builder: stage failed", "stage", name, "error", err)
			return &StageError{Stage: name, Err: err}
		}
		p.logger.Info("builder: stage done", "stage", name, "duration", time.Since(start))
	}
	return nil
}

// Subset returns a pipeline holding only the named stages, in the given
// order. Every name must be registered.
func (p *Pipeline) Subset(names []string) (*Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := &Pipeline{stages: make(map[string]Stage, len(names)), logger: p.logger}
	for _, n := range names {
		s, ok := p.stages[n]
		if !ok {
			return nil, fmt.Errorf("builder: unknown stage %q", n)
		}
		if _, dup := out.stages[n]; !dup {
			out.order = append(out.order, n)
		}
		out.stages[n] = s
	}
	return out, nil
}

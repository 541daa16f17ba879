package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"

	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/resolve"
	"github.com/hazyhaar/pagepack/resource"
)

// Artifact names written by the default stages.
const (
	ScriptArtifact   = "production.js"
	StyleArtifact    = "production.css"
	ManifestArtifact = "build-manifest.json"
)

var minifier *minify.M

func init() {
	minifier = minify.New()
	minifier.AddFunc(resource.TypeCSS, css.Minify)
	minifier.AddFuncRegexp(regexp.MustCompile("^(application|text)/(x-)?(java|ecma)script$"), js.Minify)
}

// Defaults returns a pipeline holding the scripts, styles and manifest stages.
func Defaults(opts ...Option) *Pipeline {
	p := NewPipeline(opts...)
	p.Register("scripts", Scripts)
	p.Register("styles", Styles)
	p.Register("manifest", Manifest)
	return p
}

// Scripts joins the eligible scripts with newlines into production.js.
func Scripts(ctx context.Context, view *resource.View, opts Options) error {
	var parts []string
	err := view.Select(Eligible(opts)).Scripts(ctx, func(_ resource.Descriptor, text string, _ int) error {
		parts = append(parts, text)
		return nil
	})
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}
	out := strings.Join(parts, "\n")
	if opts.Minify {
		if out, err = minifier.String(resource.TypeJavaScript, out); err != nil {
			return fmt.Errorf("minify scripts: %w", err)
		}
	}
	_, err = WriteArtifact(ctx, opts.OutputDir, ScriptArtifact, []byte(out))
	return err
}

// Styles joins the eligible styles into production.css. Relative url()
// references are rewritten so they still point at the same files from the
// output directory.
func Styles(ctx context.Context, view *resource.View, opts Options) error {
	var parts []string
	err := view.Select(Eligible(opts)).ForEach(ctx, resource.KindStyle, func(d resource.Descriptor, text string, _ int) error {
		from := d.Base()
		if loc, ok := d.Location(); ok {
			from = fetch.Join(loc, d.Base())
		}
		rewritten, err := RewriteURLs(text, from, opts.OutputDir)
		if err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
		parts = append(parts, rewritten)
		return nil
	})
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}
	out := strings.Join(parts, "\n")
	if opts.Minify {
		if out, err = minifier.String(resource.TypeCSS, out); err != nil {
			return fmt.Errorf("minify styles: %w", err)
		}
	}
	_, err = WriteArtifact(ctx, opts.OutputDir, StyleArtifact, []byte(out))
	return err
}

// ManifestEntry is one resource listed in build-manifest.json.
type ManifestEntry struct {
	Ordinal  int           `json:"ordinal"`
	Kind     resource.Kind `json:"kind"`
	Type     string        `json:"type"`
	Location string        `json:"location,omitempty"`
	SHA256   string        `json:"sha256"`
	Bytes    int           `json:"bytes"`
}

// BuildManifest is the content of build-manifest.json.
type BuildManifest struct {
	Page       string          `json:"page"`
	OutputDir  string          `json:"output_dir"`
	IncludeAll bool            `json:"include_all"`
	Minify     bool            `json:"minify"`
	Resources  []ManifestEntry `json:"resources"`
	Templates  []TemplateEntry `json:"templates,omitempty"`
}

// TemplateEntry is one client-side template fragment bundled into the build.
type TemplateEntry struct {
	Engine string `json:"engine"`
	ID     string `json:"id"`
	Bytes  int    `json:"bytes"`
}

// Manifest writes build-manifest.json listing the eligible scripts and styles
// in ordinal order with the digest of their resolved text, followed by the
// template fragments they registered.
func Manifest(ctx context.Context, view *resource.View, opts Options) error {
	sub := view.Select(Eligible(opts))
	tpls := resolve.NewTemplates()
	ctx = resolve.WithTemplates(ctx, tpls)
	var entries []ManifestEntry
	record := func(d resource.Descriptor, text string, _ int) error {
		sum := sha256.Sum256([]byte(text))
		loc, _ := d.Location()
		entries = append(entries, ManifestEntry{
			Ordinal:  d.Ordinal(),
			Kind:     d.Kind(),
			Type:     d.Type(),
			Location: loc,
			SHA256:   hex.EncodeToString(sum[:]),
			Bytes:    len(text),
		})
		return nil
	}
	for _, kind := range []resource.Kind{resource.KindScript, resource.KindStyle} {
		if err := sub.ForEach(ctx, kind, record); err != nil {
			return err
		}
	}
	if len(entries) == 0 {
		return nil
	}
	slices.SortFunc(entries, func(a, b ManifestEntry) int { return a.Ordinal - b.Ordinal })
	var templates []TemplateEntry
	for _, f := range tpls.Fragments() {
		templates = append(templates, TemplateEntry{Engine: f.Engine, ID: f.ID, Bytes: len(f.Text)})
	}

	data, err := json.MarshalIndent(BuildManifest{
		Page:       opts.PageURL,
		OutputDir:  opts.OutputDir,
		IncludeAll: opts.IncludeAll,
		Minify:     opts.Minify,
		Resources:  entries,
		Templates:  templates,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = WriteArtifact(ctx, opts.OutputDir, ManifestArtifact, append(data, '\n'))
	return err
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/pagepack/builder"
	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/history"
	"github.com/hazyhaar/pagepack/horosafe"
	"github.com/hazyhaar/pagepack/idgen"
	"github.com/hazyhaar/pagepack/kit"
)

// BuildRequest asks for one build.
type BuildRequest struct {
	URL        string `json:"url"`
	OutputDir  string `json:"output_dir,omitempty"`
	IncludeAll bool   `json:"include_all,omitempty"`
	Minify     bool   `json:"minify,omitempty"`
	Marker     string `json:"marker,omitempty"`
}

func (r BuildRequest) options() builder.Options {
	return builder.Options{
		OutputDir:  r.OutputDir,
		IncludeAll: r.IncludeAll,
		Minify:     r.Minify,
		Marker:     r.Marker,
	}
}

// InspectRequest asks for a page's resource list.
type InspectRequest struct {
	URL string `json:"url"`
}

// HistoryRequest lists recent builds, or one build when ID is set.
type HistoryRequest struct {
	Limit int    `json:"limit,omitempty"`
	ID    string `json:"id,omitempty"`
}

// BuildDetail is one recorded build with its artifacts.
type BuildDetail struct {
	history.Build
	Artifacts []builder.Artifact `json:"artifacts"`
}

var (
	errURLRequired    = errors.New("url is required")
	errInvalidBuildID = errors.New("invalid build id")
)

// ErrNoHistory is returned by the history endpoint when no store is attached.
var ErrNoHistory = errors.New("orchestrator: no history store attached")

// checkPage runs the configured URL check on remote pages.
func (o *Orchestrator) checkPage(pageURL string) error {
	if o.cfg.CheckURL == nil || !fetch.IsRemote(pageURL) {
		return nil
	}
	if err := o.cfg.CheckURL(pageURL); err != nil {
		return fmt.Errorf("url %q: %w", pageURL, err)
	}
	return nil
}

// confine resolves the request's output directory under the artifact root.
// An empty output_dir maps the page's own directory under the root.
func (o *Orchestrator) confine(r BuildRequest) (BuildRequest, error) {
	if o.cfg.ArtifactRoot == "" {
		return r, nil
	}
	dir := r.OutputDir
	if dir == "" {
		dir = OutputDirFor(r.URL)
	}
	out, err := horosafe.SafePath(o.cfg.ArtifactRoot, dir)
	if err != nil {
		return r, fmt.Errorf("output_dir %q: %w", dir, err)
	}
	r.OutputDir = out
	return r, nil
}

// endpoints holds the transport-neutral operations shared by MCP and HTTP.
type endpoints struct {
	build   kit.Endpoint
	inspect kit.Endpoint
	types   kit.Endpoint
	stages  kit.Endpoint
	history kit.Endpoint
}

func (o *Orchestrator) endpoints() endpoints {
	wrap := func(op string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.RequestIDs(), kit.Logging(o.cfg.Logger, op))(ep)
	}
	return endpoints{
		build: wrap("build", func(ctx context.Context, req any) (any, error) {
			r := req.(BuildRequest)
			if strings.TrimSpace(r.URL) == "" {
				return nil, errURLRequired
			}
			if err := o.checkPage(r.URL); err != nil {
				return nil, err
			}
			r, err := o.confine(r)
			if err != nil {
				return nil, err
			}
			return o.RunBuild(ctx, r.URL, r.options())
		}),
		inspect: wrap("inspect", func(ctx context.Context, req any) (any, error) {
			r := req.(InspectRequest)
			if strings.TrimSpace(r.URL) == "" {
				return nil, errURLRequired
			}
			if err := o.checkPage(r.URL); err != nil {
				return nil, err
			}
			return o.Inspect(ctx, r.URL)
		}),
		types: wrap("types", func(context.Context, any) (any, error) {
			return map[string]any{"types": o.Registry().Types()}, nil
		}),
		stages: wrap("stages", func(context.Context, any) (any, error) {
			return map[string]any{"stages": o.Stages(), "state": o.State()}, nil
		}),
		history: wrap("history", func(ctx context.Context, req any) (any, error) {
			store := o.History()
			if store == nil {
				return nil, ErrNoHistory
			}
			r := req.(HistoryRequest)
			if r.ID != "" {
				if _, err := idgen.ParseBuildID(r.ID); err != nil {
					return nil, fmt.Errorf("%w: %v", errInvalidBuildID, err)
				}
				b, err := store.Get(ctx, r.ID)
				if err != nil {
					return nil, err
				}
				arts, err := store.Artifacts(ctx, r.ID)
				if err != nil {
					return nil, err
				}
				if arts == nil {
					arts = []builder.Artifact{}
				}
				return BuildDetail{Build: *b, Artifacts: arts}, nil
			}
			builds, err := store.Recent(ctx, r.Limit)
			if err != nil {
				return nil, err
			}
			if builds == nil {
				builds = []history.Build{}
			}
			return map[string]any{"builds": builds}, nil
		}),
	}
}

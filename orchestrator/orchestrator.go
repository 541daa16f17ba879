// Package orchestrator drives a build end to end: it opens the page through a
// session, hands the settled view to the builder pipeline and records the run.
// One build runs at a time per Orchestrator. The same operations are exposed
// as MCP tools and HTTP routes.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/pagepack/builder"
	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/history"
	"github.com/hazyhaar/pagepack/resolve"
	"github.com/hazyhaar/pagepack/resource"
	"github.com/hazyhaar/pagepack/session"
)

// ErrBuildInProgress is returned when a build or inspection is requested
// while another one is running.
var ErrBuildInProgress = errors.New("orchestrator: a build is already in progress")

// Config configures an Orchestrator.
type Config struct {
	// Session opens pages. Default: a session over a StaticEnvironment.
	Session *session.Session

	// Pipeline runs the stages. Default: builder.Defaults().
	Pipeline *builder.Pipeline

	// History records runs when set.
	History *history.Store

	// ArtifactRoot confines the output directory of builds requested over
	// HTTP or MCP (see horosafe.SafePath). Empty leaves it unrestricted.
	ArtifactRoot string

	// CheckURL vets remote page URLs requested over HTTP or MCP before they
	// are opened. horosafe.ValidateURL is the usual check.
	CheckURL func(string) error

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Session == nil {
		c.Session = session.New(session.Config{Logger: c.Logger})
	}
	if c.Pipeline == nil {
		c.Pipeline = builder.Defaults(builder.WithLogger(c.Logger))
	}
}

// Orchestrator runs builds one at a time.
type Orchestrator struct {
	cfg   Config
	slot  *semaphore.Weighted
	mu    sync.Mutex
	state State
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{cfg: cfg, slot: semaphore.NewWeighted(1), state: StateIdle}
}

// State returns the phase of the current or last build.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Registry returns the host resolver registry.
func (o *Orchestrator) Registry() *resolve.Registry { return o.cfg.Session.Registry() }

// Stages lists the pipeline stages in run order.
func (o *Orchestrator) Stages() []string { return o.cfg.Pipeline.Names() }

// History returns the attached history store, or nil.
func (o *Orchestrator) History() *history.Store { return o.cfg.History }

// Report summarizes one build.
type Report struct {
	BuildID     string             `json:"build_id,omitempty"`
	Page        string             `json:"page"`
	OutputDir   string             `json:"output_dir"`
	State       State              `json:"state"`
	Resources   int                `json:"resources"`
	Eligible    int                `json:"eligible"`
	Artifacts   []builder.Artifact `json:"artifacts"`
	Sources     []string           `json:"sources,omitempty"`
	FailedStage string             `json:"failed_stage,omitempty"`
	Error       string             `json:"error,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

// OutputDirFor returns the default output directory for a page: the
// directory holding it, with a trailing slash. Pages served over http(s)
// build into the working directory, returned as "".
func OutputDirFor(pageURL string) string {
	if fetch.IsRemote(pageURL) {
		return ""
	}
	p := strings.TrimPrefix(pageURL, "file://")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i+1]
}

func normalize(pageURL string, opts builder.Options) builder.Options {
	if opts.OutputDir == "" {
		opts.OutputDir = OutputDirFor(pageURL)
	} else if !strings.HasSuffix(opts.OutputDir, "/") {
		opts.OutputDir += "/"
	}
	opts.PageURL = pageURL
	return opts
}

// RunBuild opens pageURL, runs every stage over its resources and returns
// the report. A page that fails to load returns its *session.PageLoadError
// unchanged; a failing stage returns its *builder.StageError. In both cases
// the returned report describes how far the build got. Artifacts written by
// stages that completed before a failure are kept.
func (o *Orchestrator) RunBuild(ctx context.Context, pageURL string, opts builder.Options) (*Report, error) {
	if !o.slot.TryAcquire(1) {
		return nil, ErrBuildInProgress
	}
	defer o.slot.Release(1)

	log := o.cfg.Logger
	start := time.Now()
	opts = normalize(pageURL, opts)
	rep := &Report{Page: pageURL, OutputDir: opts.OutputDir, Artifacts: []builder.Artifact{}}
	if !fetch.IsRemote(pageURL) {
		rep.Sources = []string{fetch.LocalPath(pageURL)}
	}
	rep.BuildID = o.recordStart(ctx, pageURL, opts)

	if err := o.advance(StateOpening); err != nil {
		return nil, err
	}
	log.Info("orchestrator: building", "build_id", rep.BuildID, "url", pageURL, "output_dir", opts.OutputDir)

	view, err := o.cfg.Session.Open(ctx, pageURL)
	if err != nil {
		return o.fail(ctx, rep, start, err)
	}

	if err := o.advance(StateExtracting); err != nil {
		return nil, err
	}
	rep.Resources = view.Len()
	rep.Sources = append(rep.Sources, localSources(view)...)
	rep.Eligible = view.Select(builder.Eligible(opts)).Len()

	if err := o.advance(StateRunningStages); err != nil {
		return nil, err
	}
	sctx := builder.WithArtifactSink(ctx, func(a builder.Artifact) {
		rep.Artifacts = append(rep.Artifacts, a)
	})
	if err := o.cfg.Pipeline.Run(sctx, view, opts); err != nil {
		return o.fail(ctx, rep, start, err)
	}

	if err := o.advance(StateCompleted); err != nil {
		return nil, err
	}
	rep.State = StateCompleted
	rep.Duration = time.Since(start)
	o.recordFinish(ctx, rep, nil)
	log.Info("orchestrator: build completed", "build_id", rep.BuildID, "url", pageURL,
		"resources", rep.Resources, "eligible", rep.Eligible, "artifacts", len(rep.Artifacts), "duration", rep.Duration)
	return rep, nil
}

// localSources lists the filesystem paths of the view's external resources.
func localSources(view *resource.View) []string {
	var out []string
	for _, d := range view.Descriptors("") {
		loc, ok := d.Location()
		if !ok {
			continue
		}
		p := fetch.Join(loc, d.Base())
		if fetch.IsRemote(p) || strings.HasPrefix(p, fetch.RootMarker) {
			continue
		}
		out = append(out, fetch.LocalPath(p))
	}
	return out
}

func (o *Orchestrator) fail(ctx context.Context, rep *Report, start time.Time, cause error) (*Report, error) {
	if err := o.advance(StateFailed); err != nil {
		return nil, err
	}
	rep.State = StateFailed
	rep.Error = cause.Error()
	var se *builder.StageError
	if errors.As(cause, &se) {
		rep.FailedStage = se.Stage
	}
	rep.Duration = time.Since(start)
	o.recordFinish(ctx, rep, cause)
	o.cfg.Logger.Warn("orchestrator: build failed", "build_id", rep.BuildID, "url", rep.Page,
		"stage", rep.FailedStage, "error", cause)
	return rep, cause
}

func (o *Orchestrator) advance(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return transition(&o.state, o.state, to)
}

// recordStart and recordFinish never fail a build: a broken history store is
// logged and otherwise ignored.
func (o *Orchestrator) recordStart(ctx context.Context, pageURL string, opts builder.Options) string {
	if o.cfg.History == nil {
		return ""
	}
	id, err := o.cfg.History.Start(ctx, pageURL, opts)
	if err != nil {
		o.cfg.Logger.Error("orchestrator: history start failed", "url", pageURL, "error", err)
		return ""
	}
	return id
}

func (o *Orchestrator) recordFinish(ctx context.Context, rep *Report, cause error) {
	if o.cfg.History == nil || rep.BuildID == "" {
		return
	}
	err := o.cfg.History.Finish(context.WithoutCancel(ctx), rep.BuildID, history.Outcome{
		Err:         cause,
		FailedStage: rep.FailedStage,
		Resources:   rep.Resources,
		Artifacts:   rep.Artifacts,
	})
	if err != nil {
		o.cfg.Logger.Error("orchestrator: history finish failed", "build_id", rep.BuildID, "error", err)
	}
}

// Inspection lists a page's resources without building it.
type Inspection struct {
	Page      string                `json:"page"`
	Resources []resource.Descriptor `json:"resources"`
	Types     []string              `json:"types"`
}

// Inspect opens pageURL and lists its descriptors in processing order. Types
// the page declares are merged into the registry as they would be by a build.
func (o *Orchestrator) Inspect(ctx context.Context, pageURL string) (*Inspection, error) {
	if !o.slot.TryAcquire(1) {
		return nil, ErrBuildInProgress
	}
	defer o.slot.Release(1)

	view, err := o.cfg.Session.Open(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return &Inspection{
		Page:      pageURL,
		Resources: view.Descriptors(""),
		Types:     o.Registry().Types(),
	}, nil
}

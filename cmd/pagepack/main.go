// Command pagepack builds an HTML page's opted-in scripts and styles into
// production artifacts.
//
// Usage:
//
//	pagepack build site/index.html             # production.js, production.css next to the page
//	pagepack build -o dist/ --all --minify URL # everything, minified, into dist/
//	pagepack inspect site/index.html           # list resources in processing order
//	pagepack serve                             # HTTP API
//	pagepack mcp                               # MCP over stdio
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/pagepack/builder"
	"github.com/hazyhaar/pagepack/config"
	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/history"
	"github.com/hazyhaar/pagepack/horosafe"
	"github.com/hazyhaar/pagepack/orchestrator"
	"github.com/hazyhaar/pagepack/session"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "pagepack",
	Short:         "Combine a page's scripts and styles into production artifacts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "abort after this long (0: no limit)")

	rootCmd.AddCommand(buildCmd(), inspectCmd(), typesCmd(), historyCmd(), serveCmd(), mcpCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, failColor.Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// app is the wired object graph for one command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	history *history.Store
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("pagepack: close", "error", err)
		}
	}
}

// commandContext applies --timeout to the command's context.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(cmd.Context(), timeout)
	}
	return context.WithCancel(cmd.Context())
}

// newApp loads the configuration and wires the fetcher, environment,
// session, pipeline and history store into an orchestrator.
func newApp(withHistory bool) (*app, error) {
	logger := newLogger()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	fopts := []fetch.Option{
		fetch.WithLogger(logger),
		fetch.WithClient(&http.Client{Timeout: cfg.Fetch.Timeout}),
		fetch.WithMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.Fetch.Root != "" {
		fopts = append(fopts, fetch.WithRoot(cfg.Fetch.Root))
	}
	if cfg.Fetch.UserAgent != "" {
		fopts = append(fopts, fetch.WithUserAgent(cfg.Fetch.UserAgent))
	}
	var checkURL func(string) error
	if cfg.Fetch.ValidateURLs {
		checkURL = horosafe.ValidateURL
		fopts = append(fopts, fetch.WithURLCheck(checkURL))
	}
	fetcher := fetch.New(fopts...)

	var env session.Environment
	switch cfg.Browser.Mode {
	case config.ModeHeadless, config.ModeRemote:
		be := session.NewBrowserEnvironment(session.BrowserConfig{
			RemoteURL:         cfg.Browser.Remote,
			Bin:               cfg.Browser.Bin,
			Stealth:           cfg.Browser.Stealth,
			Block:             cfg.Browser.ResourceBlocking,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			Logger:            logger,
		})
		a.closers = append(a.closers, be.Close)
		env = be
	default:
		env = session.NewStaticEnvironment(fetcher, logger)
	}

	pipeline := builder.Defaults(builder.WithLogger(logger))
	if len(cfg.Build.Stages) > 0 {
		if pipeline, err = pipeline.Subset(cfg.Build.Stages); err != nil {
			a.Close()
			return nil, fmt.Errorf("config: build.stages: %w", err)
		}
	}

	if withHistory && cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path, history.WithLogger(logger))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.history = store
		a.closers = append(a.closers, store.Close)
	}

	a.orch = orchestrator.New(orchestrator.Config{
		Session: session.New(session.Config{
			Environment: env,
			Fetcher:     fetcher,
			Logger:      logger,
		}),
		Pipeline:     pipeline,
		History:      a.history,
		ArtifactRoot: cfg.Server.ArtifactRoot,
		CheckURL:     checkURL,
		Logger:       logger,
	})
	return a, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/pagepack/builder"
	"github.com/hazyhaar/pagepack/history"
	"github.com/hazyhaar/pagepack/orchestrator"
	"github.com/hazyhaar/pagepack/watch"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func buildCmd() *cobra.Command {
	var (
		outDir     string
		includeAll bool
		minify     bool
		marker     string
		asJSON     bool
		watchFiles bool
	)
	cmd := &cobra.Command{
		Use:   "build <page>",
		Short: "Build a page into production.js and production.css",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := builder.Options{
				OutputDir:  a.cfg.Build.OutputDir,
				IncludeAll: a.cfg.Build.IncludeAll,
				Minify:     a.cfg.Build.Minify,
				Marker:     a.cfg.Build.Marker,
			}
			flags := cmd.Flags()
			if flags.Changed("output") {
				opts.OutputDir = outDir
			}
			if flags.Changed("all") {
				opts.IncludeAll = includeAll
			}
			if flags.Changed("minify") {
				opts.Minify = minify
			}
			if flags.Changed("marker") {
				opts.Marker = marker
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			build := func(ctx context.Context) (*orchestrator.Report, error) {
				rep, err := a.orch.RunBuild(ctx, args[0], opts)
				if asJSON && rep != nil {
					printJSON(rep)
				} else if rep != nil {
					printReport(rep)
				}
				return rep, err
			}

			rep, err := build(ctx)
			if !watchFiles {
				return err
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, failColor.Sprint("error: ")+err.Error())
			}
			return watchBuild(ctx, a, rep, build)
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "artifact directory (default: the page's directory)")
	cmd.Flags().BoolVar(&includeAll, "all", false, "build every resource, not only opted-in ones")
	cmd.Flags().BoolVar(&minify, "minify", false, "minify the combined artifacts")
	cmd.Flags().StringVar(&marker, "marker", builder.DefaultMarker, "opt-in attribute name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVarP(&watchFiles, "watch", "w", false, "rebuild when the page or a local resource changes")
	return cmd
}

// watchBuild reruns build whenever one of the files the last build read
// changes, until ctx ends.
func watchBuild(ctx context.Context, a *app, rep *orchestrator.Report, build func(context.Context) (*orchestrator.Report, error)) error {
	var mu sync.Mutex
	sources := func() []string {
		mu.Lock()
		defer mu.Unlock()
		if rep == nil {
			return nil
		}
		return rep.Sources
	}
	w := watch.New(watch.Options{
		Interval: a.cfg.Watch.Interval,
		Debounce: a.cfg.Watch.Debounce,
		Detector: watch.Files(sources),
		Logger:   a.logger,
	})
	fmt.Println(dimColor.Sprint("watching for changes, ctrl-c to stop"))
	w.OnChange(ctx, func(ctx context.Context) error {
		next, err := build(ctx)
		if next != nil {
			mu.Lock()
			moved := rep == nil || !slices.Equal(rep.Sources, next.Sources)
			rep = next
			mu.Unlock()
			if moved {
				w.Rebase()
			}
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, failColor.Sprint("error: ")+err.Error())
		}
		return nil
	})
	s := w.Stats()
	fmt.Println(dimColor.Sprintf("stopped after %d rebuilds (%d checks, %d errors)", s.Runs, s.Checks, s.Errors))
	return nil
}

func printReport(rep *orchestrator.Report) {
	if rep.State == orchestrator.StateCompleted {
		okColor.Print("built ")
	} else {
		failColor.Print("failed ")
	}
	fmt.Printf("%s %s\n", rep.Page, dimColor.Sprintf("(%d resources, %d eligible, %s)",
		rep.Resources, rep.Eligible, rep.Duration.Round(time.Millisecond)))
	for _, art := range rep.Artifacts {
		fmt.Printf("  %-9s %s %s\n", art.Stage, art.Path, dimColor.Sprintf("%d bytes", art.Bytes))
	}
	if rep.FailedStage != "" {
		fmt.Printf("  %-9s %s\n", rep.FailedStage, failColor.Sprint(rep.Error))
	}
	if rep.BuildID != "" {
		fmt.Println(dimColor.Sprint("  build " + rep.BuildID))
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <page>",
		Short: "List the resources a page processes, in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()
			ins, err := a.orch.Inspect(ctx, args[0])
			if err != nil {
				return err
			}
			eligible := builder.Eligible(builder.Options{Marker: a.cfg.Build.Marker})
			for _, d := range ins.Resources {
				mark := " "
				if eligible(d) {
					mark = okColor.Sprint("*")
				}
				src := "inline"
				if loc, ok := d.Location(); ok {
					src = loc
				}
				fmt.Printf("%s %3d %-6s %-24s %s\n", mark, d.Ordinal(), d.Kind(), d.Type(), src)
			}
			return nil
		},
	}
}

func typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the built-in resource types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, t := range a.orch.Registry().Types() {
				fmt.Println(t)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [build-id]",
		Short: "List recorded builds, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.history == nil {
				return errors.New("history.path is not configured")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if len(args) == 1 {
				b, err := a.history.Get(ctx, args[0])
				if err != nil {
					return err
				}
				arts, err := a.history.Artifacts(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(orchestrator.BuildDetail{Build: *b, Artifacts: arts})
				return nil
			}
			builds, err := a.history.Recent(ctx, limit)
			if err != nil {
				return err
			}
			for _, b := range builds {
				status := okColor.Sprint(b.Status)
				if b.Status != history.StatusCompleted {
					status = failColor.Sprint(b.Status)
				}
				fmt.Printf("%s  %s  %-9s %s\n", b.ID, b.StartedAt.Format(time.DateTime), status, b.Page)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum builds to list")
	cmd.AddCommand(pruneCmd())
	return cmd
}

func pruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete recorded builds older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.history == nil {
				return errors.New("history.path is not configured")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			n, err := a.history.Prune(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d builds\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the builds to delete")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           a.orch.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx := cmd.Context()
			errCh := make(chan error, 1)
			go func() {
				a.logger.Warn("pagepack: serving", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the build tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(&mcp.Implementation{Name: "pagepack", Version: version}, nil)
			a.orch.RegisterMCP(srv)
			return srv.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

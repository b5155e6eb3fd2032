package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/convotest/config"
	"github.com/c360studio/convotest/judge"
	"github.com/c360studio/convotest/runs"
	"github.com/c360studio/convotest/suite"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	addr  string
	watch bool
}

func serveCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve [suite files or globs...]",
		Short: "Serve the runs and judge HTTP API",
		Long: `Serve loads the given suites and exposes:

  POST /runs/start          start a run of a loaded suite
  GET  /runs                list runs
  GET  /runs/{id}           get a run
  POST /runs/{id}/stop      stop a run
  POST /judge               evaluate a transcript
  POST /orgs/{orgId}/judge  evaluate a transcript for an organization
  GET  /metrics             Prometheus metrics
  GET  /healthz             liveness

Run progress is published on NATS subject convotest.runs.<id>.progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			if f.addr != "" {
				cfg.Server.Addr = f.addr
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger, args, f.watch)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Reload suites when their files change")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, patterns []string, watch bool) error {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := app.StartNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	defer app.Shutdown()

	cat := suite.NewCatalog(app.SuiteLoader(), logger)
	if len(patterns) > 0 {
		loaded, err := cat.LoadAll(patterns)
		if err != nil {
			logger.Warn("Some suites failed to load", "error", err)
		}
		logger.Info("Suites loaded", "count", len(loaded))
	}

	j, err := app.BuildJudge(ctx)
	if err != nil {
		return err
	}
	collector := runs.NewCollector()
	svc, err := app.NewRunService(ctx, cat, j, collector)
	if err != nil {
		return err
	}
	defer svc.Close()

	auth := runs.AuthConfig{
		APIToken:   cfg.Server.APIToken,
		HMACSecret: cfg.Server.HMACSecret,
		MaxSkew:    config.Duration(cfg.Server.MaxSkew, runs.DefaultMaxClockSkew),
	}
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServeMux(svc, j, collector, auth, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", server.Addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if watch && len(patterns) > 0 {
		g.Go(func() error {
			return reloadOnChange(gctx, cat, patterns, logger)
		})
	}

	err = g.Wait()
	logger.Info("convotest shutdown complete")
	return err
}

// newServeMux mounts the runs API and judge behind auth, with metrics and
// health left open.
func newServeMux(svc *runs.Service, j judge.Judge, collector *runs.Collector, auth runs.AuthConfig, logger *slog.Logger) *http.ServeMux {
	api := http.NewServeMux()
	runs.NewHandler(svc, logger).RegisterHTTPHandlers("/runs", api)
	judge.NewHandler(j, logger).RegisterHTTPHandlers("/", api)
	protected := runs.RequireAuth(auth, api)

	mux := http.NewServeMux()
	mux.Handle("/runs", protected)
	mux.Handle("/runs/", protected)
	mux.Handle("/judge", protected)
	mux.Handle("/orgs/", protected)
	mux.Handle("GET /metrics", collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// reloadOnChange keeps the catalog in sync with the suite files.
func reloadOnChange(ctx context.Context, cat *suite.Catalog, patterns []string, logger *slog.Logger) error {
	w, err := suite.NewWatcher(patterns, suite.DefaultDebounce, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if ev.Operation == suite.WatchOpDelete {
				cat.Remove(ev.Path)
				logger.Info("Suite removed", "path", ev.Path)
				continue
			}
			if s, err := cat.Reload(ev.Path); err != nil {
				logger.Warn("Suite reload failed", "path", ev.Path, "error", err)
			} else {
				logger.Info("Suite reloaded", "suite", s.ID, "path", ev.Path, "op", ev.Operation)
			}
		}
	}
}

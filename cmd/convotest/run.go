package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/convotest/config"
	"github.com/c360studio/convotest/engine"
	"github.com/c360studio/convotest/runs"
	"github.com/c360studio/convotest/suite"
)

// errRunsFailed is returned when at least one run did not pass.
var errRunsFailed = errors.New("one or more runs did not pass")

func exitCode(err error) int {
	if errors.Is(err, errRunsFailed) || errors.Is(err, errVerdictFailed) {
		return 3
	}
	return 1
}

type runFlags struct {
	watch      bool
	metricsOut string
	tests      []string
	jsonOut    bool
	trigger    string
	authHeader string
	webhookURL string
	baseURL    string
	channel    string
}

func runCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [suite files or globs...]",
		Short: "Run conversation test suites",
		Long: `Run loads every suite matching the given files or glob patterns
(** matches any number of directories), runs each once and prints a summary.
The exit status is 3 when any run does not pass.

With --watch, suites are re-run whenever their files change.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			if cfg.Runs.Store == config.StoreKV {
				if err := app.StartNATS(ctx); err != nil {
					return err
				}
				defer app.Shutdown()
			}
			return runSuites(ctx, cmd.OutOrStdout(), app, args, f)
		},
	}

	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Re-run suites when their files change")
	cmd.Flags().StringVar(&f.metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	cmd.Flags().StringSliceVar(&f.tests, "test", nil, "Only run tests with these ids")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Print run records as JSON")
	cmd.Flags().StringVar(&f.trigger, "trigger", runs.TriggerManual, "Run trigger (manual, schedule, ci)")
	cmd.Flags().StringVar(&f.authHeader, "auth-header", "", "Authorization header for request steps")
	cmd.Flags().StringVar(&f.webhookURL, "webhook", "", "Webhook notified when each run finishes")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "Override the assistant base URL of every suite")
	cmd.Flags().StringVar(&f.channel, "channel", "", "Override the channel of every suite")
	return cmd
}

// runSuites runs every suite matching patterns once and, with --watch,
// again on every change until ctx ends.
func runSuites(ctx context.Context, out io.Writer, app *App, patterns []string, f *runFlags) error {
	logger := app.logger
	if f.webhookURL == "" {
		f.webhookURL = app.cfg.Runs.WebhookURL
	}

	cat := suite.NewCatalog(app.SuiteLoader(), logger)
	loaded, loadErr := cat.LoadAll(patterns)
	if loadErr != nil {
		logger.Warn("Some suites failed to load", "error", loadErr)
	}
	if len(loaded) == 0 && !f.watch {
		if loadErr != nil {
			return fmt.Errorf("no runnable suites: %w", loadErr)
		}
		return fmt.Errorf("no suites match %v", patterns)
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

	failed := false
	for _, s := range cat.Suites() {
		if !runOne(ctx, out, svc, s, f, logger) {
			failed = true
		}
	}

	if f.watch {
		if err := watchSuites(ctx, out, svc, cat, patterns, f, logger); err != nil {
			return err
		}
	}

	if f.metricsOut != "" {
		if err := collector.WriteFile(f.metricsOut); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
		logger.Info("Metrics written", "path", f.metricsOut)
	}

	if failed {
		return errRunsFailed
	}
	return nil
}

// runOne runs a suite and prints its outcome. It reports whether the run
// passed.
func runOne(ctx context.Context, out io.Writer, svc *runs.Service, s *suite.Suite, f *runFlags, logger *slog.Logger) bool {
	req := runs.StartRequest{
		SuiteID:    s.ID,
		Tests:      f.tests,
		Trigger:    f.trigger,
		AuthHeader: f.authHeader,
		WebhookURL: f.webhookURL,
	}
	if f.baseURL != "" || f.channel != "" {
		env := s.Environment
		if f.baseURL != "" {
			env.BaseURL = f.baseURL
		}
		if f.channel != "" {
			env.Channel = f.channel
		}
		req.Environment = &env
	}

	run, err := svc.Run(ctx, req)
	if err != nil {
		if errors.Is(err, runs.ErrNoTests) {
			logger.Warn("No tests selected", "suite", s.ID, "tests", f.tests)
			return true
		}
		logger.Error("Run failed to start", "suite", s.ID, "error", err)
		return false
	}

	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			logger.Error("Failed to encode run", "run", run.ID, "error", err)
		}
	} else {
		printRun(out, s, run)
	}
	return run.Status == runs.StatusPassed
}

func printRun(out io.Writer, s *suite.Suite, run *runs.Run) {
	mark := "✓"
	if run.Status != runs.StatusPassed {
		mark = "✗"
	}
	fmt.Fprintf(out, "%s %s (%s) %s\n", mark, s.ID, run.ID, run.Status)
	if run.Totals != nil {
		fmt.Fprintf(out, "  tests: %d passed, %d failed, %d skipped\n", run.Totals.Passed, run.Totals.Failed, run.Totals.Skipped)
	}
	if run.PassRate != nil {
		fmt.Fprintf(out, "  pass rate: %.1f%%\n", *run.PassRate*100)
	}
	if run.Judge != nil && run.Judge.AvgScore != nil {
		fmt.Fprintf(out, "  judge: avg %.2f (min %.2f)\n", *run.Judge.AvgScore, run.Judge.Thresholds.JudgeMin)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", run.Error)
	}
	for _, it := range run.Items {
		if it.Status == engine.StatusPassed {
			continue
		}
		name := it.TestName
		if name == "" {
			name = it.TestID
		}
		reason := ""
		if it.Error != nil {
			reason = it.Error.Message
		} else {
			for _, a := range it.Assertions {
				if a.Failing() {
					label := a.Name
					if label == "" {
						label = a.Type
					}
					reason = fmt.Sprintf("assertion %s failed", label)
					break
				}
			}
		}
		fmt.Fprintf(out, "  - %s: %s %s\n", name, it.Status, reason)
	}
}

// watchSuites re-runs suites as their files change until ctx ends.
func watchSuites(ctx context.Context, out io.Writer, svc *runs.Service, cat *suite.Catalog, patterns []string, f *runFlags, logger *slog.Logger) error {
	w, err := suite.NewWatcher(patterns, suite.DefaultDebounce, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Fprintln(out, "Watching for changes. Press Ctrl+C to stop.")
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
			s, err := cat.Reload(ev.Path)
			if err != nil {
				logger.Warn("Suite reload failed", "path", ev.Path, "error", err)
				continue
			}
			runOne(ctx, out, svc, s, f, logger)
		}
	}
}

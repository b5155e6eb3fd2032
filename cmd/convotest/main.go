// Package main provides the convotest binary entry point.
// convotest runs conversation test suites against chat assistants, either
// once from the command line or as an HTTP service.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/convotest/llm/providers"

	"github.com/c360studio/convotest/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "convotest"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	envFiles   []string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Conversation test runner for chat assistants",
		Long: `convotest drives scripted and judge-led conversations against a chat
assistant, evaluates the replies with assertions and an LLM or heuristic
judge, and reports pass rates per suite.

Suites are JSON files. Run them once with "convotest run", or start the
HTTP API with "convotest serve".`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML); default searches for "+config.ProjectConfigFile)
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "Env files loaded before reading the environment")

	cmd.AddCommand(runCmd(g), serveCmd(g), judgeCmd(g))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setup configures logging and loads the layered configuration.
func (g *globalFlags) setup() (*config.Config, *slog.Logger, error) {
	logger := newLogger(g.logLevel)
	slog.SetDefault(logger)

	var opts []config.LoaderOption
	if g.configPath != "" {
		opts = append(opts, config.WithConfigFile(g.configPath))
	}
	opts = append(opts, config.WithEnvFiles(g.envFiles...))
	cfg, err := config.NewLoader(logger, opts...).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/convotest/config"
	"github.com/c360studio/convotest/engine"
	"github.com/c360studio/convotest/extraction"
	"github.com/c360studio/convotest/judge"
	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/llm/bedrock"
	"github.com/c360studio/convotest/model"
	"github.com/c360studio/convotest/requests"
	"github.com/c360studio/convotest/runs"
	"github.com/c360studio/convotest/suite"
	"github.com/c360studio/convotest/synth"
)

// App wires configuration into the judge, engine and run service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	registry  *model.Registry
	llmClient *llm.Client
	callStore *llm.CallStore
}

// NewApp creates a new application instance and loads the model registry.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, logger: logger, registry: registry}, nil
}

func loadRegistry(cfg *config.Config) (*model.Registry, error) {
	var registry *model.Registry
	if cfg.LLM.RegistryFile != "" {
		r, err := model.LoadFromFile(cfg.LLM.RegistryFile)
		if err != nil {
			return nil, fmt.Errorf("load model registry: %w", err)
		}
		registry = r
	} else {
		registry = model.NewDefaultRegistry()
		if m := cfg.Chat.OpenAIModel; m != "" && registry.Resolve(model.CapabilityChat) != m {
			var fallback []string
			for _, name := range registry.GetFallbackChain(model.CapabilityChat) {
				if name != m {
					fallback = append(fallback, name)
				}
			}
			registry.SetEndpoint(m, &model.EndpointConfig{Provider: "openai", Model: m})
			registry.SetCapability(model.CapabilityChat, &model.CapabilityConfig{
				Description: "Assistant under test for direct chat channels",
				Preferred:   []string{m},
				Fallback:    fallback,
			})
		}
	}
	if cfg.LLM.DefaultModel != "" {
		registry.SetDefault(cfg.LLM.DefaultModel)
	}
	return registry, nil
}

// StartNATS starts an embedded server or connects to cfg.NATS.URL.
func (a *App) StartNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name("convotest"), nats.MaxReconnects(-1))
		if err != nil {
			return wrapNATSError(err, a.cfg.NATS.URL)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	store, err := llm.NewCallStore(ctx, js, config.Duration(a.cfg.Runs.CallTTL, llm.DefaultCallsTTL), a.logger)
	if err != nil {
		a.logger.Warn("LLM call recording disabled", "error", err)
	} else {
		a.callStore = store
	}
	return nil
}

// wrapNATSError provides guidance when a NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Unset nats.url to use the embedded server, or set CONVOTEST_NATS_URL to a
reachable server.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

// Shutdown closes the NATS connection and the embedded server.
func (a *App) Shutdown() {
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

// LLMClient returns the registry-backed client, recording calls when the
// call store is available.
func (a *App) LLMClient() *llm.Client {
	if a.llmClient != nil {
		return a.llmClient
	}
	opts := []llm.ClientOption{llm.WithLogger(a.logger)}
	if d := config.Duration(a.cfg.LLM.Timeout, 0); d > 0 {
		opts = append(opts, llm.WithHTTPClient(newHTTPClient(d)))
	}
	if a.callStore != nil {
		opts = append(opts, llm.WithCallRecorder(a.callStore))
	}
	a.llmClient = llm.NewClient(a.registry, opts...)
	return a.llmClient
}

// registryUsable reports whether the registry endpoint for c can be called
// with the credentials in the environment.
func (a *App) registryUsable(c model.Capability) bool {
	ep := a.registry.GetEndpoint(a.registry.Resolve(c))
	if ep == nil {
		return false
	}
	switch ep.Provider {
	case "ollama":
		return true
	case "anthropic":
		return ep.APIKey("ANTHROPIC_API_KEY") != ""
	default:
		return ep.APIKey("OPENAI_API_KEY") != ""
	}
}

// BuildJudge selects the judge named in the configuration. The auto
// provider uses the model registry when it has credentials and the
// heuristic judge otherwise.
func (a *App) BuildJudge(ctx context.Context) (judge.Judge, error) {
	jc := a.cfg.Judge
	var completer llm.Completer
	switch strings.ToLower(jc.Provider) {
	case judge.ProviderBedrock:
		b, err := bedrock.New(ctx, bedrock.Config{
			Region:      a.cfg.Chat.Region,
			ModelID:     jc.Model,
			Temperature: jc.Temperature,
		}, bedrock.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("bedrock judge: %w", err)
		}
		completer = b
	case judge.ProviderOpenAI, judge.ProviderOllama, judge.ProviderAnthropic:
		completer = a.LLMClient()
	case judge.ProviderAuto:
		if a.registryUsable(model.CapabilityJudge) {
			completer = a.LLMClient()
		}
	}

	return judge.New(judge.Config{
		Provider:    jc.Provider,
		Endpoint:    jc.Endpoint,
		Timeout:     config.Duration(jc.Timeout, 30*time.Second),
		Temperature: jc.Temperature,
		Logger:      a.logger,
	}, completer)
}

// buildExtractor returns the extraction service; heuristic extraction is
// used when configured or when no model is reachable.
func (a *App) buildExtractor() *extraction.Service {
	var completer llm.Completer
	if a.cfg.LLM.ExtractProvider != "heuristic" && a.registryUsable(model.CapabilityExtract) {
		completer = a.LLMClient()
	}
	return extraction.New(completer, extraction.WithLogger(a.logger))
}

// EngineOptions builds the engine configuration shared by every run.
func (a *App) EngineOptions(ctx context.Context, j judge.Judge) []engine.Option {
	opts := []engine.Option{
		engine.WithJudge(j),
		engine.WithExtractor(a.buildExtractor()),
		engine.WithSynthesizer(synth.New(j, a.logger)),
		engine.WithChatTimeout(config.Duration(a.cfg.Chat.Timeout, 30*time.Second)),
		engine.WithLogger(a.logger),
	}
	if len(a.cfg.Chat.FallbackPrompts) > 0 {
		opts = append(opts, engine.WithFallbackPrompts(a.cfg.Chat.FallbackPrompts))
	}
	if a.cfg.Chat.WorkflowURL != "" {
		opts = append(opts,
			engine.WithWorkflow(a.cfg.Chat.WorkflowURL, a.cfg.Judge.Endpoint),
			engine.WithWorkflowTimeout(config.Duration(a.cfg.Chat.WorkflowTimeout, engine.DefaultWorkflowTimeout)),
		)
	}

	opts = append(opts, engine.WithChatCompleter(engine.ChannelOpenAIChat, a.LLMClient(), a.registry.Resolve(model.CapabilityChat)))

	// Bedrock clients resolve credentials lazily, so building one does not
	// require AWS access until a bedrock_chat test runs.
	b, err := bedrock.New(ctx, bedrock.Config{
		Region:  a.cfg.Chat.Region,
		ModelID: a.cfg.Chat.BedrockModel,
	}, bedrock.WithLogger(a.logger))
	if err != nil {
		a.logger.Warn("bedrock_chat channel unavailable", "error", err)
	} else {
		opts = append(opts, engine.WithChatCompleter(engine.ChannelBedrockChat, b, b.ModelID()))
	}
	return opts
}

// SuiteLoader returns a suite loader whose request executors follow the
// requests configuration.
func (a *App) SuiteLoader() *suite.Loader {
	var authOpts []requests.AuthOption
	authOpts = append(authOpts, requests.WithAuthLogger(a.logger))
	if a.cfg.Requests.EncryptionKey != "" {
		authOpts = append(authOpts, requests.WithEncryptionKey(a.cfg.Requests.EncryptionKey))
	}
	auth := requests.NewAuthResolver(requests.NewMemoryTokenCache(time.Minute), authOpts...)

	execOpts := []requests.ExecutorOption{
		requests.WithTimeout(config.Duration(a.cfg.Requests.Timeout, 30*time.Second)),
		requests.WithLogger(a.logger),
	}
	if a.cfg.Requests.BaseURL != "" {
		execOpts = append(execOpts, requests.WithBaseURL(a.cfg.Requests.BaseURL))
	}
	return suite.NewLoader(
		suite.WithAuthResolver(auth),
		suite.WithExecutorOptions(execOpts...),
		suite.WithLogger(a.logger),
	)
}

// NewRunService builds the run service over resolver. A kv run store is
// used when configured and NATS is running.
func (a *App) NewRunService(ctx context.Context, resolver runs.SuiteResolver, j judge.Judge, collector *runs.Collector) (*runs.Service, error) {
	opts := []runs.Option{
		runs.WithSuites(resolver),
		runs.WithEngineOptions(a.EngineOptions(ctx, j)...),
		runs.WithThresholds(runs.Thresholds{PassRateMin: a.cfg.Runs.PassRateMin, JudgeMin: a.cfg.Runs.JudgeMin}),
		runs.WithCollector(collector),
		runs.WithLogger(a.logger),
	}
	if w := runs.NewResultsWriter(a.cfg.Runs.ResultsDir); w != nil {
		opts = append(opts, runs.WithResultsWriter(w))
	}
	opts = append(opts, runs.WithWebhook(runs.NewWebhook(newHTTPClient(config.Duration(a.cfg.Runs.WebhookTimeout, runs.DefaultWebhookTimeout)))))

	if a.js != nil {
		if a.cfg.Runs.Store == config.StoreKV {
			store, err := runs.NewKVStore(ctx, a.js, a.logger)
			if err != nil {
				return nil, err
			}
			opts = append(opts, runs.WithStore(store))
		}
		opts = append(opts, runs.WithPublisher(runs.NewNATSPublisher(a.natsConn)))
	} else if a.cfg.Runs.Store == config.StoreKV {
		return nil, fmt.Errorf("runs.store kv requires NATS")
	}

	return runs.NewService(opts...), nil
}

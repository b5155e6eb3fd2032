package judge

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/convotest/llm"
)

// Provider names accepted by New.
const (
	ProviderAuto      = ""
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderHTTP      = "http"
)

// Config selects and tunes a judge.
type Config struct {
	Provider string
	// Endpoint is the remote judge URL for the http provider.
	Endpoint   string
	AuthHeader string
	Timeout    time.Duration
	// Temperature is passed to model-backed judges when set.
	Temperature *float64
	Logger      *slog.Logger
}

// New builds the judge named by cfg.Provider. Model-backed providers use
// completer, which the caller builds for the provider (the registry client
// for openai, ollama and anthropic, the Bedrock completer for bedrock). A
// model-backed provider without a completer falls back to the heuristic
// judge, as does the auto provider.
func New(cfg Config, completer llm.Completer) (Judge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	llmJudge := func() Judge {
		if completer == nil {
			logger.Info("No model configured for judge, using heuristic judge", "provider", cfg.Provider)
			return NewHeuristic()
		}
		opts := []LLMOption{WithLogger(logger)}
		if cfg.Temperature != nil {
			opts = append(opts, WithTemperature(*cfg.Temperature))
		}
		return NewLLM(completer, opts...)
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderNone:
		return NewHeuristic(), nil
	case ProviderAuto, ProviderOpenAI, ProviderOllama, ProviderAnthropic, ProviderBedrock:
		return llmJudge(), nil
	case ProviderHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("judge provider http requires an endpoint")
		}
		var opts []HTTPOption
		if cfg.AuthHeader != "" {
			opts = append(opts, WithAuthorization(cfg.AuthHeader))
		}
		return NewHTTP(cfg.Endpoint, cfg.Timeout, opts...), nil
	default:
		return nil, fmt.Errorf("unknown judge provider %q", cfg.Provider)
	}
}

// Package config provides configuration loading and management for convotest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Run store backends.
const (
	StoreMemory = "memory"
	StoreKV     = "kv"
)

// Config represents the complete convotest configuration
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Judge    JudgeConfig    `yaml:"judge"`
	Chat     ChatConfig     `yaml:"chat"`
	Requests RequestsConfig `yaml:"requests"`
	Runs     RunsConfig     `yaml:"runs"`
	NATS     NATSConfig     `yaml:"nats"`
	Server   ServerConfig   `yaml:"server"`
}

// LLMConfig configures the model registry used by model-backed judges,
// extraction and direct chat channels.
type LLMConfig struct {
	// RegistryFile is a JSON model registry (empty = built-in defaults)
	RegistryFile string `yaml:"registry_file"`
	// DefaultModel overrides the registry default model
	DefaultModel string `yaml:"default_model"`
	// Timeout bounds a single provider call, e.g. "3m"
	Timeout string `yaml:"timeout"`
	// ExtractProvider selects extraction: "llm" or "heuristic"
	ExtractProvider string `yaml:"extract_provider"`
}

// JudgeConfig selects the judge.
type JudgeConfig struct {
	// Provider is one of openai, ollama, anthropic, bedrock, http or none
	Provider string `yaml:"provider"`
	// Endpoint is the remote judge URL for the http provider
	Endpoint string `yaml:"endpoint"`
	// Model is the Bedrock model id for the bedrock provider
	Model string `yaml:"model"`
	// Threshold is the default pass threshold on a 0-1 scale
	Threshold   float64  `yaml:"threshold"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	Timeout     string   `yaml:"timeout"`
}

// ChatConfig configures how the assistant under test is reached.
type ChatConfig struct {
	Timeout string `yaml:"timeout"`
	// OpenAIModel is the model for the openai_chat channel
	OpenAIModel string `yaml:"openai_model"`
	// BedrockModel is the model id for the bedrock_chat channel
	BedrockModel string `yaml:"bedrock_model"`
	// Region is the AWS region for Bedrock
	Region string `yaml:"region"`
	// WorkflowURL delegates whole tests to a remote workflow runner
	WorkflowURL string `yaml:"workflow_url"`
	// WorkflowTimeout bounds one delegated test, e.g. "5m"
	WorkflowTimeout string `yaml:"workflow_timeout"`
	// FallbackPrompts replace the built-in opening prompts
	FallbackPrompts []string `yaml:"fallback_prompts"`
}

// RequestsConfig configures the request executor.
type RequestsConfig struct {
	Timeout string `yaml:"timeout"`
	// BaseURL resolves relative request URLs
	BaseURL string `yaml:"base_url"`
	// EncryptionKey opens sealed client secrets in auth blocks
	EncryptionKey string `yaml:"encryption_key"`
}

// RunsConfig configures run persistence and reporting.
type RunsConfig struct {
	// Store is "memory" or "kv"
	Store string `yaml:"store"`
	// ResultsDir receives one JSON document per finished run (empty = off)
	ResultsDir string `yaml:"results_dir"`
	// WebhookURL is notified when a run finishes
	WebhookURL     string  `yaml:"webhook_url"`
	WebhookTimeout string  `yaml:"webhook_timeout"`
	PassRateMin    float64 `yaml:"pass_rate_min"`
	JudgeMin       float64 `yaml:"judge_min"`
	// CallTTL is how long recorded LLM calls are kept in the kv store
	CallTTL string `yaml:"call_ttl"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream directory for the embedded server
	StoreDir string `yaml:"store_dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	APIToken   string `yaml:"api_token"`
	HMACSecret string `yaml:"hmac_secret"`
	MaxSkew    string `yaml:"max_skew"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Timeout:         "3m",
			ExtractProvider: "llm",
		},
		Judge: JudgeConfig{
			Provider:  "",
			Threshold: 0.75,
			Timeout:   "30s",
		},
		Chat: ChatConfig{
			Timeout:     "30s",
			OpenAIModel: "gpt-4.1-mini",
			Region:      "us-east-1",
		},
		Requests: RequestsConfig{
			Timeout: "30s",
		},
		Runs: RunsConfig{
			Store:          StoreMemory,
			WebhookTimeout: "10s",
			PassRateMin:    0.99,
			JudgeMin:       0.75,
			CallTTL:        "24h",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Server: ServerConfig{
			Addr:    ":8080",
			MaxSkew: "5m",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	durations := map[string]string{
		"llm.timeout":           c.LLM.Timeout,
		"judge.timeout":         c.Judge.Timeout,
		"chat.timeout":          c.Chat.Timeout,
		"chat.workflow_timeout": c.Chat.WorkflowTimeout,
		"requests.timeout":      c.Requests.Timeout,
		"runs.webhook_timeout":  c.Runs.WebhookTimeout,
		"runs.call_ttl":         c.Runs.CallTTL,
		"server.max_skew":       c.Server.MaxSkew,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}

	if c.Judge.Threshold < 0 || c.Judge.Threshold > 1 {
		return fmt.Errorf("judge.threshold must be between 0 and 1")
	}
	if c.Runs.PassRateMin < 0 || c.Runs.PassRateMin > 1 {
		return fmt.Errorf("runs.pass_rate_min must be between 0 and 1")
	}
	if c.Runs.JudgeMin < 0 || c.Runs.JudgeMin > 1 {
		return fmt.Errorf("runs.judge_min must be between 0 and 1")
	}
	switch c.Runs.Store {
	case StoreMemory, StoreKV:
	default:
		return fmt.Errorf("runs.store must be %q or %q", StoreMemory, StoreKV)
	}
	switch c.Judge.Provider {
	case "", "none", "openai", "ollama", "anthropic", "bedrock":
	case "http":
		if c.Judge.Endpoint == "" {
			return fmt.Errorf("judge.endpoint is required for the http provider")
		}
	default:
		return fmt.Errorf("judge.provider %q is not supported", c.Judge.Provider)
	}
	switch c.LLM.ExtractProvider {
	case "", "llm", "heuristic":
	default:
		return fmt.Errorf("llm.extract_provider %q is not supported", c.LLM.ExtractProvider)
	}
	return nil
}

// Duration parses a duration setting, returning fallback when it is empty
// or invalid. Validate reports invalid values.
func Duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Secrets may be present.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// LLM
	setString(&c.LLM.RegistryFile, other.LLM.RegistryFile)
	setString(&c.LLM.DefaultModel, other.LLM.DefaultModel)
	setString(&c.LLM.Timeout, other.LLM.Timeout)
	setString(&c.LLM.ExtractProvider, other.LLM.ExtractProvider)

	// Judge
	setString(&c.Judge.Provider, other.Judge.Provider)
	setString(&c.Judge.Endpoint, other.Judge.Endpoint)
	setString(&c.Judge.Model, other.Judge.Model)
	setString(&c.Judge.Timeout, other.Judge.Timeout)
	if other.Judge.Threshold != 0 {
		c.Judge.Threshold = other.Judge.Threshold
	}
	if other.Judge.Temperature != nil {
		t := *other.Judge.Temperature
		c.Judge.Temperature = &t
	}

	// Chat
	setString(&c.Chat.Timeout, other.Chat.Timeout)
	setString(&c.Chat.OpenAIModel, other.Chat.OpenAIModel)
	setString(&c.Chat.BedrockModel, other.Chat.BedrockModel)
	setString(&c.Chat.Region, other.Chat.Region)
	setString(&c.Chat.WorkflowURL, other.Chat.WorkflowURL)
	setString(&c.Chat.WorkflowTimeout, other.Chat.WorkflowTimeout)
	if len(other.Chat.FallbackPrompts) > 0 {
		c.Chat.FallbackPrompts = other.Chat.FallbackPrompts
	}

	// Requests
	setString(&c.Requests.Timeout, other.Requests.Timeout)
	setString(&c.Requests.BaseURL, other.Requests.BaseURL)
	setString(&c.Requests.EncryptionKey, other.Requests.EncryptionKey)

	// Runs
	setString(&c.Runs.Store, other.Runs.Store)
	setString(&c.Runs.ResultsDir, other.Runs.ResultsDir)
	setString(&c.Runs.WebhookURL, other.Runs.WebhookURL)
	setString(&c.Runs.WebhookTimeout, other.Runs.WebhookTimeout)
	setString(&c.Runs.CallTTL, other.Runs.CallTTL)
	if other.Runs.PassRateMin != 0 {
		c.Runs.PassRateMin = other.Runs.PassRateMin
	}
	if other.Runs.JudgeMin != 0 {
		c.Runs.JudgeMin = other.Runs.JudgeMin
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	setString(&c.NATS.StoreDir, other.NATS.StoreDir)

	// Server
	setString(&c.Server.Addr, other.Server.Addr)
	setString(&c.Server.APIToken, other.Server.APIToken)
	setString(&c.Server.HMACSecret, other.Server.HMACSecret)
	setString(&c.Server.MaxSkew, other.Server.MaxSkew)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

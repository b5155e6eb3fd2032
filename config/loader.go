package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "convotest.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/convotest"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	// explicit replaces the project config search when set
	explicit string
	envFiles []string
	lookup   func(string) (string, bool)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile uses path instead of searching for a project config.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.explicit = path }
}

// WithEnvFiles loads the named .env files before reading the environment.
// Missing files are ignored.
func WithEnvFiles(paths ...string) LoaderOption {
	return func(l *Loader) { l.envFiles = append(l.envFiles, paths...) }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) { l.lookup = fn }
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/convotest/config.yaml)
// 3. Project config (convotest.yaml in current or parent directories, or --config)
// 4. Environment variables, including .env files
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := loadLayer(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !os.IsNotExist(err) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if l.explicit != "" {
		projectConfig, err := loadLayer(l.explicit)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", l.explicit, err)
		}
		l.logger.Debug("Loaded config", slog.String("path", l.explicit))
		config.Merge(projectConfig)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := loadLayer(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	for _, f := range l.envFiles {
		// godotenv.Load never overrides variables already set.
		if err := godotenv.Load(f); err == nil {
			l.logger.Debug("Loaded env file", slog.String("path", f))
		} else if !os.IsNotExist(err) {
			l.logger.Warn("Failed to load env file", slog.String("path", f), slog.String("error", err.Error()))
		}
	}
	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// envBinding maps environment variables onto a string setting. The first
// variable set wins.
type envBinding struct {
	dst  *string
	keys []string
}

func envBindings(c *Config) []envBinding {
	return []envBinding{
		{&c.LLM.RegistryFile, []string{"CONVOTEST_MODEL_REGISTRY"}},
		{&c.LLM.ExtractProvider, []string{"CONVOTEST_EXTRACT_PROVIDER", "EXTRACT_PROVIDER"}},
		{&c.Judge.Provider, []string{"CONVOTEST_JUDGE_PROVIDER", "JUDGE_PROVIDER"}},
		{&c.Judge.Endpoint, []string{"CONVOTEST_JUDGE_URL", "JUDGE_BASE_URL"}},
		{&c.Judge.Model, []string{"BEDROCK_JUDGE_MODEL_ID"}},
		{&c.Chat.OpenAIModel, []string{"OPENAI_MODEL"}},
		{&c.Chat.BedrockModel, []string{"BEDROCK_CHAT_MODEL_ID", "BEDROCK_MODEL_ID"}},
		{&c.Chat.Region, []string{"AWS_REGION"}},
		{&c.Chat.WorkflowURL, []string{"CONVOTEST_WORKFLOW_URL", "WORKFLOW_URL"}},
		{&c.Chat.WorkflowTimeout, []string{"CONVOTEST_WORKFLOW_TIMEOUT"}},
		{&c.Requests.BaseURL, []string{"CONVOTEST_API_BASE_URL", "API_BASE_URL"}},
		{&c.Requests.EncryptionKey, []string{"CONVOTEST_ENC_SECRET", "ENC_SECRET"}},
		{&c.Runs.Store, []string{"CONVOTEST_RUN_STORE"}},
		{&c.Runs.ResultsDir, []string{"CONVOTEST_RESULTS_DIR"}},
		{&c.Runs.WebhookURL, []string{"CONVOTEST_WEBHOOK_URL"}},
		{&c.NATS.URL, []string{"CONVOTEST_NATS_URL", "NATS_URL"}},
		{&c.Server.Addr, []string{"CONVOTEST_ADDR"}},
		{&c.Server.APIToken, []string{"CONVOTEST_API_TOKEN"}},
		{&c.Server.HMACSecret, []string{"CONVOTEST_HMAC_SECRET"}},
	}
}

func (l *Loader) applyEnv(c *Config) error {
	natsURL := c.NATS.URL
	for _, b := range envBindings(c) {
		for _, key := range b.keys {
			if v, ok := l.lookup(key); ok && v != "" {
				*b.dst = v
				break
			}
		}
	}
	if c.NATS.URL != natsURL {
		c.NATS.Embedded = false
	}

	if v, ok := l.lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		c.Server.Addr = ":" + v
	}
	if v, ok := l.lookup("BEDROCK_JUDGE_TEMPERATURE"); ok && v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BEDROCK_JUDGE_TEMPERATURE: %w", err)
		}
		c.Judge.Temperature = &t
	}
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// loadLayer parses a config file without defaults so that Merge only
// applies the values the file sets.
func loadLayer(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &c, nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for convotest.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

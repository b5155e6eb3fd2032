package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Runs.Store != StoreMemory {
		t.Errorf("expected memory run store, got %s", cfg.Runs.Store)
	}
	if cfg.Runs.PassRateMin != 0.99 {
		t.Errorf("expected pass rate min 0.99, got %f", cfg.Runs.PassRateMin)
	}
	if cfg.Judge.Threshold != 0.75 {
		t.Errorf("expected judge threshold 0.75, got %f", cfg.Judge.Threshold)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad duration",
			modify:  func(c *Config) { c.Chat.Timeout = "soon" },
			wantErr: true,
		},
		{
			name:    "bad workflow timeout",
			modify:  func(c *Config) { c.Chat.WorkflowTimeout = "later" },
			wantErr: true,
		},
		{
			name:    "negative duration",
			modify:  func(c *Config) { c.Judge.Timeout = "-1s" },
			wantErr: true,
		},
		{
			name:    "threshold too high",
			modify:  func(c *Config) { c.Judge.Threshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "pass rate too low",
			modify:  func(c *Config) { c.Runs.PassRateMin = -0.1 },
			wantErr: true,
		},
		{
			name:    "unknown store",
			modify:  func(c *Config) { c.Runs.Store = "postgres" },
			wantErr: true,
		},
		{
			name:    "http judge without endpoint",
			modify:  func(c *Config) { c.Judge.Provider = "http" },
			wantErr: true,
		},
		{
			name: "http judge with endpoint",
			modify: func(c *Config) {
				c.Judge.Provider = "http"
				c.Judge.Endpoint = "http://judge.local/judge"
			},
			wantErr: false,
		},
		{
			name:    "unknown judge provider",
			modify:  func(c *Config) { c.Judge.Provider = "oracle" },
			wantErr: true,
		},
		{
			name:    "unknown extract provider",
			modify:  func(c *Config) { c.LLM.ExtractProvider = "regex" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("empty: got %v", got)
	}
	if got := Duration("nope", time.Second); got != time.Second {
		t.Errorf("invalid: got %v", got)
	}
	if got := Duration("90s", time.Second); got != 90*time.Second {
		t.Errorf("90s: got %v", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
judge:
  provider: bedrock
  model: "anthropic.claude-3-sonnet"
  threshold: 0.8
runs:
  store: kv
  results_dir: "/var/convotest/results"
  pass_rate_min: 0.9
nats:
  url: "nats://test:4222"
chat:
  fallback_prompts:
    - "Hi"
    - "Hello"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Judge.Provider != "bedrock" {
		t.Errorf("expected judge provider bedrock, got %s", cfg.Judge.Provider)
	}
	if cfg.Judge.Threshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %f", cfg.Judge.Threshold)
	}
	if cfg.Runs.Store != StoreKV {
		t.Errorf("expected kv store, got %s", cfg.Runs.Store)
	}
	if cfg.Runs.JudgeMin != 0.75 {
		t.Errorf("expected unset judge_min to keep default, got %f", cfg.Runs.JudgeMin)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if len(cfg.Chat.FallbackPrompts) != 2 {
		t.Errorf("expected 2 fallback prompts, got %d", len(cfg.Chat.FallbackPrompts))
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	temp := 0.1
	override := &Config{
		Judge: JudgeConfig{
			Provider:    "http",
			Endpoint:    "http://judge/judge",
			Temperature: &temp,
		},
		NATS: NATSConfig{
			URL: "nats://remote:4222",
		},
	}

	base.Merge(override)

	if base.Judge.Provider != "http" {
		t.Errorf("expected provider http, got %s", base.Judge.Provider)
	}
	// Timeout should remain from base since override didn't set it
	if base.Judge.Timeout != "30s" {
		t.Errorf("expected judge timeout to remain default, got %s", base.Judge.Timeout)
	}
	if base.Judge.Temperature == nil || *base.Judge.Temperature != 0.1 {
		t.Errorf("expected temperature 0.1, got %v", base.Judge.Temperature)
	}
	if base.NATS.Embedded {
		t.Error("expected a NATS url to disable the embedded server")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Runs.ResultsDir = "/tmp/results"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Runs.ResultsDir != "/tmp/results" {
		t.Errorf("expected results dir /tmp/results, got %s", loaded.Runs.ResultsDir)
	}
}

// isolate points HOME and the working directory at empty temp dirs.
func isolate(t *testing.T) (home, work string) {
	t.Helper()
	home = t.TempDir()
	work = t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(work)
	return home, work
}

func noEnv(string) (string, bool) { return "", false }

func TestLoader_Layers(t *testing.T) {
	home, work := isolate(t)

	userCfg := filepath.Join(home, UserConfigDir, UserConfigFile)
	if err := os.MkdirAll(filepath.Dir(userCfg), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(userCfg, []byte("runs:\n  store: kv\n  results_dir: /user/results\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(work, ProjectConfigFile), []byte("runs:\n  results_dir: /project/results\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(nil, WithLookupEnv(noEnv)).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// the project layer must not reset values it does not set
	if cfg.Runs.Store != StoreKV {
		t.Errorf("expected kv store from user config, got %s", cfg.Runs.Store)
	}
	if cfg.Runs.ResultsDir != "/project/results" {
		t.Errorf("expected project results dir, got %s", cfg.Runs.ResultsDir)
	}
}

func TestLoader_ProjectConfigInParent(t *testing.T) {
	_, work := isolate(t)
	if err := os.WriteFile(filepath.Join(work, ProjectConfigFile), []byte("server:\n  addr: \":9000\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(work, "suites", "billing")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	cfg, err := NewLoader(nil, WithLookupEnv(noEnv)).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("expected addr :9000, got %s", cfg.Server.Addr)
	}
}

func TestLoader_ExplicitFile(t *testing.T) {
	_, work := isolate(t)

	path := filepath.Join(work, "ci.yaml")
	if err := os.WriteFile(path, []byte("judge:\n  provider: none\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader(nil, WithConfigFile(path), WithLookupEnv(noEnv)).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Judge.Provider != "none" {
		t.Errorf("expected judge provider none, got %s", cfg.Judge.Provider)
	}

	if _, err := NewLoader(nil, WithConfigFile(filepath.Join(work, "missing.yaml"))).Load(); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	isolate(t)

	env := map[string]string{
		"JUDGE_PROVIDER":            "http",
		"JUDGE_BASE_URL":            "http://judge.local/judge",
		"CONVOTEST_NATS_URL":        "nats://remote:4222",
		"PORT":                      "7070",
		"BEDROCK_JUDGE_TEMPERATURE": "0.2",
		"WORKFLOW_URL":              "http://workflow.local/run",
		"CONVOTEST_API_TOKEN":       "tok",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := NewLoader(nil, WithLookupEnv(lookup)).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Judge.Provider != "http" || cfg.Judge.Endpoint != "http://judge.local/judge" {
		t.Errorf("unexpected judge config %+v", cfg.Judge)
	}
	if cfg.NATS.URL != "nats://remote:4222" || cfg.NATS.Embedded {
		t.Errorf("unexpected nats config %+v", cfg.NATS)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected addr :7070, got %s", cfg.Server.Addr)
	}
	if cfg.Judge.Temperature == nil || *cfg.Judge.Temperature != 0.2 {
		t.Errorf("expected judge temperature 0.2, got %v", cfg.Judge.Temperature)
	}
	if cfg.Chat.WorkflowURL != "http://workflow.local/run" {
		t.Errorf("expected workflow url, got %s", cfg.Chat.WorkflowURL)
	}
	if cfg.Server.APIToken != "tok" {
		t.Errorf("expected api token, got %s", cfg.Server.APIToken)
	}

	env["PORT"] = "http"
	if _, err := NewLoader(nil, WithLookupEnv(lookup)).Load(); err == nil {
		t.Error("expected error for invalid PORT")
	}
}

func TestLoader_EnvFile(t *testing.T) {
	_, work := isolate(t)
	t.Cleanup(func() { os.Unsetenv("CONVOTEST_WEBHOOK_URL") })

	envFile := filepath.Join(work, ".env")
	if err := os.WriteFile(envFile, []byte("CONVOTEST_WEBHOOK_URL=http://hooks.local/done\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(nil, WithEnvFiles(envFile, filepath.Join(work, "missing.env"))).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runs.WebhookURL != "http://hooks.local/done" {
		t.Errorf("expected webhook url from .env, got %s", cfg.Runs.WebhookURL)
	}
}

func TestLoader_EnsureUserConfig(t *testing.T) {
	home, _ := isolate(t)

	l := NewLoader(nil)
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	if _, err := LoadFromFile(path); err != nil {
		t.Errorf("expected loadable user config: %v", err)
	}
}

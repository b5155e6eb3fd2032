package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/convotest/config"
	"github.com/c360studio/convotest/judge"
	"github.com/c360studio/convotest/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Judge.Provider = "none"
	cfg.LLM.ExtractProvider = "heuristic"
	cfg.NATS.StoreDir = t.TempDir()
	return cfg
}

func TestAppStartStop(t *testing.T) {
	app, err := NewApp(testConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.StartNATS(ctx); err != nil {
		t.Fatalf("failed to start NATS: %v", err)
	}

	if app.natsConn == nil {
		t.Error("NATS connection not initialized")
	}
	if app.js == nil {
		t.Error("JetStream not initialized")
	}
	if app.callStore == nil {
		t.Error("LLM call store not initialized")
	}
	if app.embeddedServer == nil {
		t.Fatal("Embedded NATS server not started")
	}

	app.Shutdown()

	if app.embeddedServer.Running() {
		t.Error("Embedded server still running after shutdown")
	}
}

func TestLoadRegistry_ChatModel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Chat.OpenAIModel = "gpt-4o"
	cfg.LLM.DefaultModel = "qwen"

	reg, err := loadRegistry(cfg)
	if err != nil {
		t.Fatalf("loadRegistry() error = %v", err)
	}
	if got := reg.Resolve(model.CapabilityChat); got != "gpt-4o" {
		t.Errorf("expected chat model gpt-4o, got %s", got)
	}
	chain := reg.GetFallbackChain(model.CapabilityChat)
	if len(chain) < 2 || chain[1] != "gpt-4.1-mini" {
		t.Errorf("expected previous chat model as fallback, got %v", chain)
	}
	if ep := reg.GetEndpoint("gpt-4o"); ep == nil || ep.Provider != "openai" {
		t.Errorf("expected openai endpoint for gpt-4o, got %+v", ep)
	}
}

func TestLoadRegistry_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	content := `{"capabilities": {"judge": {"preferred": ["local"]}}, "endpoints": {"local": {"provider": "ollama", "model": "llama3"}}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.LLM.RegistryFile = path

	app, err := NewApp(cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if got := app.registry.Resolve(model.CapabilityJudge); got != "local" {
		t.Errorf("expected judge model local, got %s", got)
	}
	// ollama endpoints need no key
	if !app.registryUsable(model.CapabilityJudge) {
		t.Error("expected ollama endpoint to be usable")
	}

	cfg.LLM.RegistryFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := NewApp(cfg, quietLogger()); err == nil {
		t.Error("expected error for missing registry file")
	}
}

func TestBuildJudge(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		endpoint string
		want     string
		wantErr  bool
	}{
		{name: "none", provider: "none", want: "*judge.HeuristicJudge"},
		{name: "http", provider: "http", endpoint: "http://judge.local/judge", want: "*judge.HTTPJudge"},
		{name: "openai", provider: "openai", want: "*judge.LLMJudge"},
		{name: "unknown", provider: "oracle", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Judge.Provider = tt.provider
			cfg.Judge.Endpoint = tt.endpoint
			app, err := NewApp(cfg, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			j, err := app.BuildJudge(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildJudge() error = %v", err)
			}
			if got := typeName(j); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func typeName(j judge.Judge) string {
	switch j.(type) {
	case *judge.HeuristicJudge:
		return "*judge.HeuristicJudge"
	case *judge.HTTPJudge:
		return "*judge.HTTPJudge"
	case *judge.LLMJudge:
		return "*judge.LLMJudge"
	default:
		return "unknown"
	}
}

// chatServer answers every turn with reply.
func chatServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": reply})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeSuite(t *testing.T, dir, name, baseURL, want string) string {
	t.Helper()
	path := filepath.Join(dir, name+".json")
	content := `{
		"suite": "` + name + `",
		"env": {"channel": "http_chat", "baseUrl": "` + baseURL + `"},
		"tests": [{
			"name": "order status",
			"steps": [{"type": "message", "content": "Where is my order?"}],
			"assertions": [{"type": "includes", "config": {"includes": ["` + want + `"]}}]
		}]
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunSuites(t *testing.T) {
	chat := chatServer(t, "Your order has shipped.")
	dir := t.TempDir()
	writeSuite(t, dir, "shipping", chat.URL, "shipped")

	cfg := testConfig(t)
	cfg.Runs.ResultsDir = filepath.Join(dir, "results")
	app, err := NewApp(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	metricsPath := filepath.Join(dir, "metrics.prom")
	var out bytes.Buffer
	err = runSuites(context.Background(), &out, app, []string{filepath.Join(dir, "*.json")}, &runFlags{metricsOut: metricsPath})
	if err != nil {
		t.Fatalf("runSuites() error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "✓ file-suite:shipping") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	metrics, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(metrics), `convotest_runs_total{status="passed"} 1`) {
		t.Errorf("expected passed run in metrics:\n%s", metrics)
	}

	days, _ := os.ReadDir(cfg.Runs.ResultsDir)
	if len(days) != 1 {
		t.Errorf("expected one results day directory, got %d", len(days))
	}
}

func TestRunSuites_Failing(t *testing.T) {
	chat := chatServer(t, "I cannot help with that.")
	dir := t.TempDir()
	writeSuite(t, dir, "shipping", chat.URL, "shipped")

	app, err := NewApp(testConfig(t), quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err = runSuites(context.Background(), &out, app, []string{filepath.Join(dir, "*.json")}, &runFlags{})
	if !errors.Is(err, errRunsFailed) {
		t.Fatalf("expected errRunsFailed, got %v", err)
	}
	if exitCode(err) != 3 {
		t.Errorf("expected exit code 3, got %d", exitCode(err))
	}
	if !strings.Contains(out.String(), "order status: failed") {
		t.Errorf("expected failing test in output:\n%s", out.String())
	}
}

func TestRunSuites_BaseURLOverride(t *testing.T) {
	chat := chatServer(t, "Your order has shipped.")
	dir := t.TempDir()
	writeSuite(t, dir, "shipping", "http://127.0.0.1:1", "shipped")

	app, err := NewApp(testConfig(t), quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	f := &runFlags{baseURL: chat.URL, jsonOut: true}
	if err := runSuites(context.Background(), &out, app, []string{filepath.Join(dir, "shipping.json")}, f); err != nil {
		t.Fatalf("runSuites() error = %v\n%s", err, out.String())
	}
	var run struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out.Bytes(), &run); err != nil {
		t.Fatalf("expected JSON run record: %v\n%s", err, out.String())
	}
	if run.Status != "passed" {
		t.Errorf("expected passed, got %s", run.Status)
	}
}

func TestRunSuites_NoMatch(t *testing.T) {
	app, err := NewApp(testConfig(t), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	err = runSuites(context.Background(), io.Discard, app, []string{filepath.Join(t.TempDir(), "*.json")}, &runFlags{})
	if err == nil || errors.Is(err, errRunsFailed) {
		t.Errorf("expected a load error, got %v", err)
	}
}

package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseCapability(t *testing.T) {
	tests := []struct {
		input string
		want  Capability
	}{
		{"judge", CapabilityJudge},
		{"extract", CapabilityExtract},
		{"chat", CapabilityChat},
		{"fast", CapabilityFast},
		{"planning", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseCapability(tt.input); got != tt.want {
				t.Errorf("ParseCapability(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDefaultRegistryChains(t *testing.T) {
	r := NewDefaultRegistry()

	if got := r.Resolve(CapabilityJudge); got != "gpt-4o-mini" {
		t.Errorf("Resolve(judge) = %q", got)
	}

	chain := r.GetFallbackChain(CapabilityChat)
	if len(chain) != 2 || chain[0] != "gpt-4.1-mini" || chain[1] != "claude-haiku" {
		t.Errorf("unexpected chat chain: %v", chain)
	}

	if got := r.GetFallbackChain(Capability("unknown")); len(got) != 1 || got[0] != "gpt-4o-mini" {
		t.Errorf("unknown capability should use default model, got %v", got)
	}

	for _, name := range r.ListEndpoints() {
		if r.GetEndpoint(name) == nil {
			t.Errorf("endpoint %s listed but missing", name)
		}
	}
}

func TestEndpointAPIKey(t *testing.T) {
	t.Setenv("CUSTOM_KEY", "custom")
	t.Setenv("OPENAI_API_KEY", "default")

	ep := &EndpointConfig{Provider: "openai"}
	if got := ep.APIKey("OPENAI_API_KEY"); got != "default" {
		t.Errorf("APIKey fallback = %q", got)
	}
	ep.APIKeyEnv = "CUSTOM_KEY"
	if got := ep.APIKey("OPENAI_API_KEY"); got != "custom" {
		t.Errorf("APIKey explicit = %q", got)
	}
}

func TestCircuitBreaker(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	if h := r.GetEndpointHealth("qwen"); h != nil {
		t.Fatal("expected no health info before any requests")
	}

	r.MarkEndpointFailure("qwen")
	if !r.IsEndpointAvailable("qwen") {
		t.Error("expected qwen available after one failure")
	}

	r.MarkEndpointFailure("qwen")
	if r.IsEndpointAvailable("qwen") {
		t.Error("expected circuit open after threshold")
	}

	chain := r.GetAvailableFallbackChain(CapabilityJudge)
	if len(chain) != 1 || chain[0] != "gpt-4o-mini" {
		t.Errorf("open endpoint should be filtered, got %v", chain)
	}

	time.Sleep(60 * time.Millisecond)
	if !r.IsEndpointAvailable("qwen") {
		t.Error("expected half-open after recovery timeout")
	}

	r.MarkEndpointSuccess("qwen")
	h := r.GetEndpointHealth("qwen")
	if h == nil || h.CircuitOpen || h.FailureCount != 0 {
		t.Errorf("expected closed circuit after success, got %+v", h)
	}
}

func TestAvailableChainFallsBackToFullChain(t *testing.T) {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{CapabilityJudge: {Preferred: []string{"a"}}},
		map[string]*EndpointConfig{"a": {Provider: "openai", Model: "a"}},
	)
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	r.MarkEndpointFailure("a")

	chain := r.GetAvailableFallbackChain(CapabilityJudge)
	if len(chain) != 1 || chain[0] != "a" {
		t.Errorf("expected full chain when all circuits open, got %v", chain)
	}
}

func TestLoadFromJSON(t *testing.T) {
	data := []byte(`{
		"model_registry": {
			"capabilities": {"judge": {"preferred": ["local"]}},
			"endpoints": {"local": {"provider": "ollama", "url": "http://localhost:11434/v1", "model": "llama3.2"}},
			"defaults": {"model": "local"}
		}
	}`)

	r, err := LoadFromJSON(data)
	if err != nil {
		t.Fatalf("LoadFromJSON: %v", err)
	}
	if got := r.Resolve(CapabilityJudge); got != "local" {
		t.Errorf("Resolve(judge) = %q", got)
	}
	if ep := r.GetEndpoint("local"); ep == nil || ep.Model != "llama3.2" {
		t.Errorf("unexpected endpoint: %+v", ep)
	}

	r.MergeFromConfig(&RegistryConfig{
		Endpoints: map[string]*EndpointConfig{"cloud": {Provider: "openai", Model: "gpt-4o-mini"}},
	})
	if r.GetEndpoint("cloud") == nil {
		t.Error("merged endpoint missing")
	}

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := LoadFromJSON(out)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.GetEndpoint("cloud") == nil {
		t.Error("endpoint lost across round trip")
	}

	if _, err := LoadFromJSON([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
}

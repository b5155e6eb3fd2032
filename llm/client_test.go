package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/convotest/llm"
	_ "github.com/c360studio/convotest/llm/providers" // Register providers
	"github.com/c360studio/convotest/model"
)

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func singleEndpointRegistry(url string) *model.Registry {
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityJudge: {Preferred: []string{"test-model"}},
		},
		map[string]*model.EndpointConfig{
			"test-model": {Provider: "ollama", URL: url, Model: "test-model", APIKeyEnv: "TEST_LLM_KEY"},
		},
	)
}

func fastRetry() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       10 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        100 * time.Millisecond,
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []*llm.CallRecord
}

func (m *memoryRecorder) Record(_ context.Context, rec *llm.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func TestClient_Complete_Success(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		writeCompletion(w, `{"pass": true}`)
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client := llm.NewClient(singleEndpointRegistry(server.URL), llm.WithCallRecorder(rec))

	ctx := llm.WithCallScope(context.Background(), llm.CallScope{RunID: "run-1", TestID: "t-1"})
	resp, err := client.Complete(ctx, llm.Request{
		Capability: "judge",
		Messages:   []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, `{"pass": true}`, resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)

	require.Len(t, rec.records, 1)
	assert.Equal(t, resp.RequestID, rec.records[0].RequestID)
	assert.Equal(t, "run-1", rec.records[0].Scope.RunID)
	assert.Equal(t, "ollama", rec.records[0].Provider)
	assert.Empty(t, rec.records[0].Error)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service temporarily unavailable"))
			return
		}
		writeCompletion(w, "Success after retries")
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL), llm.WithRetryConfig(fastRetry()))
	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "judge",
		Messages:   []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Invalid API key"))
	}))
	defer server.Close()

	rec := &memoryRecorder{}
	client := llm.NewClient(singleEndpointRegistry(server.URL), llm.WithCallRecorder(rec))
	_, err := client.Complete(context.Background(), llm.Request{
		Capability: "judge",
		Messages:   []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load())
	require.Len(t, rec.records, 1)
	assert.Contains(t, rec.records[0].Error, "401")
}

func TestClient_Complete_Fallback(t *testing.T) {
	var primaryAttempts, fallbackAttempts atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryAttempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackAttempts.Add(1)
		writeCompletion(w, "From fallback")
	}))
	defer fallback.Close()

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityExtract: {Preferred: []string{"primary"}, Fallback: []string{"backup"}},
		},
		map[string]*model.EndpointConfig{
			"primary": {Provider: "ollama", URL: primary.URL, Model: "p"},
			"backup":  {Provider: "ollama", URL: fallback.URL, Model: "b"},
		},
	)

	client := llm.NewClient(registry, llm.WithRetryConfig(fastRetry()))
	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: "extract",
		Messages:   []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "From fallback", resp.Content)
	assert.Equal(t, int32(3), primaryAttempts.Load())
	assert.Equal(t, int32(1), fallbackAttempts.Load())

	health := registry.GetEndpointHealth("primary")
	require.NotNil(t, health)
	assert.Equal(t, 1, health.FailureCount)
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL), llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       5,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Complete(ctx, llm.Request{
		Capability: "judge",
		Messages:   []llm.Message{{Role: "user", Content: "Test"}},
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "x"}},
	})
	assert.ErrorContains(t, err, "capability is required")

	_, err = client.Complete(context.Background(), llm.Request{Capability: "judge"})
	assert.ErrorContains(t, err, "at least one message")
}

func TestClient_Complete_UnknownProviderIsFatal(t *testing.T) {
	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{model.CapabilityFast: {Preferred: []string{"x"}}},
		map[string]*model.EndpointConfig{"x": {Provider: "nope", Model: "x"}},
	)
	_, err := llm.NewClient(registry).Complete(context.Background(), llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}

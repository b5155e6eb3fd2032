package providers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/model"
)

func TestBuildURL(t *testing.T) {
	t.Setenv("OPENAI_BASE", "")

	tests := []struct {
		name     string
		provider llm.Provider
		base     string
		want     string
	}{
		{"ollama default", &OllamaProvider{}, "", "http://localhost:11434/v1/chat/completions"},
		{"ollama trailing slash", &OllamaProvider{}, "http://gpu:8000/v1/", "http://gpu:8000/v1/chat/completions"},
		{"ollama full path", &OllamaProvider{}, "http://gpu/v1/chat/completions", "http://gpu/v1/chat/completions"},
		{"openai default", &OpenAIProvider{}, "", "https://api.openai.com/v1/chat/completions"},
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
		{"anthropic custom", &AnthropicProvider{}, "http://proxy/", "http://proxy/v1/messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.base))
		})
	}
}

func TestOpenAIProvider_BaseFromEnv(t *testing.T) {
	t.Setenv("OPENAI_BASE", "http://gateway/v1")
	assert.Equal(t, "http://gateway/v1/chat/completions", (&OpenAIProvider{}).BuildURL(""))
}

func TestSetHeaders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENROUTER_SITE_URL", "")
	t.Setenv("OPENROUTER_SITE_NAME", "")

	req := httptest.NewRequest("POST", "http://x", nil)
	(&OpenAIProvider{}).SetHeaders(req, &model.EndpointConfig{})
	assert.Equal(t, "Bearer sk-openai", req.Header.Get("Authorization"))

	req = httptest.NewRequest("POST", "http://x", nil)
	(&AnthropicProvider{}).SetHeaders(req, &model.EndpointConfig{})
	assert.Equal(t, "sk-ant", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestOpenAIProvider_FixedTemperature(t *testing.T) {
	temp := 0.2
	msgs := []llm.Message{{Role: "user", Content: "hi"}}

	body, err := (&OpenAIProvider{}).BuildRequestBody("o3-mini", msgs, &temp, 0)
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, 1.0, req["temperature"])
	_, hasMax := req["max_tokens"]
	assert.False(t, hasMax)

	body, err = (&OpenAIProvider{}).BuildRequestBody("gpt-4o-mini", msgs, &temp, 256)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, 0.2, req["temperature"])
	assert.Equal(t, 256.0, req["max_tokens"])
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	body, err := (&AnthropicProvider{}).BuildRequestBody("claude", []llm.Message{
		{Role: "system", Content: "persona"},
		{Role: "system", Content: "context"},
		{Role: "user", Content: "hi"},
	}, nil, 0)
	require.NoError(t, err)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "persona\n\ncontext", req.System)
	assert.Equal(t, 4096, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Nil(t, req.Temperature)
}

func TestParseResponse(t *testing.T) {
	resp, err := (&OllamaProvider{}).ParseResponse([]byte(`{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"usage":{"total_tokens":3}}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "fallback", resp.Model)
	assert.Equal(t, 3, resp.Usage.TotalTokens)

	_, err = (&OllamaProvider{}).ParseResponse([]byte(`{"choices":[]}`), "m")
	assert.Error(t, err)

	resp, err = (&AnthropicProvider{}).ParseResponse([]byte(`{"model":"claude","content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}],"usage":{"input_tokens":2,"output_tokens":1}}`), "")
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

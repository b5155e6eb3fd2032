package providers

import (
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/model"
)

// OpenAIProvider targets api.openai.com or an OpenAI-compatible gateway.
// It shares the wire format with OllamaProvider.
type OpenAIProvider struct {
	OllamaProvider
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI API endpoint. OPENAI_BASE overrides the
// default base when the endpoint has no URL.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	fallback := os.Getenv("OPENAI_BASE")
	if fallback == "" {
		fallback = "https://api.openai.com/v1"
	}
	return chatCompletionsURL(baseURL, fallback)
}

// SetHeaders adds OpenAI authentication headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request, ep *model.EndpointConfig) {
	if apiKey := ep.APIKey("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

// BuildRequestBody pins temperature to 1 for reasoning and structured-output
// models, which reject any other value.
func (o *OpenAIProvider) BuildRequestBody(modelName string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	if FixedTemperatureModel(modelName) {
		one := 1.0
		temperature = &one
	}
	return o.OllamaProvider.BuildRequestBody(modelName, messages, temperature, maxTokens)
}

// FixedTemperatureModel reports whether the model only accepts temperature 1.
func FixedTemperatureModel(modelName string) bool {
	m := strings.ToLower(modelName)
	return strings.Contains(m, "o3") || strings.Contains(m, "structured")
}

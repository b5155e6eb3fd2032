package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/model"
)

const (
	// maxPersonaLen caps the persona forwarded to chat targets.
	maxPersonaLen = 4000

	maxReplySize = 10 * 1024 * 1024
)

// Turn is the input of one exchange with the assistant under test.
type Turn struct {
	Message string
	// Transcript is the conversation before Message.
	Transcript []TranscriptMessage
	// System holds system context for channels that carry it separately.
	System     []TranscriptMessage
	Persona    string
	AuthHeader string
}

// Reply is the assistant's answer to a Turn.
type Reply struct {
	Content string
}

// Channel delivers a user message to the assistant under test.
type Channel interface {
	Send(ctx context.Context, turn Turn) (Reply, error)
	// Describe returns the fields logged in the test's env entry.
	Describe() map[string]any
}

// systemContexter is implemented by channels that keep system messages out
// of the transcript.
type systemContexter interface {
	separateSystem() bool
}

// HTTPChat posts each turn to {baseURL}/chat and expects {"reply": "..."}.
type HTTPChat struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPChat creates an HTTP chat channel. A zero timeout leaves the
// deadline to ctx and client.
func NewHTTPChat(baseURL string, headers map[string]string, timeout time.Duration, client *http.Client) *HTTPChat {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPChat{
		url:     strings.TrimRight(baseURL, "/") + "/chat",
		headers: headers,
		timeout: timeout,
		client:  client,
	}
}

// Describe implements Channel.
func (c *HTTPChat) Describe() map[string]any {
	return map[string]any{"channel": ChannelHTTPChat, "baseUrl": strings.TrimSuffix(c.url, "/chat")}
}

// Send implements Channel.
func (c *HTTPChat) Send(ctx context.Context, turn Turn) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	transcript := append(append([]TranscriptMessage{}, turn.Transcript...), TranscriptMessage{Role: "user", Content: turn.Message})
	payload := map[string]any{"message": turn.Message, "transcript": transcript}
	if turn.Persona != "" {
		payload["persona"] = clampRunes(turn.Persona, maxPersonaLen)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("create chat request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if turn.AuthHeader != "" {
		req.Header.Set("Authorization", turn.AuthHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return Reply{}, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(data)
		if text == "" {
			text = "(no body)"
		}
		return Reply{}, fmt.Errorf("%w %d: %s", ErrChatFailed, resp.StatusCode, text)
	}

	var out map[string]any
	_ = json.Unmarshal(data, &out)
	reply, ok := out["reply"].(string)
	if !ok || strings.TrimSpace(reply) == "" {
		return Reply{}, ErrReplyMissing
	}
	return Reply{Content: reply}, nil
}

// LLMChat plays the assistant under test with a model completer, as the
// openai_chat and bedrock_chat channels do.
type LLMChat struct {
	name      string
	model     string
	completer llm.Completer
	timeout   time.Duration
}

// NewLLMChat creates a model-backed channel. name is the channel name and
// modelName is only reported in logs.
func NewLLMChat(name, modelName string, completer llm.Completer, timeout time.Duration) *LLMChat {
	return &LLMChat{name: name, model: modelName, completer: completer, timeout: timeout}
}

func (c *LLMChat) separateSystem() bool { return true }

// Describe implements Channel.
func (c *LLMChat) Describe() map[string]any {
	return map[string]any{"channel": c.name, "model": c.model}
}

// Send implements Channel.
func (c *LLMChat) Send(ctx context.Context, turn Turn) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var msgs []llm.Message
	if turn.Persona != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: clampRunes(turn.Persona, maxPersonaLen)})
	}
	msgs = append(msgs, turn.System...)
	msgs = append(msgs, turn.Transcript...)
	msgs = append(msgs, llm.Message{Role: "user", Content: turn.Message})

	resp, err := c.completer.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityChat),
		Messages:   msgs,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", c.errorPrefix(), err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Reply{}, ErrReplyMissing
	}
	return Reply{Content: resp.Content}, nil
}

func (c *LLMChat) errorPrefix() string {
	return strings.TrimSuffix(c.name, "_chat") + "_error"
}

func clampRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/model"
)

// LLMJudge asks a model for a strict JSON verdict.
type LLMJudge struct {
	completer   llm.Completer
	temperature *float64
	logger      *slog.Logger
}

// LLMOption configures an LLMJudge.
type LLMOption func(*LLMJudge)

// WithTemperature fixes the sampling temperature of judge calls.
func WithTemperature(t float64) LLMOption {
	return func(j *LLMJudge) { j.temperature = &t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LLMOption {
	return func(j *LLMJudge) { j.logger = l }
}

// NewLLM creates a judge over completer.
func NewLLM(completer llm.Completer, opts ...LLMOption) *LLMJudge {
	j := &LLMJudge{completer: completer, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// userPayload is the JSON document sent as the user message.
type userPayload struct {
	Rubric        string        `json:"rubric"`
	Threshold     float64       `json:"threshold"`
	Persona       string        `json:"persona,omitempty"`
	Scope         string        `json:"scope"`
	LastAssistant string        `json:"lastAssistant,omitempty"`
	Transcript    []llm.Message `json:"transcript"`
	RequestNext   bool          `json:"requestNext"`
}

// Evaluate implements Judge.
func (j *LLMJudge) Evaluate(ctx context.Context, req Request) Verdict {
	threshold := req.EffectiveThreshold()
	scope := req.EffectiveScope()

	payload := userPayload{
		Rubric:      req.Rubric,
		Threshold:   threshold,
		Persona:     req.Persona,
		Scope:       scope,
		Transcript:  req.Transcript,
		RequestNext: req.RequestNext,
	}
	if payload.Transcript == nil {
		payload.Transcript = []llm.Message{}
	}
	if scope == ScopeLast {
		payload.LastAssistant = req.LastAssistant
	}
	user, err := json.Marshal(payload)
	if err != nil {
		return Failed(threshold, fmt.Sprintf("%s: %v", ReasonError, err))
	}

	resp, err := j.completer.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityJudge),
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt(scope)},
			{Role: "user", Content: string(user)},
		},
		Temperature: j.temperature,
	})
	if err != nil {
		j.logger.Warn("Judge call failed", "error", err)
		return Failed(threshold, fmt.Sprintf("%s: %v", ReasonError, err))
	}

	return ParseVerdict(resp.Content, threshold)
}

func systemPrompt(scope string) string {
	scopeInstruction := "Evaluate only the LAST assistant message."
	if scope == ScopeTranscript {
		scopeInstruction = "Evaluate the ENTIRE conversation transcript holistically."
	}
	return strings.Join([]string{
		"You are a strict evaluator for assistant conversations.",
		scopeInstruction,
		"Return ONLY valid JSON matching this TypeScript type:",
		"{ pass: boolean, score: number, threshold: number, reasoning: string, nextUser?: string, shouldContinue?: boolean }",
		"Score should be in [0,1]. Keep reasoning concise (<= 60 words).",
		"If requestNext is true, propose a single short, natural next user message to move closer to the goal.",
		"Do not include any extra text outside JSON.",
	}, "\n")
}

// ParseVerdict decodes a model reply into a Verdict. A reply without an
// object or without a boolean pass yields judge_parse_failed. Missing
// threshold and score are filled in.
func ParseVerdict(content string, threshold float64) Verdict {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return Failed(threshold, ReasonParseFailed)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Failed(threshold, ReasonParseFailed)
	}
	return verdictFromFields(fields, threshold)
}

func verdictFromFields(fields map[string]any, threshold float64) Verdict {
	pass, ok := fields["pass"].(bool)
	if !ok {
		return Failed(threshold, ReasonParseFailed)
	}

	v := Verdict{Pass: pass, Threshold: threshold}
	if t, ok := fields["threshold"].(float64); ok {
		v.Threshold = t
	}
	if s, ok := fields["score"].(float64); ok {
		v.Score = s
	} else if pass {
		v.Score = v.Threshold
	}
	if r, ok := fields["reasoning"].(string); ok {
		v.Reasoning = r
	}
	if n, ok := fields["nextUser"].(string); ok {
		v.NextUser = strings.TrimSpace(n)
	}
	if c, ok := fields["shouldContinue"].(bool); ok {
		v.ShouldContinue = boolPtr(c)
	}
	if e, ok := fields["error"].(string); ok {
		v.Error = e
	}
	return v
}

// Package extraction pulls a single named value out of a conversation,
// using a model when one is configured and keyword heuristics otherwise.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360studio/convotest/llm"
	"github.com/c360studio/convotest/model"
)

const defaultTemperature = 0.1

// Error values reported in Result.Error.
const (
	ErrNoContent    = "no_content_to_extract_from"
	ErrParseFailed  = "extraction_parse_failed"
	ErrNotFound     = "value_not_found"
	errPrefix       = "extraction_error"
	reasonNoMatch   = "heuristic_extraction_no_match"
	reasonIDMatch   = "heuristic_id_extraction"
	reasonAmtMatch  = "heuristic_amount_extraction"
	reasonDateMatch = "heuristic_date_extraction"
)

var (
	idPattern     = regexp.MustCompile(`(?i)\b([A-Z0-9]{6,}|[a-z0-9-]{8,}|\d{5,})\b`)
	amountPattern = regexp.MustCompile(`\$?([\d,]+\.?\d*)`)
	datePattern   = regexp.MustCompile(`\b(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}|\d{4}[/\-]\d{1,2}[/\-]\d{1,2})\b`)
)

// Request describes the value to extract.
type Request struct {
	VariableName string
	Description  string
	// Scope is "last" or "transcript".
	Scope         string
	LastAssistant string
	Transcript    []llm.Message
}

// Result is the outcome of an extraction. Value is nil unless Success.
type Result struct {
	Success   bool   `json:"success"`
	Value     any    `json:"value"`
	Reasoning string `json:"reasoning,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Service extracts values from conversations.
type Service struct {
	completer   llm.Completer
	temperature float64
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTemperature overrides the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service. A nil completer selects heuristic extraction.
func New(completer llm.Completer, opts ...Option) *Service {
	s := &Service{completer: completer, temperature: defaultTemperature, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extract returns the requested value. Failures are reported in the
// Result, never as a Go error.
func (s *Service) Extract(ctx context.Context, req Request) Result {
	text, err := contextText(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("%s: %v", errPrefix, err)}
	}
	if strings.TrimSpace(text) == "" {
		return Result{Error: ErrNoContent}
	}
	if s.completer == nil {
		return Heuristic(req.Description, text)
	}
	return s.extractWithModel(ctx, req, text)
}

func (s *Service) extractWithModel(ctx context.Context, req Request, text string) Result {
	user, err := json.Marshal(map[string]string{
		"variableName":          req.VariableName,
		"extractionDescription": req.Description,
		"scope":                 scopeOf(req),
		"content":               text,
	})
	if err != nil {
		return Result{Error: fmt.Sprintf("%s: %v", errPrefix, err)}
	}

	temp := s.temperature
	resp, err := s.completer.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityExtract),
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
		Temperature: &temp,
	})
	if err != nil {
		s.logger.Warn("Extraction call failed", "variable", req.VariableName, "error", err)
		return Result{Error: fmt.Sprintf("%s: %v", errPrefix, err)}
	}

	raw := llm.ExtractJSON(resp.Content)
	var out map[string]any
	if raw == "" || json.Unmarshal([]byte(raw), &out) != nil {
		return Result{Error: ErrParseFailed}
	}
	success, ok := out["success"].(bool)
	if !ok {
		return Result{Error: ErrParseFailed}
	}

	res := Result{Success: success, Value: out["value"]}
	if r, ok := out["reasoning"].(string); ok {
		res.Reasoning = r
	}
	if !success {
		res.Value = nil
		res.Error = ErrNotFound
	}
	return res
}

const systemPrompt = `You are a data extraction assistant.
Your task is to extract a specific piece of information from the conversation.
Return ONLY valid JSON matching this structure:
{ "success": boolean, "value": any, "reasoning": string }

Guidelines:
- If you can find the requested information, set success=true and value to the extracted data
- The value can be a string, number, boolean, object, or array depending on what was requested
- If extracting a number, return it as a number type, not a string
- If the information is not found, set success=false and value=null
- Keep reasoning brief (<30 words)
Do not include any text outside the JSON.`

// Heuristic extracts IDs, amounts or dates depending on which keywords the
// description mentions.
func Heuristic(description, text string) Result {
	desc := strings.ToLower(description)

	if containsAny(desc, "id", "number", "code") {
		if m := idPattern.FindStringSubmatch(text); m != nil {
			return Result{Success: true, Value: m[1], Reasoning: reasonIDMatch}
		}
	}
	if containsAny(desc, "amount", "price", "balance", "cost", "total") {
		for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
			digits := strings.TrimSuffix(strings.ReplaceAll(m[1], ",", ""), ".")
			if f, err := strconv.ParseFloat(digits, 64); err == nil {
				return Result{Success: true, Value: f, Reasoning: reasonAmtMatch}
			}
		}
	}
	if containsAny(desc, "date", "time") {
		if m := datePattern.FindStringSubmatch(text); m != nil {
			return Result{Success: true, Value: m[1], Reasoning: reasonDateMatch}
		}
	}

	return Result{
		Reasoning: reasonNoMatch,
		Error:     "could not extract value without a model; configure an extract model",
	}
}

func contextText(req Request) (string, error) {
	if scopeOf(req) != "transcript" {
		return req.LastAssistant, nil
	}
	transcript := req.Transcript
	if transcript == nil {
		transcript = []llm.Message{}
	}
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return "", err
	}
	if len(transcript) == 0 {
		return "", nil
	}
	return string(data), nil
}

func scopeOf(req Request) string {
	if req.Scope == "transcript" {
		return "transcript"
	}
	return "last"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

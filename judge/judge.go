// Package judge scores a conversation transcript, or its last assistant
// message, against a natural-language rubric.
//
// Three strategies share the Judge interface: an LLM-backed judge, a
// deterministic keyword heuristic used when no model is configured, and a
// client for a remote judge endpoint. Failures never surface as Go errors;
// they degrade into a failing Verdict whose Reasoning names the cause.
package judge

import (
	"context"

	"github.com/c360studio/convotest/llm"
)

// DefaultThreshold applies when a request carries no threshold.
const DefaultThreshold = 0.75

// Evaluation scopes.
const (
	ScopeLast       = "last"
	ScopeTranscript = "transcript"
)

// Reasoning values for degraded verdicts.
const (
	ReasonError       = "judge_error"
	ReasonParseFailed = "judge_parse_failed"
	ReasonHeuristic   = "heuristic_judge_no_llm"
)

// Judge evaluates a conversation against a rubric.
type Judge interface {
	Evaluate(ctx context.Context, req Request) Verdict
}

// Request is one evaluation.
type Request struct {
	Rubric        string        `json:"rubric"`
	Threshold     *float64      `json:"threshold,omitempty"`
	Transcript    []llm.Message `json:"transcript"`
	LastAssistant string        `json:"lastAssistant,omitempty"`
	Scope         string        `json:"scope,omitempty"`
	Persona       string        `json:"persona,omitempty"`
	// RequestNext asks the judge to propose the next user message.
	RequestNext bool `json:"requestNext,omitempty"`
}

// EffectiveThreshold returns the caller threshold or DefaultThreshold.
func (r Request) EffectiveThreshold() float64 {
	if r.Threshold != nil {
		return *r.Threshold
	}
	return DefaultThreshold
}

// EffectiveScope returns ScopeTranscript when requested, else ScopeLast.
func (r Request) EffectiveScope() string {
	if r.Scope == ScopeTranscript {
		return ScopeTranscript
	}
	return ScopeLast
}

// Verdict is the outcome of an evaluation. Score and Threshold are always
// populated.
type Verdict struct {
	Pass      bool    `json:"pass"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Reasoning string  `json:"reasoning"`
	NextUser  string  `json:"nextUser,omitempty"`
	// ShouldContinue is nil when the judge expressed no opinion.
	ShouldContinue *bool  `json:"shouldContinue,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Continue reports ShouldContinue. Only an explicit false stops.
func (v Verdict) Continue() bool {
	return v.ShouldContinue == nil || *v.ShouldContinue
}

// Failed builds the verdict used when a judge could not produce one.
func Failed(threshold float64, reasoning string) Verdict {
	return Verdict{Pass: false, Score: 0, Threshold: threshold, Reasoning: reasoning}
}

func boolPtr(b bool) *bool { return &b }

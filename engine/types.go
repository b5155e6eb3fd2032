// Package engine drives scripted, multi-turn conversation tests against a
// chat target and evaluates the resulting transcript.
//
// A test runs in one of two modes. Steps mode walks an explicit Step list
// (messages, outbound requests, judge checks, extractions). Iterative mode
// sends the scripted user messages and, when a rubric is configured, lets
// the judge decide after every turn whether to stop or what to ask next.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/convotest/llm"
)

// Test defaults.
const (
	DefaultMaxTurns = 8
	DefaultMinTurns = 1
)

// Item statuses.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// Assertion severities. Only non-info failures fail a test.
const (
	SeverityError = "error"
	SeverityInfo  = "info"
)

// Assertion types.
const (
	AssertIncludes       = "includes"
	AssertSemantic       = "semantic"
	AssertRequest        = "request"
	AssertAssistantCheck = "assistant_check"
)

// TranscriptMessage is one message of a conversation.
type TranscriptMessage = llm.Message

// Script holds the fixed messages of a test.
type Script struct {
	Messages []TranscriptMessage `json:"messages" yaml:"messages"`
}

// UnmarshalJSON accepts either an object or a YAML document in a string.
func (s *Script) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			*s = Script{}
			return nil
		}
		var doc Script
		if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
			return fmt.Errorf("parse yaml script: %w", err)
		}
		*s = doc
		return nil
	}

	type plain Script
	var doc plain
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse script: %w", err)
	}
	*s = Script(doc)
	return nil
}

// ByRole returns the contents of messages with the given role, in order.
func (s *Script) ByRole(role string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, m := range s.Messages {
		if strings.EqualFold(strings.TrimSpace(m.Role), role) {
			out = append(out, m.Content)
		}
	}
	return out
}

// JudgeConfig is the test-level rubric used by iterative mode.
type JudgeConfig struct {
	Rubric    string   `json:"rubric,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// Expectation compares a value inside a request payload.
type Expectation struct {
	// Path is resolved with interpolation.GetAtPath. Empty compares the
	// whole payload.
	Path   string `json:"path,omitempty"`
	Equals any    `json:"equals"`
}

// AssertionConfig carries the parameters of every assertion type; each type
// reads only its own fields.
type AssertionConfig struct {
	Includes  []string       `json:"includes,omitempty"`
	Scope     string         `json:"scope,omitempty"`
	Rubric    string         `json:"rubric,omitempty"`
	Threshold *float64       `json:"threshold,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Expect    *Expectation   `json:"expect,omitempty"`
}

// Assertion is a post-test check declared on a test.
type Assertion struct {
	Type     string          `json:"type"`
	Severity string          `json:"severity,omitempty"`
	Name     string          `json:"name,omitempty"`
	Config   AssertionConfig `json:"config"`
}

// AssertionResult is the outcome of one assertion.
type AssertionResult struct {
	Type     string          `json:"type"`
	Subtype  string          `json:"subtype,omitempty"`
	Severity string          `json:"severity"`
	Name     string          `json:"name,omitempty"`
	StepID   string          `json:"stepId,omitempty"`
	Config   AssertionConfig `json:"config"`
	Pass     bool            `json:"pass"`
	Details  map[string]any  `json:"details,omitempty"`
}

// Failing reports whether the result fails its test.
func (a AssertionResult) Failing() bool {
	return !a.Pass && a.Severity != SeverityInfo
}

// TestDefinition is one conversation test. It is not modified by a run.
type TestDefinition struct {
	ID                string       `json:"id"`
	Name              string       `json:"name,omitempty"`
	OrgID             string       `json:"orgId,omitempty"`
	SuiteID           string       `json:"suiteId,omitempty"`
	Script            *Script      `json:"script,omitempty"`
	Steps             Steps        `json:"steps,omitempty"`
	Objective         string       `json:"objective,omitempty"`
	Persona           string       `json:"personaText,omitempty"`
	Assertions        []Assertion  `json:"assertions,omitempty"`
	MaxTurns          int          `json:"maxTurns,omitempty"`
	MinTurns          int          `json:"minTurns,omitempty"`
	Iterate           *bool        `json:"iterate,omitempty"`
	ContinueAfterPass bool         `json:"continueAfterPass,omitempty"`
	JudgeConfig       *JudgeConfig `json:"judgeConfig,omitempty"`
}

// EffectiveMaxTurns returns MaxTurns, or DefaultMaxTurns when unset.
func (t TestDefinition) EffectiveMaxTurns() int {
	if t.MaxTurns > 0 {
		return t.MaxTurns
	}
	return DefaultMaxTurns
}

// EffectiveMinTurns returns MinTurns clamped to at least one.
func (t TestDefinition) EffectiveMinTurns() int {
	return max(DefaultMinTurns, t.MinTurns)
}

// ShouldIterate reports whether the judge loop is enabled. Only an
// explicit false disables it.
func (t TestDefinition) ShouldIterate() bool {
	return t.Iterate == nil || *t.Iterate
}

// SemanticRubric returns the rubric that guides iterative mode. The first
// semantic assertion with a rubric wins; judgeConfig is consulted only when
// there is none. The threshold travels with the chosen rubric.
func (t TestDefinition) SemanticRubric() (string, *float64) {
	for _, a := range t.Assertions {
		if a.Type == AssertSemantic && strings.TrimSpace(a.Config.Rubric) != "" {
			return a.Config.Rubric, a.Config.Threshold
		}
	}
	if t.JudgeConfig != nil && strings.TrimSpace(t.JudgeConfig.Rubric) != "" {
		return t.JudgeConfig.Rubric, t.JudgeConfig.Threshold
	}
	return "", nil
}

// Environment selects and configures the chat channel.
type Environment struct {
	// Channel is http_chat (default), openai_chat or bedrock_chat.
	Channel   string            `json:"channel,omitempty"`
	BaseURL   string            `json:"baseUrl,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Model     string            `json:"model,omitempty"`
}

// Channel names.
const (
	ChannelHTTPChat    = "http_chat"
	ChannelOpenAIChat  = "openai_chat"
	ChannelBedrockChat = "bedrock_chat"
)

// EffectiveChannel returns the channel name, defaulting to http_chat.
func (e Environment) EffectiveChannel() string {
	if c := strings.ToLower(strings.TrimSpace(e.Channel)); c != "" {
		return c
	}
	return ChannelHTTPChat
}

// MessageCounts counts transcript messages. Total includes system messages.
type MessageCounts struct {
	User      int `json:"user"`
	Assistant int `json:"assistant"`
	Total     int `json:"total"`
}

// Add accumulates other into c.
func (c *MessageCounts) Add(other MessageCounts) {
	c.User += other.User
	c.Assistant += other.Assistant
	c.Total += other.Total
}

// ItemError is the error recorded on a failed item.
type ItemError struct {
	Message string `json:"message"`
	// Stopped marks an item cut short by a stop request.
	Stopped bool `json:"stopped,omitempty"`
}

// LogEntry is one record of a test's diagnostic log.
type LogEntry struct {
	Time      time.Time      `json:"t"`
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Content   string         `json:"content,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Pass      *bool          `json:"pass,omitempty"`
	LatencyMs int64          `json:"latencyMs,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RunItemResult is the outcome of one test.
type RunItemResult struct {
	TestID        string              `json:"testId"`
	TestName      string              `json:"testName,omitempty"`
	Status        string              `json:"status"`
	Transcript    []TranscriptMessage `json:"transcript"`
	MessageCounts MessageCounts       `json:"messageCounts"`
	Assertions    []AssertionResult   `json:"assertions"`
	Timings       *LatencyStats       `json:"timings,omitempty"`
	Error         *ItemError          `json:"error,omitempty"`
	Log           []LogEntry          `json:"log,omitempty"`
	// JudgeScores are the raw semantic assertion scores of this test.
	JudgeScores []float64 `json:"judgeScores,omitempty"`
}

// Stopped reports whether the item ended because a stop was requested.
func (r RunItemResult) Stopped() bool {
	return r.Error != nil && r.Error.Stopped
}

// RunResult aggregates the items of RunTests.
type RunResult struct {
	Items       []RunItemResult `json:"items"`
	Passed      int             `json:"passed"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	JudgeScores []float64       `json:"judgeScores"`
}

// RunOptions carries the per-run context shared by every test.
type RunOptions struct {
	RunID       string
	OrgID       string
	AuthHeader  string
	Environment Environment
	// ItemIndex is the index reported in progress for RunTest; RunTests
	// sets it per test.
	ItemIndex int
	Stop      StopFlag
	Progress  ProgressSink
}

func countMessages(transcript []TranscriptMessage) MessageCounts {
	c := MessageCounts{Total: len(transcript)}
	for _, m := range transcript {
		switch m.Role {
		case "user":
			c.User++
		case "assistant":
			c.Assistant++
		}
	}
	return c
}

// Package synth produces the opening user message of a conversation test
// when the test script does not supply one.
package synth

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/c360studio/convotest/judge"
)

// initMarker stands in for the assistant message before a conversation starts.
const initMarker = "INIT"

var taskPhrase = regexp.MustCompile(`(?i)\b(keep\s+pressing|until|goal is to|your task is to|agent should|you should)\b.*$`)

// LogFunc receives synthesizer log entries ("plan", "plan_error").
type LogFunc func(kind, content string)

// Synthesizer asks a judge to propose an opening message.
type Synthesizer struct {
	judge  judge.Judge
	logger *slog.Logger
}

// New creates a Synthesizer. A nil logger uses slog.Default.
func New(j judge.Judge, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{judge: j, logger: logger}
}

// Synthesize returns a natural opening message for objective. It reports
// false only when the objective is empty.
func (s *Synthesizer) Synthesize(ctx context.Context, objective, persona string, logf LogFunc) (string, bool) {
	obj := strings.TrimSpace(objective)
	if obj == "" {
		return "", false
	}

	if s.judge != nil {
		one := 1.0
		v := s.judge.Evaluate(ctx, judge.Request{
			Rubric:        openingRubric(obj),
			Threshold:     &one,
			Transcript:    nil,
			LastAssistant: initMarker,
			RequestNext:   true,
			Persona:       persona,
		})
		if strings.HasPrefix(v.Reasoning, judge.ReasonError) {
			s.logger.Debug("Initial message generation failed", "reasoning", v.Reasoning)
			emit(logf, "plan_error", "initial_user_generation_failed: "+v.Reasoning)
		} else {
			proposed := Sanitize(objective, v.NextUser)
			emit(logf, "plan", "initial_user: "+truncate(proposed, MaxMessageLen))
			return proposed, true
		}
	}

	cleaned := strings.TrimSpace(taskPhrase.ReplaceAllString(objectivePrefix.ReplaceAllString(obj, ""), ""))
	if cleaned == "" {
		return "", false
	}
	return truncate(Sanitize(objective, "Can you help me with this: "+cleaned), MaxMessageLen), true
}

func openingRubric(objective string) string {
	return `Formulate the first USER message to naturally start a conversation that will achieve this objective. The message must:
  - be phrased as an end-user speaking to the assistant (no meta-instructions, no mentions of "objective" or internal goals),
  - be a single short sentence, concise, realistic, and actionable,
  - avoid revealing internal strategies (e.g., "keep pressing"),
  - do NOT mention regulators, policies, or frameworks by name (e.g., NJ, New Jersey, DGE, SEC, FINRA, GDPR, HIPAA),
  - do NOT ask for citations or sources, and do not include bullet points.

  Objective: ` + objective
}

func emit(logf LogFunc, kind, content string) {
	if logf != nil {
		logf(kind, content)
	}
}

package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"
)

// maxHeuristicTerms caps how many unique rubric terms are matched.
const maxHeuristicTerms = 20

var termSplitPattern = regexp.MustCompile(`[^a-z0-9]+`)

// HeuristicJudge scores by counting rubric terms that occur in the
// evaluated text. It needs no model and is fully deterministic.
type HeuristicJudge struct{}

// NewHeuristic returns a HeuristicJudge.
func NewHeuristic() *HeuristicJudge {
	return &HeuristicJudge{}
}

// Evaluate implements Judge.
func (h *HeuristicJudge) Evaluate(_ context.Context, req Request) Verdict {
	threshold := req.EffectiveThreshold()
	text := strings.ToLower(evaluationText(req))

	terms := rubricTerms(req.Rubric)
	score := 0.5
	if len(terms) > 0 {
		hits := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		denom := math.Max(3, math.Ceil(float64(len(terms))*0.3))
		score = math.Min(1, float64(hits)/denom)
	}

	pass := score >= threshold
	return Verdict{
		Pass:           pass,
		Score:          score,
		Threshold:      threshold,
		Reasoning:      ReasonHeuristic,
		ShouldContinue: boolPtr(!pass),
	}
}

// rubricTerms returns the unique lowercase word terms of rubric in order of
// first appearance.
func rubricTerms(rubric string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range termSplitPattern.Split(strings.ToLower(rubric), -1) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
		if len(terms) == maxHeuristicTerms {
			break
		}
	}
	return terms
}

// evaluationText is the last assistant message, or the JSON transcript for
// transcript scope.
func evaluationText(req Request) string {
	if req.EffectiveScope() == ScopeTranscript {
		transcript := req.Transcript
		if transcript == nil {
			return "[]"
		}
		text, err := TranscriptJSON(transcript)
		if err != nil {
			return ""
		}
		return text
	}
	return req.LastAssistant
}

// TranscriptJSON renders a transcript as compact JSON without HTML escaping,
// so characters like & and < stay matchable as written.
func TranscriptJSON(transcript any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(transcript); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/c360studio/convotest/interpolation"
	"github.com/c360studio/convotest/judge"
)

var errNoExecutor = errors.New("request executor not configured")

// evaluateAssertions runs the test's declared assertions against the final
// transcript and appends their results.
func (tr *testRun) evaluateAssertions(ctx context.Context) {
	transcript := tr.bag.Transcript()
	lastAssistant := lastByRole(transcript, "assistant")

	for _, a := range tr.test.Assertions {
		severity := a.Severity
		if severity == "" {
			severity = SeverityError
		}
		switch a.Type {
		case AssertIncludes:
			tr.assertIncludes(a, severity, transcript, lastAssistant)
		case AssertSemantic:
			if strings.TrimSpace(a.Config.Rubric) != "" {
				tr.assertSemantic(ctx, a, severity, transcript, lastAssistant)
			}
		case AssertRequest:
			if a.Config.RequestID != "" {
				tr.assertRequest(ctx, a, severity)
			}
		}
	}
}

func (tr *testRun) assertIncludes(a Assertion, severity string, transcript []TranscriptMessage, lastAssistant string) {
	var haystack string
	if a.Config.Scope == judge.ScopeLast {
		haystack = strings.ToLower(lastAssistant)
	} else {
		text, _ := judge.TranscriptJSON(transcript)
		haystack = strings.ToLower(text)
	}

	misses := []string{}
	for _, want := range a.Config.Includes {
		if !strings.Contains(haystack, strings.ToLower(want)) {
			misses = append(misses, want)
		}
	}
	pass := len(misses) == 0
	details := map[string]any{"misses": misses}

	tr.assertions = append(tr.assertions, AssertionResult{
		Type:     AssertIncludes,
		Severity: severity,
		Name:     a.Name,
		Config:   a.Config,
		Pass:     pass,
		Details:  details,
	})
	tr.record(LogEntry{Type: "judge_check", Subtype: AssertIncludes, Pass: &pass, Details: details})
}

func (tr *testRun) assertSemantic(ctx context.Context, a Assertion, severity string, transcript []TranscriptMessage, lastAssistant string) {
	v := tr.e.judge.Evaluate(ctx, judge.Request{
		Rubric:        a.Config.Rubric,
		Threshold:     a.Config.Threshold,
		Transcript:    transcript,
		LastAssistant: lastAssistant,
		Scope:         a.Config.Scope,
	})

	var details map[string]any
	pass := v.Pass
	if judgeFailed(v) {
		pass = false
		details = map[string]any{"error": v.Reasoning}
	} else {
		details = map[string]any{"score": v.Score, "threshold": v.Threshold, "reasoning": v.Reasoning}
		tr.scores = append(tr.scores, v.Score)
	}

	tr.assertions = append(tr.assertions, AssertionResult{
		Type:     AssertSemantic,
		Severity: severity,
		Name:     a.Name,
		Config:   a.Config,
		Pass:     pass,
		Details:  details,
	})
	tr.record(LogEntry{Type: "judge_check", Subtype: AssertSemantic, Pass: &pass, Details: details})
}

func (tr *testRun) assertRequest(ctx context.Context, a Assertion, severity string) {
	result := AssertionResult{
		Type:     AssertRequest,
		Severity: severity,
		Name:     a.Name,
		Config:   a.Config,
	}

	var (
		payload any
		status  int
		err     error
	)
	if tr.e.executor == nil {
		err = errNoExecutor
	} else {
		input := a.Config.Input
		if input == nil {
			input = map[string]any{}
		}
		res, execErr := tr.e.executor.Execute(ctx, tr.orgID(), a.Config.RequestID, input, tr.opts.AuthHeader, tr.requestLog)
		if execErr != nil {
			err = execErr
		} else {
			payload, status = res.Payload, res.Status
		}
	}

	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "request_assert_failed"
		}
		result.Details = map[string]any{"error": msg}
	} else {
		var path string
		var expected any
		if a.Config.Expect != nil {
			path, expected = a.Config.Expect.Path, a.Config.Expect.Equals
		}
		actual := payload
		if path != "" {
			actual, _ = interpolation.GetAtPath(payload, path)
		}
		result.Pass = interpolation.Stringify(actual) == interpolation.Stringify(expected)
		result.Details = map[string]any{"path": path, "expected": expected, "actual": actual, "status": status}
	}

	tr.assertions = append(tr.assertions, result)
	pass := result.Pass
	tr.record(LogEntry{Type: "judge_check", Subtype: AssertRequest, Pass: &pass, Details: result.Details})
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// workflowResult is what an external workflow engine returns for one test.
type workflowResult struct {
	Status        string              `json:"status"`
	Transcript    []TranscriptMessage `json:"transcript"`
	MessageCounts MessageCounts       `json:"messageCounts"`
	Assertions    []AssertionResult   `json:"assertions"`
	Timings       *LatencyStats       `json:"timings"`
	Error         *ItemError          `json:"error"`
}

// delegate hands the whole test to the workflow engine at
// {workflowURL}/testing/run.
func (e *Engine) delegate(ctx context.Context, t TestDefinition, opts RunOptions) (*workflowResult, error) {
	orgID := opts.OrgID
	if orgID == "" {
		orgID = t.OrgID
	}
	body, err := json.Marshal(map[string]any{
		"script":      t.Script,
		"environment": opts.Environment,
		"variables":   map[string]any{},
		"judge":       map[string]any{"url": e.judgeURL, "orgId": orgID},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal workflow request: %w", err)
	}

	if e.workflowTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.workflowTTL)
		defer cancel()
	}

	url := strings.TrimRight(e.workflowURL, "/") + "/testing/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("read workflow response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workflow_failed %d: %s", resp.StatusCode, clampRunes(string(data), 200))
	}

	var out workflowResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse workflow response: %w", err)
	}
	if out.Status == "" {
		out.Status = StatusFailed
	}
	return &out, nil
}

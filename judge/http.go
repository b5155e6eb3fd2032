package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBody       = 200
)

// HTTPJudge delegates evaluation to a remote judge endpoint that accepts a
// Request and answers with a Verdict.
type HTTPJudge struct {
	endpoint   string
	authHeader string
	client     *http.Client
}

// HTTPOption configures an HTTPJudge.
type HTTPOption func(*HTTPJudge)

// WithHTTPClient sets the client used for calls.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(j *HTTPJudge) { j.client = c }
}

// WithAuthorization sets the Authorization header sent with each call.
func WithAuthorization(header string) HTTPOption {
	return func(j *HTTPJudge) { j.authHeader = header }
}

// NewHTTP creates a client for the judge at endpoint, for example
// "http://localhost:8080/judge".
func NewHTTP(endpoint string, timeout time.Duration, opts ...HTTPOption) *HTTPJudge {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	j := &HTTPJudge{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Evaluate implements Judge.
func (j *HTTPJudge) Evaluate(ctx context.Context, req Request) Verdict {
	threshold := req.EffectiveThreshold()
	req.Scope = req.EffectiveScope()

	body, err := json.Marshal(req)
	if err != nil {
		return Failed(threshold, fmt.Sprintf("%s: %v", ReasonError, err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return Failed(threshold, fmt.Sprintf("%s: %v", ReasonError, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.authHeader != "" {
		httpReq.Header.Set("Authorization", j.authHeader)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return Failed(threshold, fmt.Sprintf("%s: %v", ReasonError, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Failed(threshold, fmt.Sprintf("%s: %v", ReasonError, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return Failed(threshold, fmt.Sprintf("%s: %d %s", ReasonError, resp.StatusCode, snippet))
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Failed(threshold, ReasonParseFailed)
	}
	return verdictFromFields(fields, threshold)
}

package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultWebhookTimeout bounds one webhook delivery.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the body POSTed when a run finishes.
type WebhookPayload struct {
	RunID    string      `json:"runId"`
	Status   string      `json:"status"`
	Totals   Totals      `json:"totals"`
	PassRate float64     `json:"passRate"`
	Judge    webhookJudge `json:"judge"`
}

type webhookJudge struct {
	AvgScore *float64 `json:"avgScore,omitempty"`
}

// Webhook notifies an external URL about finished runs.
type Webhook struct {
	client *http.Client
}

// NewWebhook creates a Webhook. A nil client gets DefaultWebhookTimeout.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &Webhook{client: client}
}

// Notify POSTs the run summary to target. runId, suiteId, orgId and
// status are also appended to the query string.
func (w *Webhook) Notify(ctx context.Context, target string, r *Run) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	q := u.Query()
	q.Set("runId", r.ID)
	q.Set("suiteId", r.SuiteID)
	q.Set("orgId", r.OrgID)
	q.Set("status", r.Status)
	u.RawQuery = q.Encode()

	payload := WebhookPayload{RunID: r.ID, Status: r.Status}
	if r.Totals != nil {
		payload.Totals = *r.Totals
	}
	if r.PassRate != nil {
		payload.PassRate = *r.PassRate
	}
	if r.Judge != nil {
		payload.Judge.AvgScore = r.Judge.AvgScore
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

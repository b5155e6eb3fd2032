// Package runs owns test runs: their records and storage, background
// execution, stop requests, scoring, persistence of results and the HTTP
// surface that drives them.
package runs

import (
	"time"

	"github.com/c360studio/convotest/engine"
)

// Run statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusPartial = "partial"
	StatusStopped = "stopped"
)

// Triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerCI       = "ci"
)

// Default run thresholds.
const (
	DefaultPassRateMin = 0.99
	DefaultJudgeMin    = 0.75
)

// Thresholds decide whether a finished run passed.
type Thresholds struct {
	PassRateMin float64 `json:"passRateMin" yaml:"pass_rate_min"`
	JudgeMin    float64 `json:"judgeMin" yaml:"judge_min"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{PassRateMin: DefaultPassRateMin, JudgeMin: DefaultJudgeMin}
}

// Totals counts test outcomes and messages across a run.
type Totals struct {
	Passed        int                  `json:"passed"`
	Failed        int                  `json:"failed"`
	Skipped       int                  `json:"skipped"`
	MessageCounts engine.MessageCounts `json:"messageCounts"`
}

// JudgeSummary is the run-level judge outcome.
type JudgeSummary struct {
	// AvgScore is the mean normalised semantic score, nil when no test
	// produced one.
	AvgScore   *float64   `json:"avgScore,omitempty"`
	Thresholds Thresholds `json:"thresholds"`
	Meets      bool       `json:"meets"`
}

// Run is the persisted record of one suite execution.
type Run struct {
	ID            string                 `json:"id"`
	OrgID         string                 `json:"orgId"`
	SuiteID       string                 `json:"suiteId"`
	Trigger       string                 `json:"trigger"`
	Status        string                 `json:"status"`
	StopRequested bool                   `json:"stopRequested"`
	CreatedAt     time.Time              `json:"createdAt"`
	StartedAt     *time.Time             `json:"startedAt,omitempty"`
	FinishedAt    *time.Time             `json:"finishedAt,omitempty"`
	Totals        *Totals                `json:"totals,omitempty"`
	PassRate      *float64               `json:"passRate,omitempty"`
	SummaryScore  *float64               `json:"summaryScore,omitempty"`
	Judge         *JudgeSummary          `json:"judge,omitempty"`
	Progress      *engine.Progress       `json:"progress,omitempty"`
	Items         []engine.RunItemResult `json:"items,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Active reports whether the run is queued or running.
func (r *Run) Active() bool {
	return r.Status == StatusQueued || r.Status == StatusRunning
}

// Summary returns a copy of the run without its items.
func (r *Run) Summary() *Run {
	cp := *r
	cp.Items = nil
	return &cp
}

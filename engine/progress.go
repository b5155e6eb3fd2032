package engine

import (
	"context"
	"time"
)

// Tail sizes carried in progress snapshots.
const (
	progressTranscriptTail = 8
	progressLogTail        = 10
)

// JudgeSnapshot is the latest judge outcome shown in progress.
type JudgeSnapshot struct {
	Pass    bool           `json:"pass"`
	Details map[string]any `json:"details,omitempty"`
}

// Progress is a best-effort snapshot of a test in flight.
type Progress struct {
	Status         string              `json:"status"`
	CurrentTestID  string              `json:"currentTestId,omitempty"`
	CurrentItem    int                 `json:"currentItem"`
	LastTurnAt     *time.Time          `json:"lastTurnAt,omitempty"`
	LastAssistant  string              `json:"lastAssistant,omitempty"`
	LastUser       string              `json:"lastUser,omitempty"`
	LastLatencyMs  int64               `json:"lastLatencyMs,omitempty"`
	LastJudge      *JudgeSnapshot      `json:"lastJudge,omitempty"`
	TailTranscript []TranscriptMessage `json:"tailTranscript,omitempty"`
	TailLogs       []LogEntry          `json:"tailLogs,omitempty"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// ProgressSink receives progress snapshots. Errors are logged and ignored.
type ProgressSink interface {
	Publish(ctx context.Context, p Progress) error
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ctx context.Context, p Progress) error

// Publish implements ProgressSink.
func (f ProgressFunc) Publish(ctx context.Context, p Progress) error { return f(ctx, p) }

// StopFlag reports whether the run was asked to stop. It is polled between
// tests, steps and turns.
type StopFlag interface {
	StopRequested(ctx context.Context) bool
}

// StopFunc adapts a function to StopFlag.
type StopFunc func(ctx context.Context) bool

// StopRequested implements StopFlag.
func (f StopFunc) StopRequested(ctx context.Context) bool { return f(ctx) }

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

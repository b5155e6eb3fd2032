package runs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/convotest/engine"
)

// ResultDocument is the full, untrimmed record written to disk.
type ResultDocument struct {
	ID         string       `json:"id"`
	SuiteID    string       `json:"suiteId"`
	OrgID      string       `json:"orgId"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	Result     ResultDetail `json:"result"`
}

// ResultDetail is the result section of a ResultDocument.
type ResultDetail struct {
	Items    []engine.RunItemResult `json:"items"`
	Totals   Totals                 `json:"totals"`
	PassRate float64                `json:"passRate"`
	Judge    JudgeSummary           `json:"judge"`
}

// ResultsWriter writes finished runs to <dir>/<YYYY-MM-DD>/<runId>.json.
// A nil writer is disabled.
type ResultsWriter struct {
	dir string
	now func() time.Time
}

// NewResultsWriter returns a writer rooted at dir, or nil when dir is
// empty.
func NewResultsWriter(dir string) *ResultsWriter {
	if dir == "" {
		return nil
	}
	return &ResultsWriter{dir: dir, now: time.Now}
}

// Write stores doc and returns the file path.
func (w *ResultsWriter) Write(doc *ResultDocument) (string, error) {
	if w == nil {
		return "", nil
	}
	day := filepath.Join(w.dir, w.now().UTC().Format(time.DateOnly))
	if err := os.MkdirAll(day, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	path := filepath.Join(day, doc.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return path, nil
}

package runs

import (
	"math"

	"github.com/c360studio/convotest/engine"
)

// Limits applied to items before they are persisted on the run record.
const (
	maxStoredTranscript = 40
	maxStoredLogs       = 300
	maxStoredContent    = 4000
	maxStoredError      = 1000
)

// Summary is the scored outcome of a finished run.
type Summary struct {
	Status   string
	Totals   Totals
	PassRate float64
	AvgJudge *float64
	Meets    bool
}

// NormalizeScore maps a judge score onto [0,1]: values up to 1 are taken
// as is, up to 10 as tenths, anything larger as percent. Non-finite
// scores count as 0.
func NormalizeScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || math.IsInf(s, 0):
		return 0
	case s <= 1:
		return s
	case s <= 10:
		return s / 10
	default:
		return s / 100
	}
}

// AverageJudge is the mean of the normalised scores, nil when empty.
func AverageJudge(scores []float64) *float64 {
	if len(scores) == 0 {
		return nil
	}
	var sum float64
	for _, s := range scores {
		sum += NormalizeScore(s)
	}
	avg := sum / float64(len(scores))
	return &avg
}

// Summarize scores an engine result. A stopped run is always stopped;
// otherwise it passes when both thresholds are met, is partial when at
// least one test passed, and failed otherwise. The judge threshold is met
// vacuously when no scores were produced.
func Summarize(res *engine.RunResult, stopped bool, th Thresholds) Summary {
	if res == nil {
		res = &engine.RunResult{}
	}
	sum := Summary{
		Totals: Totals{Passed: res.Passed, Failed: res.Failed, Skipped: res.Skipped},
	}
	for _, it := range res.Items {
		sum.Totals.MessageCounts.Add(it.MessageCounts)
	}

	total := res.Passed + res.Failed + res.Skipped
	sum.PassRate = float64(res.Passed) / float64(max(1, total))
	sum.AvgJudge = AverageJudge(res.JudgeScores)
	sum.Meets = sum.PassRate >= th.PassRateMin && (sum.AvgJudge == nil || *sum.AvgJudge >= th.JudgeMin)

	switch {
	case stopped:
		sum.Status = StatusStopped
	case sum.Meets:
		sum.Status = StatusPassed
	case res.Passed > 0:
		sum.Status = StatusPartial
	default:
		sum.Status = StatusFailed
	}
	return sum
}

// TrimItem bounds an item's transcript and log for storage.
func TrimItem(it engine.RunItemResult) engine.RunItemResult {
	transcript := it.Transcript
	if len(transcript) > maxStoredTranscript {
		transcript = transcript[len(transcript)-maxStoredTranscript:]
	}
	it.Transcript = make([]engine.TranscriptMessage, len(transcript))
	for i, m := range transcript {
		m.Content = clamp(m.Content, maxStoredContent)
		it.Transcript[i] = m
	}

	logs := it.Log
	if len(logs) > maxStoredLogs {
		logs = logs[len(logs)-maxStoredLogs:]
	}
	if logs != nil {
		it.Log = make([]engine.LogEntry, len(logs))
		for i, e := range logs {
			e.Content = clamp(e.Content, maxStoredContent)
			e.Error = clamp(e.Error, maxStoredError)
			it.Log[i] = e
		}
	}
	return it
}

func clamp(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

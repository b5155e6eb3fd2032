package engine

import (
	"math"
	"slices"
)

// LatencyStats summarises assistant response times of one test. The
// aggregate fields are nil when no turn completed.
type LatencyStats struct {
	Source    string  `json:"source"`
	Label     string  `json:"label"`
	PerTurnMs []int64 `json:"perTurnMs"`
	AvgMs     *int64  `json:"avgMs,omitempty"`
	P50Ms     *int64  `json:"p50Ms,omitempty"`
	P95Ms     *int64  `json:"p95Ms,omitempty"`
	MaxMs     *int64  `json:"maxMs,omitempty"`
}

// ComputeLatency builds LatencyStats from per-turn latencies in turn order.
func ComputeLatency(perTurn []int64) *LatencyStats {
	stats := &LatencyStats{
		Source:    "assistant",
		Label:     "Assistant Response Time",
		PerTurnMs: append([]int64{}, perTurn...),
	}
	if len(perTurn) == 0 {
		return stats
	}

	sorted := slices.Clone(perTurn)
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	avg := int64(math.Round(float64(sum) / float64(len(sorted))))
	p50 := percentile(sorted, 0.5)
	p95 := percentile(sorted, 0.95)
	maxMs := sorted[len(sorted)-1]

	stats.AvgMs = &avg
	stats.P50Ms = &p50
	stats.P95Ms = &p95
	stats.MaxMs = &maxMs
	return stats
}

// percentile picks sorted[min(n-1, floor(p*(n-1)))].
func percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	i := min(n-1, int(math.Floor(p*float64(n-1))))
	return sorted[i]
}

package runs

import (
	"bytes"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/c360studio/convotest/engine"
)

// Collector captures run metrics in its own registry. A nil Collector
// records nothing.
type Collector struct {
	registry    *prometheus.Registry
	runsTotal   *prometheus.CounterVec
	testsTotal  *prometheus.CounterVec
	turnsTotal  prometheus.Counter
	judgeChecks *prometheus.CounterVec
	turnLatency prometheus.Histogram
}

// NewCollector initializes a new metrics registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convotest_runs_total", Help: "Finished runs by status"},
			[]string{"status"},
		),
		testsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convotest_tests_total", Help: "Executed tests by status"},
			[]string{"status"},
		),
		turnsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "convotest_turns_total", Help: "Assistant turns observed"},
		),
		judgeChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convotest_judge_checks_total", Help: "Judge checks by outcome"},
			[]string{"outcome"},
		),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convotest_turn_latency_seconds",
			Help:    "Assistant response time per turn",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(c.runsTotal, c.testsTotal, c.turnsTotal, c.judgeChecks, c.turnLatency)
	return c
}

// ObserveRun records a finished run and its items.
func (c *Collector) ObserveRun(status string, items []engine.RunItemResult) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
	for _, it := range items {
		c.ObserveItem(it)
	}
}

// ObserveItem records one test outcome.
func (c *Collector) ObserveItem(it engine.RunItemResult) {
	if c == nil {
		return
	}
	c.testsTotal.WithLabelValues(it.Status).Inc()
	if it.Timings != nil {
		for _, ms := range it.Timings.PerTurnMs {
			c.turnsTotal.Inc()
			c.turnLatency.Observe(float64(ms) / 1000)
		}
	}
	for _, e := range it.Log {
		if e.Type != "judge_check" || e.Pass == nil {
			continue
		}
		outcome := "fail"
		if *e.Pass {
			outcome = "pass"
		}
		c.judgeChecks.WithLabelValues(outcome).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteFile writes all metrics to a Prometheus text file.
func (c *Collector) WriteFile(path string) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

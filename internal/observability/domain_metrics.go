package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_requests_total",
			Help: "Total number of answered questions by outcome (ok or error kind).",
		},
		[]string{"outcome"},
	)
	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlq_stage_duration_seconds",
			Help:    "Latency of each pipeline stage in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
	promptExemplars = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlq_prompt_exemplars",
			Help:    "Number of exemplars rendered into the SQL prompt after truncation.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 10},
		},
	)
	promptTruncationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlq_prompt_truncations_total",
			Help: "Total number of prompts that dropped exemplars to fit the token budget.",
		},
	)
	corpusExemplars = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlq_corpus_exemplars",
			Help: "Number of exemplars in the active corpus snapshot.",
		},
	)
	corpusReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_corpus_reloads_total",
			Help: "Total number of corpus reload attempts by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		stageDurationSeconds,
		promptExemplars,
		promptTruncationsTotal,
		corpusExemplars,
		corpusReloadsTotal,
	)
}

// ObserveRequest records the terminal outcome of one question. An empty
// outcome counts as "ok".
func ObserveRequest(outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	requestsTotal.WithLabelValues(outcome).Inc()
}

func ObserveStage(stage string, elapsed time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func ObservePrompt(exemplars int, truncated bool) {
	if exemplars < 0 {
		exemplars = 0
	}
	promptExemplars.Observe(float64(exemplars))
	if truncated {
		promptTruncationsTotal.Inc()
	}
}

func SetCorpusSize(size int) {
	if size < 0 {
		size = 0
	}
	corpusExemplars.Set(float64(size))
}

func ObserveCorpusReload(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	corpusReloadsTotal.WithLabelValues(status).Inc()
}

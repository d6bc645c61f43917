package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTP metrics use the route label from routeLabel; answer metrics use the
// source label (tier1, tier2, generated).
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querycache_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)
	httpRequestsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "querycache_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served by route.",
		},
		[]string{"path"},
	)
	answersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_answers_total",
			Help: "Total number of answered questions by source (tier1, tier2, generated).",
		},
		[]string{"source"},
	)
	answerLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querycache_answer_latency_ms",
			Help:    "Answer latency in milliseconds by source.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"source"},
	)
	answerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_answer_failures_total",
			Help: "Total number of failed answers by stage (generation, execution).",
		},
		[]string{"stage"},
	)
	coalescedAnswersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querycache_coalesced_answers_total",
			Help: "Total number of misses served by another in-flight generation.",
		},
	)
	generationTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_generation_tokens_total",
			Help: "Total generation tokens by kind (prompt, completion).",
		},
		[]string{"kind"},
	)
	generationCostUSDTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querycache_generation_cost_usd_total",
			Help: "Estimated generation spend in USD.",
		},
	)
	durableErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_durable_errors_total",
			Help: "Total number of second-tier failures by operation (get, put).",
		},
		[]string{"op"},
	)
	memoryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querycache_memory_entries",
			Help: "Current number of first-tier entries, including expired ones not yet looked up.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpRequestsInFlight,
		answersTotal,
		answerLatencyMs,
		answerFailuresTotal,
		coalescedAnswersTotal,
		generationTokensTotal,
		generationCostUSDTotal,
		durableErrorsTotal,
		memoryEntries,
	)
}

func ObserveAnswer(source string, elapsed time.Duration) {
	answersTotal.WithLabelValues(source).Inc()
	answerLatencyMs.WithLabelValues(source).Observe(float64(elapsed.Microseconds()) / 1000)
}

func IncrementAnswerFailure(stage string) {
	answerFailuresTotal.WithLabelValues(stage).Inc()
}

func IncrementCoalescedAnswer() {
	coalescedAnswersTotal.Inc()
}

func ObserveGeneration(promptTokens, completionTokens int, costUSD float64) {
	if promptTokens > 0 {
		generationTokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		generationTokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
	if costUSD > 0 {
		generationCostUSDTotal.Add(costUSD)
	}
}

func IncrementDurableError(op string) {
	durableErrorsTotal.WithLabelValues(op).Inc()
}

func SetMemoryEntries(count int) {
	if count < 0 {
		count = 0
	}
	memoryEntries.Set(float64(count))
}

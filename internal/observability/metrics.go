package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeRuns       prometheus.Gauge
	runTotal         *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	runIterations    *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	retryTotal       *prometheus.CounterVec
	retryAttempts    *prometheus.HistogramVec
	requestTokens    *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolArgRepairTotal    *prometheus.CounterVec

	compactionTotal    *prometheus.CounterVec
	compactionDuration prometheus.Histogram
	compactionSavings  prometheus.Histogram

	sessionLoadDuration *prometheus.HistogramVec
	sessionSaveDuration *prometheus.HistogramVec

	eventSubscribers  prometheus.Gauge
	eventsDropped     *prometheus.CounterVec
	confirmationTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_active_runs",
					Help: "Current number of in-flight agent runs.",
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
				},
				[]string{"provider"},
			),
			runIterations: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_run_iterations",
					Help:    "Model round-trips per run by provider.",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
				},
				[]string{"provider"},
			),
			providerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_provider_errors_total",
					Help: "Provider API errors by provider and class.",
				},
				[]string{"provider", "class"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_retry_total",
					Help: "Completed retry sequences by label and outcome.",
				},
				[]string{"label", "outcome"},
			),
			retryAttempts: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_retry_attempts",
					Help:    "Extra attempts consumed per retry sequence.",
					Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
				},
				[]string{"label"},
			),
			requestTokens: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_request_tokens_estimated",
					Help:    "Estimated tokens per outgoing model request.",
					Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolArgRepairTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_tool_arg_repair_total",
					Help: "Tool argument parse outcomes: strict, repaired, failed.",
				},
				[]string{"outcome"},
			),
			compactionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_compaction_total",
					Help: "History compactions by outcome (summarized, fallback, skipped).",
				},
				[]string{"outcome"},
			),
			compactionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "relay_compaction_duration_seconds",
					Help:    "Compaction duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			compactionSavings: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "relay_compaction_tokens_saved",
					Help:    "Estimated tokens removed per compaction.",
					Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
				},
			),
			sessionLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_session_load_duration_seconds",
					Help:    "Session load duration in seconds by store backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "relay_session_save_duration_seconds",
					Help:    "Session save duration in seconds by store backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			eventSubscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_event_subscribers",
					Help: "Current number of attached event subscribers.",
				},
			),
			eventsDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_events_dropped_total",
					Help: "Events dropped on saturated subscriber channels, by channel.",
				},
				[]string{"channel"},
			),
			confirmationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_confirmation_total",
					Help: "Tool confirmation resolutions by decision.",
				},
				[]string{"decision"},
			),
		}

		prometheus.MustRegister(
			m.activeRuns,
			m.runTotal,
			m.runDuration,
			m.runIterations,
			m.providerErrors,
			m.retryTotal,
			m.retryAttempts,
			m.requestTokens,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolArgRepairTotal,
			m.compactionTotal,
			m.compactionDuration,
			m.compactionSavings,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.eventSubscribers,
			m.eventsDropped,
			m.confirmationTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveRuns(count int) {
	getMetrics().activeRuns.Set(float64(count))
}

func RecordRun(provider string, duration time.Duration, iterations int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.runTotal.WithLabelValues(provider, status).Inc()
	m.runDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.runIterations.WithLabelValues(provider).Observe(float64(iterations))
}

func RecordProviderError(provider, class string) {
	getMetrics().providerErrors.WithLabelValues(provider, class).Inc()
}

func RecordRetry(label string, attempts int, success bool) {
	m := getMetrics()
	outcome := "exhausted"
	if success {
		outcome = "recovered"
	}
	m.retryTotal.WithLabelValues(label, outcome).Inc()
	m.retryAttempts.WithLabelValues(label).Observe(float64(attempts))
}

func RecordRequestTokens(provider string, tokens int) {
	getMetrics().requestTokens.WithLabelValues(provider).Observe(float64(tokens))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordArgParse(outcome string) {
	getMetrics().toolArgRepairTotal.WithLabelValues(outcome).Inc()
}

func RecordCompaction(outcome string, duration time.Duration, tokensSaved int) {
	m := getMetrics()
	m.compactionTotal.WithLabelValues(outcome).Inc()
	m.compactionDuration.Observe(duration.Seconds())
	if tokensSaved > 0 {
		m.compactionSavings.Observe(float64(tokensSaved))
	}
}

func RecordSessionLoad(backend string, duration time.Duration) {
	getMetrics().sessionLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionSave(backend string, duration time.Duration) {
	getMetrics().sessionSaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func SetEventSubscribers(count int) {
	getMetrics().eventSubscribers.Set(float64(count))
}

func RecordEventDropped(channel string) {
	getMetrics().eventsDropped.WithLabelValues(channel).Inc()
}

func RecordConfirmation(decision string) {
	getMetrics().confirmationTotal.WithLabelValues(decision).Inc()
}

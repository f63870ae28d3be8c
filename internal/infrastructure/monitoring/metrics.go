package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/GriffinCanCode/apm-agent/internal/infrastructure/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's self-metrics on a private registry so several
// agents (or tests) in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	// Trace metrics
	TracesStarted   *prometheus.CounterVec
	TracesCompleted *prometheus.CounterVec
	TraceDuration   *prometheus.HistogramVec
	TracesInFlight  prometheus.Gauge
	TracesReaped    prometheus.Counter

	// Span metrics
	SpansRecorded *prometheus.CounterVec
	SpansDropped  *prometheus.CounterVec

	// Exporter metrics
	QueueDepth     prometheus.Gauge
	TracesEvicted  prometheus.Counter
	Batches        *prometheus.CounterVec
	TracesExported prometheus.Counter
	ExportDuration prometheus.Histogram
	BreakerState   *prometheus.GaugeVec

	// Request metrics for routes served next to the agent
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.SummaryVec
	HTTPResponseSize    *prometheus.SummaryVec

	startTime time.Time

	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current counter values for tests and status output.
type MetricsSnapshot struct {
	TracesStarted   int64
	TracesSampled   int64
	TracesCompleted int64
	SpansRecorded   int64
	SpansDropped    int64
	TracesEvicted   int64
	TracesExported  int64
	BatchesFailed   int64
	QueueDepth      int64
}

// NewMetrics creates a metrics collector on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a metrics collector registered on reg.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TracesStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apm_traces_started_total",
				Help: "Root trace contexts opened, by sampling decision",
			},
			[]string{"sampled"},
		),
		TracesCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apm_traces_completed_total",
				Help: "Sampled traces completed, by status class",
			},
			[]string{"status"},
		),
		TraceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apm_trace_duration_seconds",
				Help:    "Root operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),
		TracesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apm_traces_in_flight",
				Help: "Trace contexts opened but not yet completed",
			},
		),
		TracesReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apm_traces_reaped_total",
				Help: "Trace contexts discarded without completing",
			},
		),

		SpansRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apm_spans_recorded_total",
				Help: "Spans appended to an active trace",
			},
			[]string{"type"},
		),
		SpansDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apm_spans_dropped_total",
				Help: "Spans rejected by a trace context",
			},
			[]string{"reason"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "apm_exporter_queue_depth",
				Help: "Completed traces waiting for export",
			},
		),
		TracesEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apm_exporter_evicted_total",
				Help: "Traces evicted from a full export queue",
			},
		),
		Batches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apm_exporter_batches_total",
				Help: "Export batches by outcome",
			},
			[]string{"result"},
		),
		TracesExported: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apm_exporter_traces_total",
				Help: "Traces delivered to the collector",
			},
		),
		ExportDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apm_exporter_batch_duration_seconds",
				Help:    "Time to deliver one batch including retries",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apm_exporter_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apm_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apm_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequestSize: factory.NewSummaryVec(
			prometheus.SummaryOpts{
				Name: "apm_http_request_size_bytes",
				Help: "HTTP request body size in bytes",
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: factory.NewSummaryVec(
			prometheus.SummaryOpts{
				Name: "apm_http_response_size_bytes",
				Help: "HTTP response body size in bytes",
			},
			[]string{"method", "route"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "apm_uptime_seconds",
			Help: "Agent uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// TraceStarted records a newly opened root context.
func (m *Metrics) TraceStarted(sampled bool) {
	m.TracesStarted.WithLabelValues(strconv.FormatBool(sampled)).Inc()
	m.TracesInFlight.Inc()

	m.mu.Lock()
	m.snapshot.TracesStarted++
	if sampled {
		m.snapshot.TracesSampled++
	}
	m.mu.Unlock()
}

// TraceCompleted records a finalised context. Unsampled contexts only leave
// the in-flight gauge.
func (m *Metrics) TraceCompleted(endpoint string, statusCode int, duration time.Duration, sampled bool) {
	m.TracesInFlight.Dec()
	if !sampled {
		return
	}

	m.TracesCompleted.WithLabelValues(statusClass(statusCode)).Inc()
	m.TraceDuration.WithLabelValues(endpoint).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TracesCompleted++
	m.mu.Unlock()
}

// TracesDiscarded records contexts dropped by Clear or the reaper.
func (m *Metrics) TracesDiscarded(n int) {
	if n <= 0 {
		return
	}
	m.TracesInFlight.Sub(float64(n))
	m.TracesReaped.Add(float64(n))
}

// SpanRecorded records a span accepted by a context.
func (m *Metrics) SpanRecorded(spanType string) {
	m.SpansRecorded.WithLabelValues(spanType).Inc()

	m.mu.Lock()
	m.snapshot.SpansRecorded++
	m.mu.Unlock()
}

// SpanDropped records a span a context refused.
func (m *Metrics) SpanDropped(reason string) {
	m.SpansDropped.WithLabelValues(reason).Inc()

	m.mu.Lock()
	m.snapshot.SpansDropped++
	m.mu.Unlock()
}

// QueueDepthChanged records the export queue length.
func (m *Metrics) QueueDepthChanged(n int) {
	m.QueueDepth.Set(float64(n))

	m.mu.Lock()
	m.snapshot.QueueDepth = int64(n)
	m.mu.Unlock()
}

// TraceEvicted records an overflow eviction.
func (m *Metrics) TraceEvicted() {
	m.TracesEvicted.Inc()

	m.mu.Lock()
	m.snapshot.TracesEvicted++
	m.mu.Unlock()
}

// BatchExported records the outcome of one batch.
func (m *Metrics) BatchExported(result string, traces int, duration time.Duration) {
	m.Batches.WithLabelValues(result).Inc()
	m.ExportDuration.Observe(duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if result == "success" {
		m.TracesExported.Add(float64(traces))
		m.snapshot.TracesExported += int64(traces)
		return
	}
	m.snapshot.BatchesFailed++
}

// BreakerStateChanged matches resilience.Settings.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _ resilience.State, to resilience.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration, reqSize, respSize int64) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, route).Observe(float64(reqSize))
	m.HTTPResponseSize.WithLabelValues(method, route).Observe(float64(respSize))
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

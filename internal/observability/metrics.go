package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "urlintel"

// Pipeline paths used as the "path" label.
const (
	PathCached      = "cached"
	PathFull        = "full"
	PathPlaceholder = "placeholder"
	PathRejected    = "rejected"
)

// Metrics holds Prometheus metrics for the enrichment service. All methods
// are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Enrichment metrics
	EnrichmentRequests *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	PipelineDuration   *prometheus.HistogramVec
	Verdicts           *prometheus.CounterVec

	// Provider metrics
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	// Event bus metrics
	EventsPublished *prometheus.CounterVec
	EventsInFlight  prometheus.Gauge

	// Feedback metrics
	Feedback       *prometheus.CounterVec
	FalsePositives prometheus.Counter

	// Worker pool metrics
	QueueDepth  prometheus.Gauge
	WorkerTasks *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
}

// NewMetrics registers every metric on a fresh private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EnrichmentRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_requests_total",
				Help:      "Enrichment requests by priority and pipeline path",
			},
			[]string{"priority", "path"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by result",
			},
			[]string{"result"},
		),
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "End-to-end enrichment latency by path",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"path"},
		),
		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verdicts_total",
				Help:      "Final verdicts produced by full pipeline runs",
			},
			[]string{"verdict"},
		),
		ProviderCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Lookup provider calls by outcome",
			},
			[]string{"provider", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_duration_seconds",
				Help:      "Lookup provider latency",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events handed to the bus by topic and outcome",
			},
			[]string{"topic", "status"},
		),
		EventsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "events_in_flight",
				Help:      "Events submitted to the bus and not yet acknowledged",
			},
		),
		Feedback: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feedback_total",
				Help:      "User feedback events by asserted verdict",
			},
			[]string{"user_verdict"},
		),
		FalsePositives: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "false_positives_total",
				Help:      "Feedback marking a cached risky verdict as safe",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Background pipelines waiting for a worker",
			},
		),
		WorkerTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_tasks_total",
				Help:      "Background pipelines by outcome",
			},
			[]string{"status"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "route"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// Registry returns the private registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
}

// ObserveRequest counts an enrichment request by the path it took.
func (m *Metrics) ObserveRequest(priority, path string) {
	if m == nil {
		return
	}
	m.EnrichmentRequests.WithLabelValues(priority, path).Inc()
}

// ObserveCacheLookup counts a cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObservePipeline records end-to-end latency for a cached or full run.
func (m *Metrics) ObservePipeline(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(path).Observe(d.Seconds())
}

// ObserveVerdict counts a final verdict.
func (m *Metrics) ObserveVerdict(verdict string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(verdict).Inc()
}

// ObserveProvider records one provider call. status is "ok" or an error kind.
func (m *Metrics) ObserveProvider(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, status).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// PublishStarted marks an event as in flight.
func (m *Metrics) PublishStarted() {
	if m == nil {
		return
	}
	m.EventsInFlight.Inc()
}

// PublishFinished records the outcome of an in-flight event.
func (m *Metrics) PublishFinished(topic string, err error) {
	if m == nil {
		return
	}
	m.EventsInFlight.Dec()
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(topic, status).Inc()
}

// ObserveFeedback counts a feedback event.
func (m *Metrics) ObserveFeedback(userVerdict string, falsePositive bool) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(userVerdict).Inc()
	if falsePositive {
		m.FalsePositives.Inc()
	}
}

// SetQueueDepth reports the number of queued background pipelines.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveTask counts a background pipeline outcome.
func (m *Metrics) ObserveTask(status string) {
	if m == nil {
		return
	}
	m.WorkerTasks.WithLabelValues(status).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveRateLimited counts a rejected request.
func (m *Metrics) ObserveRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}

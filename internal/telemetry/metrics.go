// Package telemetry exposes pipeline metrics in the Prometheus format.
package telemetry

import (
	"net/http"
	"time"

	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued     prometheus.Counter
	JobsFinished     *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	PromptTasks      *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderRetries  *prometheus.CounterVec
	DeliveryRetries  prometheus.Counter
	DeadLetters      prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	InFlight         prometheus.Gauge
	RateLimitRejects prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synopsis_jobs_enqueued_total", Help: "Jobs accepted and enqueued",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synopsis_jobs_finished_total", Help: "Jobs that reached a terminal status",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "synopsis_job_duration_seconds",
			Help:    "Time from claim to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		PromptTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synopsis_prompt_tasks_total", Help: "Prompt tasks by terminal status",
		}, []string{"status"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synopsis_provider_calls_total", Help: "Provider calls by outcome",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synopsis_provider_call_seconds",
			Help:    "Provider call latency including retries",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		ProviderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synopsis_provider_retries_total", Help: "Provider calls retried after a transient error",
		}, []string{"provider"}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synopsis_delivery_retries_total", Help: "Deliveries nacked after an infrastructure failure",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synopsis_dead_letters_total", Help: "Deliveries moved to the dead-letter list",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synopsis_queue_depth", Help: "Queue entries by state",
		}, []string{"state"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synopsis_jobs_in_flight", Help: "Jobs currently held by workers",
		}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synopsis_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter",
		}),
	}

	m.registry.MustRegister(
		m.JobsEnqueued,
		m.JobsFinished,
		m.JobDuration,
		m.PromptTasks,
		m.ProviderCalls,
		m.ProviderLatency,
		m.ProviderRetries,
		m.DeliveryRetries,
		m.DeadLetters,
		m.QueueDepth,
		m.InFlight,
		m.RateLimitRejects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ProviderCall records one finished provider call.
func (m *Metrics) ProviderCall(provider, outcome string, elapsed time.Duration) {
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ProviderRetry records a retry after a transient failure.
func (m *Metrics) ProviderRetry(provider string) {
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// TaskFinished records a prompt task reaching a terminal status.
func (m *Metrics) TaskFinished(status domain.TaskStatus) {
	m.PromptTasks.WithLabelValues(string(status)).Inc()
}

// JobFinished records a job reaching a terminal status.
func (m *Metrics) JobFinished(status domain.JobStatus, elapsed time.Duration) {
	m.JobsFinished.WithLabelValues(string(status)).Inc()
	if elapsed > 0 {
		m.JobDuration.Observe(elapsed.Seconds())
	}
}

// ObserveQueue sets the depth gauges from a queue snapshot.
func (m *Metrics) ObserveQueue(s queue.Stats) {
	m.QueueDepth.WithLabelValues("ready").Set(float64(s.Ready))
	m.QueueDepth.WithLabelValues("inflight").Set(float64(s.InFlight))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(s.Delayed))
	m.QueueDepth.WithLabelValues("dead").Set(float64(s.Dead))
}

// JobEnqueued records an accepted submission.
func (m *Metrics) JobEnqueued() {
	m.JobsEnqueued.Inc()
}

// DeliveryRetried records a nacked delivery.
func (m *Metrics) DeliveryRetried() {
	m.DeliveryRetries.Inc()
}

// DeadLettered records a delivery parked after its attempts ran out.
func (m *Metrics) DeadLettered() {
	m.DeadLetters.Inc()
}

// WorkerBusy adjusts the in-flight gauge by delta.
func (m *Metrics) WorkerBusy(delta int) {
	m.InFlight.Add(float64(delta))
}

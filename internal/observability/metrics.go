package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	PageOutcomes      *prometheus.CounterVec
	GeneratorErrors   *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	InFlight          prometheus.Gauge
	GenerationLatency prometheus.Histogram
	QueueWait         prometheus.Histogram

	latency *pageLatency
}

// NewMetrics registers the instruments with reg, or the default registerer
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active generation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		PageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_tasks_total",
			Help:      "Finished page tasks by outcome.",
		}, []string{"outcome"}),
		GeneratorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_errors_total",
			Help:      "Generator call errors by class.",
		}, []string{"class"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "page_queue_depth",
			Help:      "Page tasks waiting for a worker.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "page_generations_in_flight",
			Help:      "Page generations currently running.",
		}),
		GenerationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_generation_seconds",
			Help:      "Wall time of one page generation including retries.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 180, 300},
		}),
		QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_queue_wait_seconds",
			Help:      "Time a page task waited before a worker picked it up.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
		latency: newPageLatency(256),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePageOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PageOutcomes.WithLabelValues(outcome).Inc()
	m.GenerationLatency.Observe(d.Seconds())
	m.latency.recordGeneration(d)
	if outcome != "completed" {
		m.latency.recordFailure(outcome)
	}
}

func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(d.Seconds())
	m.latency.recordQueueWait(d)
}

func (m *Metrics) ObserveGeneratorError(class string) {
	if m == nil {
		return
	}
	m.GeneratorErrors.WithLabelValues(class).Inc()
	m.latency.recordFailure("generator_" + class)
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// LatencySnapshot summarizes recent page latencies.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

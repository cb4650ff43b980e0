package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the ingestion
// runtime and façade, keyed the way spec.md §4.2 names them: by
// device (mac) and by reason where it applies.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	ingressTotal    *prometheus.CounterVec
	commitTotal     prometheus.Counter
	duplicateTotal  prometheus.Counter
	deadLetterTotal *prometheus.CounterVec
	reconnectTotal  *prometheus.CounterVec
	retryTotal      *prometheus.CounterVec
	apiRequests     *prometheus.CounterVec

	activeSubscribers prometheus.Gauge
	lagSeconds        *prometheus.GaugeVec

	ingestLatency *prometheus.HistogramVec
	apiLatency    *prometheus.HistogramVec
	apiPoints     *prometheus.HistogramVec
}

var defaultLatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// NewPrometheus builds a PrometheusMetrics with its own registry plus
// the default Go/process collectors.
func NewPrometheus(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		ingressTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingress_total", Help: "Total envelopes received per device.",
		}, []string{"mac"}),

		commitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commit_total", Help: "Total readings committed to storage.",
		}),

		duplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_total", Help: "Total readings rejected as duplicates.",
		}),

		deadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letter_total", Help: "Total dead-lettered payloads by reason.",
		}, []string{"reason"}),

		reconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_total", Help: "Total MQTT reconnects by device.",
		}, []string{"mac"}),

		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_total", Help: "Total retry attempts by device and reason.",
		}, []string{"mac", "reason"}),

		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_requests_total", Help: "Total API requests by endpoint and status.",
		}, []string{"endpoint", "status"}),

		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_subscribers", Help: "Number of devices with an active worker.",
		}),

		lagSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "lag_seconds", Help: "Seconds since the last reading was seen, by device.",
		}, []string{"mac"}),

		ingestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingest_latency_seconds", Help: "Envelope-to-commit latency.", Buckets: defaultLatencyBuckets,
		}, nil),

		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "api_latency_seconds", Help: "HTTP handler latency by endpoint.", Buckets: defaultLatencyBuckets,
		}, []string{"endpoint"}),

		apiPoints: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "api_points", Help: "Number of points returned by electricity queries.",
			Buckets: []float64{1, 5, 10, 50, 100, 200, 500},
		}, []string{"endpoint"}),
	}

	registry.MustRegister(
		pm.ingressTotal, pm.commitTotal, pm.duplicateTotal, pm.deadLetterTotal,
		pm.reconnectTotal, pm.retryTotal, pm.apiRequests,
		pm.activeSubscribers, pm.lagSeconds,
		pm.ingestLatency, pm.apiLatency, pm.apiPoints,
	)

	return pm
}

// Handler returns the Prometheus exposition HTTP handler (GET /metrics
// in SPEC_FULL.md §6).
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func (pm *PrometheusMetrics) IncIngress(mac string)      { pm.ingressTotal.WithLabelValues(mac).Inc() }
func (pm *PrometheusMetrics) IncCommit()                 { pm.commitTotal.Inc() }
func (pm *PrometheusMetrics) IncDuplicate()              { pm.duplicateTotal.Inc() }
func (pm *PrometheusMetrics) IncDeadLetter(reason string) { pm.deadLetterTotal.WithLabelValues(reason).Inc() }
func (pm *PrometheusMetrics) IncReconnect(mac string)    { pm.reconnectTotal.WithLabelValues(mac).Inc() }
func (pm *PrometheusMetrics) IncRetry(mac, reason string) {
	pm.retryTotal.WithLabelValues(mac, reason).Inc()
}
func (pm *PrometheusMetrics) IncAPIRequest(endpoint, status string) {
	pm.apiRequests.WithLabelValues(endpoint, status).Inc()
}

func (pm *PrometheusMetrics) SetActiveSubscribers(n int) { pm.activeSubscribers.Set(float64(n)) }
func (pm *PrometheusMetrics) SetLagSeconds(mac string, seconds float64) {
	pm.lagSeconds.WithLabelValues(mac).Set(seconds)
}

func (pm *PrometheusMetrics) ObserveIngestLatency(seconds float64) {
	pm.ingestLatency.WithLabelValues().Observe(seconds)
}
func (pm *PrometheusMetrics) ObserveAPILatency(endpoint string, seconds float64) {
	pm.apiLatency.WithLabelValues(endpoint).Observe(seconds)
}
func (pm *PrometheusMetrics) ObserveAPIPoints(endpoint string, n int) {
	pm.apiPoints.WithLabelValues(endpoint).Observe(float64(n))
}

var _ Metrics = (*PrometheusMetrics)(nil)

package procmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector over a
// registry-scoped set of counters, a gauge and a histogram.
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	starts           *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	errors           *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	backoffDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector registers the process-manager metric
// family under namespace (defaulting to "opendaemon") on registry. A nil
// registry gets a fresh one, for standalone use outside the daemon.
func NewPrometheusMetricsCollector(registry *prometheus.Registry, namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "opendaemon"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pmc := &PrometheusMetricsCollector{
		registry: registry,
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_state_transitions_total",
			Help:      "Total number of process status transitions",
		}, []string{"process", "from", "to"}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Total number of successful process starts",
		}, []string{"process"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_restarts_total",
			Help:      "Total number of process restarts",
		}, []string{"process"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_errors_total",
			Help:      "Total number of process errors",
		}, []string{"process", "error_type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restart_queue_depth",
			Help:      "Current depth of the restart backoff queue",
		}),
		backoffDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restart_backoff_duration_seconds",
			Help:      "Backoff delay applied before a restart",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"process"}),
	}

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.starts,
		pmc.restarts,
		pmc.errors,
		pmc.queueDepth,
		pmc.backoffDuration,
	)
	return pmc
}

func (pmc *PrometheusMetricsCollector) ProcessStateTransition(id ProcessID, from, to Status) {
	pmc.stateTransitions.WithLabelValues(string(id), string(from), string(to)).Inc()
}

func (pmc *PrometheusMetricsCollector) ProcessStarted(id ProcessID, instances int) {
	pmc.starts.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) ProcessRestart(id ProcessID) {
	pmc.restarts.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) ProcessError(id ProcessID, errorType string) {
	pmc.errors.WithLabelValues(string(id), errorType).Inc()
}

func (pmc *PrometheusMetricsCollector) WorkQueueDepth(depth int) {
	pmc.queueDepth.Set(float64(depth))
}

func (pmc *PrometheusMetricsCollector) WorkQueueBackoffDuration(id ProcessID, duration time.Duration) {
	pmc.backoffDuration.WithLabelValues(string(id)).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry backing this collector, for
// mounting an HTTP handler.
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

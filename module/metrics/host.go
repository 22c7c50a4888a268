// Package metrics provides the prometheus instrumentation of the proving
// host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taikoxyz/raiko-sub001/model/proof"
)

const (
	namespaceHost = "raiko"

	subsystemPool       = "request_pool"
	subsystemDispatcher = "dispatcher"
	subsystemProver     = "prover"
)

// HostCollector implements module.HostMetrics on top of prometheus. All
// collectors register against the default registry.
type HostCollector struct {
	requestsAdmitted     *prometheus.CounterVec
	requestsDeduplicated prometheus.Counter
	tasksInflight        prometheus.Gauge
	tasksFinalized       *prometheus.CounterVec
	proveDuration        *prometheus.HistogramVec
}

func NewHostCollector() *HostCollector {
	return &HostCollector{
		requestsAdmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceHost,
			Subsystem: subsystemPool,
			Name:      "requests_admitted_total",
			Help:      "number of proof requests admitted to the pool",
		}, []string{"kind"}),
		requestsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceHost,
			Subsystem: subsystemPool,
			Name:      "requests_deduplicated_total",
			Help:      "number of submissions that attached to an existing task",
		}),
		tasksInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceHost,
			Subsystem: subsystemDispatcher,
			Name:      "tasks_inflight",
			Help:      "number of task executions currently running",
		}),
		tasksFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceHost,
			Subsystem: subsystemDispatcher,
			Name:      "tasks_finalized_total",
			Help:      "number of tasks that reached a terminal status",
		}, []string{"status"}),
		proveDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceHost,
			Subsystem: subsystemProver,
			Name:      "prove_duration_seconds",
			Help:      "wall-clock duration of successful backend proving rounds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"backend"}),
	}
}

func (c *HostCollector) RequestAdmitted(kind proof.Kind) {
	c.requestsAdmitted.WithLabelValues(kind.String()).Inc()
}

func (c *HostCollector) RequestDeduplicated() {
	c.requestsDeduplicated.Inc()
}

func (c *HostCollector) TaskStarted() {
	c.tasksInflight.Inc()
}

func (c *HostCollector) TaskFinished() {
	c.tasksInflight.Dec()
}

func (c *HostCollector) TaskFinalized(status proof.TaskStatus) {
	c.tasksFinalized.WithLabelValues(status.String()).Inc()
}

func (c *HostCollector) ProveDuration(backend proof.BackendID, duration time.Duration) {
	c.proveDuration.WithLabelValues(string(backend)).Observe(duration.Seconds())
}

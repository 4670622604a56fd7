package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

// PromExporter publishes coordination metrics through a Prometheus registry
type PromExporter struct {
	registry *prometheus.Registry

	opsTotal    *prometheus.CounterVec
	dropsTotal  *prometheus.CounterVec
	latencyUs   *prometheus.GaugeVec
	queueDepth  prometheus.Gauge
	throughput  prometheus.Gauge
	utilization *prometheus.GaugeVec
}

// NewPromExporter creates an exporter with its own registry
func NewPromExporter(instance string) *PromExporter {
	labels := prometheus.Labels{"instance": instance}

	e := &PromExporter{
		registry: prometheus.NewRegistry(),
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "npu_bridge_operations_total",
			Help:        "Total number of executed operation attempts by kind, outcome, and failure cause",
			ConstLabels: labels,
		}, []string{"kind", "outcome", "cause"}),
		dropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "npu_bridge_deadline_drops_total",
			Help:        "Operations discarded at dequeue because their deadline elapsed",
			ConstLabels: labels,
		}, []string{"kind"}),
		latencyUs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "npu_bridge_latency_us",
			Help:        "Operation latency quantiles in microseconds",
			ConstLabels: labels,
		}, []string{"quantile"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "npu_bridge_queue_depth",
			Help:        "Pending operations in the coordination queue",
			ConstLabels: labels,
		}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "npu_bridge_throughput_ops_per_sec",
			Help:        "Operations per second over the trailing window",
			ConstLabels: labels,
		}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "npu_bridge_resource_utilization",
			Help:        "Fraction of each resource pool currently allocated",
			ConstLabels: labels,
		}, []string{"resource"}),
	}

	e.registry.MustRegister(e.opsTotal, e.dropsTotal, e.latencyUs, e.queueDepth, e.throughput, e.utilization)
	return e
}

// ObserveCompletion counts one finished execution attempt. Failures observed
// here are attributed to execution errors.
func (e *PromExporter) ObserveCompletion(kind models.OperationKind, success bool, latencyUs uint64) {
	if !success {
		e.ObserveFailure(kind, CauseExecutionError, latencyUs)
		return
	}
	e.opsTotal.WithLabelValues(string(kind), "success", "").Inc()
}

// ObserveFailure counts one failed execution attempt labeled with its cause
func (e *PromExporter) ObserveFailure(kind models.OperationKind, cause FailureCause, latencyUs uint64) {
	e.opsTotal.WithLabelValues(string(kind), "failure", string(cause)).Inc()
}

// ObserveDrop counts one deadline-dropped operation
func (e *PromExporter) ObserveDrop(kind models.OperationKind) {
	e.dropsTotal.WithLabelValues(string(kind)).Inc()
}

// UpdateFromSnapshot refreshes the gauge family from a metrics snapshot.
// Called by the engine's periodic sampler.
func (e *PromExporter) UpdateFromSnapshot(s Snapshot) {
	e.latencyUs.WithLabelValues("0.50").Set(s.AverageLatencyUs)
	e.latencyUs.WithLabelValues("0.95").Set(float64(s.P95LatencyUs))
	e.latencyUs.WithLabelValues("0.99").Set(float64(s.P99LatencyUs))
	e.latencyUs.WithLabelValues("1.00").Set(float64(s.PeakLatencyUs))
	e.queueDepth.Set(float64(s.QueueDepth))
	e.throughput.Set(s.ThroughputOpsPerSec)
	for rt, frac := range s.ResourceUtilization {
		e.utilization.WithLabelValues(string(rt)).Set(frac)
	}
}

// Handler returns an HTTP handler serving the Prometheus exposition format
func (e *PromExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

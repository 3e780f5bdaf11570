// Package metrics exposes the rule-engine Prometheus metrics with a
// cardinality guard: per-chain labels are capped at a fixed number of
// series and everything past the cap is folded into an overflow bucket.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxSeriesPerMetric caps label combinations on any chain-labelled
// metric. Series past the cap report under ruleChainId="overflow".
const MaxSeriesPerMetric = 200

const overflowLabel = "overflow"

// Queue health values exported by rule_engine_queue_health.
const (
	HealthIdle     = 0
	HealthHealthy  = 1
	HealthBusy     = 2
	HealthDegraded = 3
	HealthCritical = 4
)

// Metrics is the instrument set for one engine instance.
type Metrics struct {
	registry *prometheus.Registry

	QueueWaiting      prometheus.Gauge
	QueueActive       prometheus.Gauge
	QueueCompleted    prometheus.Counter
	QueueFailed       prometheus.Counter
	QueueDelayed      prometheus.Gauge
	QueueTotalPending prometheus.Gauge
	Workers           prometheus.Gauge
	QueueHealth       prometheus.Gauge

	CircuitState       prometheus.Gauge
	RejectedTotal      prometheus.Counter
	WarningThreshold   prometheus.Gauge
	CriticalThreshold  prometheus.Gauge

	executionTotal    *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodesExecuted     *prometheus.HistogramVec

	mu     sync.Mutex
	series map[string]map[string]bool
}

// validStatuses is the label allow-list for the status dimension.
var validStatuses = map[string]bool{
	"success": true,
	"error":   true,
	"timeout": true,
}

// New builds the instrument set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		series:   make(map[string]map[string]bool),

		QueueWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_queue_waiting",
			Help: "Events waiting in the work queue",
		}),
		QueueActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_queue_active",
			Help: "Events currently held by workers",
		}),
		QueueCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rule_engine_queue_completed",
			Help: "Events processed to completion",
		}),
		QueueFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rule_engine_queue_failed",
			Help: "Events that failed processing",
		}),
		QueueDelayed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_queue_delayed",
			Help: "Events scheduled for delayed retry",
		}),
		QueueTotalPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_queue_total_pending",
			Help: "Waiting plus active events",
		}),
		Workers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_workers",
			Help: "Configured worker count",
		}),
		QueueHealth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_queue_health",
			Help: "Queue health: 0 idle, 1 healthy, 2 busy, 3 degraded, 4 critical",
		}),
		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_backpressure_circuit_state",
			Help: "Backpressure circuit: 0 closed, 1 half-open, 2 open",
		}),
		RejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rule_engine_backpressure_rejected_total",
			Help: "Events rejected by the backpressure controller",
		}),
		WarningThreshold: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_backpressure_warning_threshold",
			Help: "Configured warning queue depth",
		}),
		CriticalThreshold: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rule_engine_backpressure_critical_threshold",
			Help: "Configured critical queue depth",
		}),
		executionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rule_execution_total",
			Help: "Rule chain executions by chain and status",
		}, []string{"ruleChainId", "status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rule_execution_duration_seconds",
			Help:    "Rule chain execution latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		}, []string{"ruleChainId"}),
		nodesExecuted: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rule_execution_nodes_executed",
			Help:    "Nodes walked per rule chain execution",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		}, []string{"ruleChainId"}),
	}
	return m
}

// chainLabel admits a ruleChainId label value, folding it into the
// overflow bucket once the metric has MaxSeriesPerMetric distinct ids.
func (m *Metrics) chainLabel(metric string, chainID int64) string {
	id := strconv.FormatInt(chainID, 10)
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.series[metric]
	if !ok {
		seen = make(map[string]bool)
		m.series[metric] = seen
	}
	if seen[id] {
		return id
	}
	if len(seen) >= MaxSeriesPerMetric {
		return overflowLabel
	}
	seen[id] = true
	return id
}

// ObserveExecution records one chain execution. Statuses outside the
// allow-list are reported as "error" so a bad caller cannot mint label
// values.
func (m *Metrics) ObserveExecution(chainID int64, status string, seconds float64, nodes int) {
	if !validStatuses[status] {
		status = "error"
	}
	m.executionTotal.WithLabelValues(m.chainLabel("rule_execution_total", chainID), status).Inc()
	m.executionDuration.WithLabelValues(m.chainLabel("rule_execution_duration_seconds", chainID)).Observe(seconds)
	m.nodesExecuted.WithLabelValues(m.chainLabel("rule_execution_nodes_executed", chainID)).Observe(float64(nodes))
}

// SetQueueHealth derives the 0..4 health value from queue depth against
// the backpressure thresholds.
func (m *Metrics) SetQueueHealth(depth, warning, critical int) {
	health := HealthIdle
	switch {
	case depth >= critical:
		health = HealthCritical
	case depth >= warning:
		health = HealthDegraded
	case depth > warning/2:
		health = HealthBusy
	case depth > 0:
		health = HealthHealthy
	}
	m.QueueHealth.Set(float64(health))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-flowcontrol/internal/libinfo"
)

// Label names used by PrometheusMetrics.
const (
	metricsLabelDecision = "decision"
	metricsLabelState    = "state"
	metricsLabelFrom     = "from"
	metricsLabelTo       = "to"
	metricsLabelResult   = "result"
)

const (
	processingResultSuccess = "success"
	processingResultFailure = "failure"
)

// DefaultProcessingDurationBuckets is the default histogram buckets (in seconds) for processor calls.
var DefaultProcessingDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	// The library version label is always added.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// If it is not empty, PrometheusMetrics.MustCurryWith must be called with the same labels.
	CurriedLabelNames []string

	// ProcessingDurationBuckets overrides DefaultProcessingDurationBuckets.
	ProcessingDurationBuckets []float64
}

// PrometheusMetrics exports flow control events and monitor snapshots as Prometheus metrics.
// It implements both MetricsCollector and Observer.
type PrometheusMetrics struct {
	DecisionsTotal           *prometheus.CounterVec
	StateTransitionsTotal    *prometheus.CounterVec
	ProcessingDuration       *prometheus.HistogramVec
	State                    *prometheus.GaugeVec
	MessagesPerSecond        *prometheus.GaugeVec
	ProcessingLatencyP95     *prometheus.GaugeVec
	BufferUtilization        *prometheus.GaugeVec
	ErrorRate                *prometheus.GaugeVec
	MemoryUsagePercent       *prometheus.GaugeVec
	CPUUsagePercent          *prometheus.GaugeVec
	MaxMessagesPerSecondConf *prometheus.GaugeVec
}

var (
	_ MetricsCollector = (*PrometheusMetrics)(nil)
	_ Observer         = (*PrometheusMetrics)(nil)
)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)
	buckets := opts.ProcessingDurationBuckets
	if buckets == nil {
		buckets = DefaultProcessingDurationBuckets
	}
	labelNames := func(names ...string) []string {
		return append(append(make([]string, 0, len(opts.CurriedLabelNames)+len(names)), opts.CurriedLabelNames...), names...)
	}
	newGauge := func(name, help string, names ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labelNames(names...))
	}
	newCounter := func(name, help string, names ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labelNames(names...))
	}

	return &PrometheusMetrics{
		DecisionsTotal: newCounter("flow_control_decisions_total",
			"Number of admission decisions.", metricsLabelDecision, metricsLabelState),
		StateTransitionsTotal: newCounter("flow_control_state_transitions_total",
			"Number of control state transitions.", metricsLabelFrom, metricsLabelTo),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_control_processing_duration_seconds",
			Help:        "Duration of processor calls.",
			Buckets:     buckets,
			ConstLabels: constLabels,
		}, labelNames(metricsLabelResult)),
		State: newGauge("flow_control_state",
			"Current control state (1 for the active state, 0 for others).", metricsLabelState),
		MessagesPerSecond: newGauge("flow_control_messages_per_second",
			"Arrival rate over the throughput window."),
		ProcessingLatencyP95: newGauge("flow_control_processing_latency_p95_seconds",
			"95th percentile of recent processing durations."),
		BufferUtilization: newGauge("flow_control_buffer_utilization",
			"Buffer size divided by the max buffer size."),
		ErrorRate: newGauge("flow_control_error_rate",
			"Failed processings divided by all processings since the last reset."),
		MemoryUsagePercent: newGauge("flow_control_memory_usage_percent",
			"Externally sampled memory usage."),
		CPUUsagePercent: newGauge("flow_control_cpu_usage_percent",
			"Externally sampled CPU usage."),
		MaxMessagesPerSecondConf: newGauge("flow_control_max_messages_per_second",
			"Configured (possibly adaptively tuned) max messages per second."),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		DecisionsTotal:           pm.DecisionsTotal.MustCurryWith(labels),
		StateTransitionsTotal:    pm.StateTransitionsTotal.MustCurryWith(labels),
		ProcessingDuration:       pm.ProcessingDuration.MustCurryWith(labels).(*prometheus.HistogramVec),
		State:                    pm.State.MustCurryWith(labels),
		MessagesPerSecond:        pm.MessagesPerSecond.MustCurryWith(labels),
		ProcessingLatencyP95:     pm.ProcessingLatencyP95.MustCurryWith(labels),
		BufferUtilization:        pm.BufferUtilization.MustCurryWith(labels),
		ErrorRate:                pm.ErrorRate.MustCurryWith(labels),
		MemoryUsagePercent:       pm.MemoryUsagePercent.MustCurryWith(labels),
		CPUUsagePercent:          pm.CPUUsagePercent.MustCurryWith(labels),
		MaxMessagesPerSecondConf: pm.MaxMessagesPerSecondConf.MustCurryWith(labels),
	}
}

func (pm *PrometheusMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pm.DecisionsTotal,
		pm.StateTransitionsTotal,
		pm.ProcessingDuration,
		pm.State,
		pm.MessagesPerSecond,
		pm.ProcessingLatencyP95,
		pm.BufferUtilization,
		pm.ErrorRate,
		pm.MemoryUsagePercent,
		pm.CPUUsagePercent,
		pm.MaxMessagesPerSecondConf,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	pm.MustRegisterIn(prometheus.DefaultRegisterer)
}

// MustRegisterIn registers metrics in the given registerer and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegisterIn(reg prometheus.Registerer) {
	reg.MustRegister(pm.collectors()...)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	for _, c := range pm.collectors() {
		prometheus.Unregister(c)
	}
}

// IncDecisions implements MetricsCollector.
func (pm *PrometheusMetrics) IncDecisions(kind DecisionKind, state State) {
	pm.DecisionsTotal.With(prometheus.Labels{
		metricsLabelDecision: kind.String(),
		metricsLabelState:    state.String(),
	}).Inc()
}

// IncStateTransitions implements MetricsCollector.
func (pm *PrometheusMetrics) IncStateTransitions(from, to State) {
	pm.StateTransitionsTotal.With(prometheus.Labels{
		metricsLabelFrom: from.String(),
		metricsLabelTo:   to.String(),
	}).Inc()
}

// ObserveProcessing implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveProcessing(d time.Duration, success bool) {
	result := processingResultSuccess
	if !success {
		result = processingResultFailure
	}
	pm.ProcessingDuration.With(prometheus.Labels{metricsLabelResult: result}).Observe(d.Seconds())
}

// Observe implements Observer. It sets gauges from the monitor snapshot.
func (pm *PrometheusMetrics) Observe(state State, m FlowMetrics, cfg Config) error {
	for _, s := range AllStates {
		val := 0.0
		if s == state {
			val = 1
		}
		pm.State.With(prometheus.Labels{metricsLabelState: s.String()}).Set(val)
	}
	pm.MessagesPerSecond.With(nil).Set(m.MessagesPerSecond)
	pm.ProcessingLatencyP95.With(nil).Set(m.ProcessingLatencyP95.Seconds())
	pm.BufferUtilization.With(nil).Set(m.BufferUtilization)
	pm.ErrorRate.With(nil).Set(m.ErrorRate)
	pm.MemoryUsagePercent.With(nil).Set(m.MemoryUsagePercent)
	pm.CPUUsagePercent.With(nil).Set(m.CPUUsagePercent)
	pm.MaxMessagesPerSecondConf.With(nil).Set(cfg.MaxMessagesPerSecond)
	return nil
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ResourceUsage holds externally sampled resource utilization, in percents.
type ResourceUsage struct {
	MemoryPercent float64 `json:"memoryPercent"`
	CPUPercent    float64 `json:"cpuPercent"`
}

// FlowMetrics is a point-in-time snapshot of the health signals used for admission decisions.
type FlowMetrics struct {
	MessagesPerSecond    float64       `json:"messagesPerSecond"`
	ProcessingLatencyP95 time.Duration `json:"processingLatencyP95"`

	// BufferUtilization is BufferSize divided by the configured max buffer size.
	// It is reported literally and may exceed 1.
	BufferUtilization float64 `json:"bufferUtilization"`

	// ErrorRate is ErrorCount divided by TotalProcessed (at least 1) since the last reset.
	ErrorRate float64 `json:"errorRate"`

	MemoryUsagePercent float64 `json:"memoryUsagePercent"`
	CPUUsagePercent    float64 `json:"cpuUsagePercent"`

	BufferSize     int   `json:"bufferSize"`
	TotalProcessed int64 `json:"totalProcessed"`
	ErrorCount     int64 `json:"errorCount"`
}

// MetricsAggregatorOpts represents options for MetricsAggregator.
type MetricsAggregatorOpts struct {
	// SampleCapacity is the number of the most recent processing durations used for the p95 latency.
	SampleCapacity int

	// ThroughputWindow is the trailing window of arrivals used for the messages-per-second estimate.
	ThroughputWindow time.Duration
}

// MetricsAggregator maintains running counters and rolling windows of arrivals and processing durations.
// All methods are safe for concurrent use.
type MetricsAggregator struct {
	mu sync.Mutex

	window   time.Duration
	arrivals []time.Time

	durations []time.Duration
	durNext   int
	durCount  int

	bufferSize     int
	totalProcessed int64
	errorCount     int64
	resources      ResourceUsage

	now func() time.Time
}

// NewMetricsAggregator creates a new MetricsAggregator.
// Zero options are replaced with defaults (100 samples, 60s window).
func NewMetricsAggregator(opts MetricsAggregatorOpts) *MetricsAggregator {
	opts = opts.withDefaults()
	return &MetricsAggregator{
		window:    opts.ThroughputWindow,
		durations: make([]time.Duration, opts.SampleCapacity),
		now:       time.Now,
	}
}

func (o MetricsAggregatorOpts) withDefaults() MetricsAggregatorOpts {
	if o.SampleCapacity <= 0 {
		o.SampleCapacity = DefaultMetricsSampleCapacity
	}
	if o.ThroughputWindow <= 0 {
		o.ThroughputWindow = DefaultMetricsThroughputWindow
	}
	return o
}

// RecordArrival registers a new unit of work entering the buffer.
func (a *MetricsAggregator) RecordArrival() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.arrivals = append(a.arrivals, now)
	a.bufferSize++
	a.pruneArrivals(now)
}

// RecordCompletion registers a unit of work leaving the buffer after being processed for d.
// The buffer size never goes below zero.
func (a *MetricsAggregator) RecordCompletion(d time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bufferSize > 0 {
		a.bufferSize--
	}
	a.totalProcessed++
	if !success {
		a.errorCount++
	}
	a.durations[a.durNext] = d
	a.durNext = (a.durNext + 1) % len(a.durations)
	if a.durCount < len(a.durations) {
		a.durCount++
	}
}

// SetResourceUsage stores externally sampled resource utilization.
func (a *MetricsAggregator) SetResourceUsage(usage ResourceUsage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resources = usage
}

// Snapshot computes the current FlowMetrics.
// maxBufferSize is used for the buffer utilization and must be positive.
func (a *MetricsAggregator) Snapshot(maxBufferSize int) FlowMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneArrivals(a.now())

	m := FlowMetrics{
		MessagesPerSecond:    float64(len(a.arrivals)) / a.window.Seconds(),
		ProcessingLatencyP95: a.percentile(0.95),
		ErrorRate:            float64(a.errorCount) / math.Max(1, float64(a.totalProcessed)),
		MemoryUsagePercent:   a.resources.MemoryPercent,
		CPUUsagePercent:      a.resources.CPUPercent,
		BufferSize:           a.bufferSize,
		TotalProcessed:       a.totalProcessed,
		ErrorCount:           a.errorCount,
	}
	if maxBufferSize > 0 {
		m.BufferUtilization = float64(a.bufferSize) / float64(maxBufferSize)
	}
	return m
}

// Reset clears counters and samples.
// The buffer size and resource usage are kept since in-flight work still completes.
func (a *MetricsAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.arrivals = nil
	a.durNext, a.durCount = 0, 0
	a.totalProcessed, a.errorCount = 0, 0
}

// Reconfigure changes the window and the sample capacity.
// The most recent durations are kept when the capacity changes.
func (a *MetricsAggregator) Reconfigure(opts MetricsAggregatorOpts) {
	opts = opts.withDefaults()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.window = opts.ThroughputWindow
	a.pruneArrivals(a.now())

	if opts.SampleCapacity == len(a.durations) {
		return
	}
	recent := a.orderedDurations()
	if len(recent) > opts.SampleCapacity {
		recent = recent[len(recent)-opts.SampleCapacity:]
	}
	a.durations = make([]time.Duration, opts.SampleCapacity)
	copy(a.durations, recent)
	a.durCount = len(recent)
	a.durNext = len(recent) % opts.SampleCapacity
}

func (a *MetricsAggregator) pruneArrivals(now time.Time) {
	i := 0
	for i < len(a.arrivals) && now.Sub(a.arrivals[i]) > a.window {
		i++
	}
	if i > 0 {
		a.arrivals = a.arrivals[i:]
	}
}

// orderedDurations returns stored durations from the oldest to the newest.
func (a *MetricsAggregator) orderedDurations() []time.Duration {
	res := make([]time.Duration, 0, a.durCount)
	start := a.durNext - a.durCount
	if start < 0 {
		start += len(a.durations)
	}
	for i := 0; i < a.durCount; i++ {
		res = append(res, a.durations[(start+i)%len(a.durations)])
	}
	return res
}

// percentile uses the nearest-rank method.
func (a *MetricsAggregator) percentile(p float64) time.Duration {
	if a.durCount == 0 {
		return 0
	}
	sorted := make([]time.Duration, a.durCount)
	copy(sorted, a.durations[:a.durCount])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

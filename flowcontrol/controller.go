/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-flowcontrol/log"
)

// State is the control state of the flow.
type State int

// Control states.
const (
	StateNormal State = iota
	StateThrottled
	StateBackpressure
	StateCircuitOpen
)

var stateNames = [...]string{"normal", "throttled", "backpressure", "circuit_open"}

// AllStates lists all control states.
var AllStates = []State{StateNormal, StateThrottled, StateBackpressure, StateCircuitOpen}

// String returns the snake_case name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown flow control state %q", text)
}

// DecisionKind is the kind of an admission decision.
type DecisionKind int

// Admission decisions.
const (
	DecisionAccept DecisionKind = iota
	DecisionAcceptAfterDelay
	DecisionReject
)

// String returns the snake_case name of the decision kind.
func (k DecisionKind) String() string {
	switch k {
	case DecisionAccept:
		return "accept"
	case DecisionAcceptAfterDelay:
		return "accept_after_delay"
	case DecisionReject:
		return "reject"
	}
	return fmt.Sprintf("decision(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k DecisionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Decision is the result of an admission.
// Delay is set only for DecisionAcceptAfterDelay; the caller is expected to wait it out before processing.
type Decision struct {
	Kind  DecisionKind  `json:"kind"`
	Delay time.Duration `json:"delay"`
	State State         `json:"state"`
}

// ResolveState derives the control state. The first matching rule wins:
// an open breaker, then any pressure signal above its limit (backpressure),
// then an excessive rate, error rate or buffer above the low watermark (throttled).
func ResolveState(cfg *Config, m FlowMetrics, breakerOpen bool) State {
	switch {
	case breakerOpen:
		return StateCircuitOpen
	case m.BufferUtilization > cfg.Buffer.HighWatermark,
		m.ProcessingLatencyP95 > time.Duration(cfg.MaxProcessingLatency),
		m.MemoryUsagePercent > cfg.MaxMemoryUsagePercent,
		m.CPUUsagePercent > cfg.MaxCPUUsagePercent:
		return StateBackpressure
	case m.MessagesPerSecond > cfg.MaxMessagesPerSecond,
		m.ErrorRate > cfg.MaxErrorRate,
		m.BufferUtilization > cfg.Buffer.LowWatermark:
		return StateThrottled
	}
	return StateNormal
}

const maxAdaptiveDelayMultiplier = 10

// backpressureDelay returns the configured delay, scaled by the worst pressure ratio if adaptive delay is enabled.
func backpressureDelay(cfg *Config, m FlowMetrics) time.Duration {
	base := time.Duration(cfg.BackpressureDelay)
	if !cfg.AdaptiveDelayEnabled {
		return base
	}
	ratio := math.Max(
		math.Max(m.BufferUtilization/cfg.Buffer.HighWatermark,
			float64(m.ProcessingLatencyP95)/float64(cfg.MaxProcessingLatency)),
		math.Max(m.MemoryUsagePercent/cfg.MaxMemoryUsagePercent,
			m.CPUUsagePercent/cfg.MaxCPUUsagePercent),
	)
	ratio = math.Min(math.Max(ratio, 1), maxAdaptiveDelayMultiplier)
	return time.Duration(float64(base) * ratio)
}

// ControllerOpts represents options for Controller.
type ControllerOpts struct {
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// Controller is the flow control state machine.
// It resolves the state from the metrics snapshot and the circuit breaker on every evaluation
// and reacts only to state changes (logging, metrics, listeners, throttling rate).
type Controller struct {
	cfg       *atomic.Pointer[Config]
	metrics   *MetricsAggregator
	breaker   *CircuitBreaker
	limiter   RateLimiter
	collector MetricsCollector
	logger    log.FieldLogger
	now       func() time.Time

	mu        sync.Mutex
	state     State
	listeners []func(from, to State)
}

// NewController creates a new Controller in the normal state.
// cfg is shared with the owner, so config swaps are observed by the next evaluation.
func NewController(
	cfg *atomic.Pointer[Config], metrics *MetricsAggregator, breaker *CircuitBreaker, limiter RateLimiter, opts ControllerOpts,
) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetricsCollector
	}
	return &Controller{
		cfg:       cfg,
		metrics:   metrics,
		breaker:   breaker,
		limiter:   limiter,
		collector: opts.MetricsCollector,
		logger:    opts.Logger,
		now:       time.Now,
		state:     StateNormal,
	}
}

// Admit makes an admission decision.
// In the throttled state it blocks in the RateLimiter and returns DecisionAccept once the slot is granted.
// Backpressure delays are not slept here, they are returned in the Decision.
func (c *Controller) Admit(ctx context.Context) (Decision, error) {
	cfg, state, m := c.evaluate()

	d := Decision{Kind: DecisionAccept, State: state}
	switch state {
	case StateCircuitOpen:
		d.Kind = DecisionReject
	case StateBackpressure:
		d.Kind = DecisionAcceptAfterDelay
		d.Delay = backpressureDelay(cfg, m)
	case StateThrottled:
		if err := c.limiter.Wait(ctx); err != nil {
			return Decision{}, err
		}
	}
	c.collector.IncDecisions(d.Kind, state)
	return d, nil
}

// Refresh resolves the state without blocking and returns it with the metrics it was derived from.
func (c *Controller) Refresh() (State, FlowMetrics) {
	_, state, m := c.evaluate()
	return state, m
}

// State returns the last resolved state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener called after every state change.
// Listeners are called synchronously outside of internal locks and must not block.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) evaluate() (*Config, State, FlowMetrics) {
	cfg := c.cfg.Load()
	breakerOpen := c.breaker.IsOpen(c.now())
	m := c.metrics.Snapshot(cfg.Buffer.MaxSize)
	state := ResolveState(cfg, m, breakerOpen)
	c.transition(cfg, state, m)
	return cfg, state, m
}

func (c *Controller) transition(cfg *Config, to State, m FlowMetrics) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	if to == StateThrottled {
		c.limiter.SetRate(cfg.MaxMessagesPerSecond * cfg.ThrottleFactor)
	}
	listeners := append([]func(from, to State){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Info(fmt.Sprintf("flow control state changed from %s to %s", from, to),
		log.String("from", from.String()),
		log.String("to", to.String()),
		log.Float64("messages_per_second", m.MessagesPerSecond),
		log.Duration("processing_latency_p95", m.ProcessingLatencyP95),
		log.Float64("buffer_utilization", m.BufferUtilization),
		log.Float64("error_rate", m.ErrorRate),
		log.Float64("memory_usage_percent", m.MemoryUsagePercent),
		log.Float64("cpu_usage_percent", m.CPUUsagePercent),
	)
	c.collector.IncStateTransitions(from, to)
	for _, fn := range listeners {
		fn(from, to)
	}
}

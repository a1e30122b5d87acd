/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/service"
)

// Errors returned by FlowControl.
var (
	// ErrAlreadyStarted is returned if a monitor or tuner loop of the same instance is already running,
	// either in the background (Start) or in the foreground (RunMonitor, RunAdaptiveTuning).
	ErrAlreadyStarted = errors.New("flow control background loops are already started")

	// ErrProcessorPanic wraps the value recovered from a panicking processor.
	ErrProcessorPanic = errors.New("processor panicked")

	// ErrProcessorFailed is returned (only if PropagateProcessorErrors is set)
	// when the processor reports a failure without an error.
	ErrProcessorFailed = errors.New("processor failed")
)

// Processor handles a single admitted item.
// Returning false or a non-nil error (or panicking) counts as a failure.
type Processor interface {
	Process(ctx context.Context, item interface{}) (bool, error)
}

// ProcessorFunc is an adapter to allow the use of ordinary functions as Processor.
type ProcessorFunc func(ctx context.Context, item interface{}) (bool, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, item interface{}) (bool, error) {
	return f(ctx, item)
}

// Opts represents options for FlowControl.
type Opts struct {
	// Name identifies the instance in logs. A random xid is used if empty.
	Name string

	Logger log.FieldLogger

	// RateLimiter overrides the limiter built from Config.RateLimitAlg.
	RateLimiter RateLimiter

	// ResourceSource is polled by the monitor for memory and CPU usage.
	// Without it resource usage is 0 unless set with SetResourceUsage.
	ResourceSource ResourceSource

	// MetricsCollector receives decision, transition and processing events.
	// If it also implements Observer, it is registered as an observer.
	MetricsCollector MetricsCollector

	Observers []Observer
}

// FlowControl decides, for every unit of work, whether to accept it, delay it, throttle it or reject it,
// and tracks the health signals these decisions are based on.
// All methods are safe for concurrent use.
type FlowControl struct {
	name      string
	cfg       *atomic.Pointer[Config]
	metrics   *MetricsAggregator
	breaker   *CircuitBreaker
	limiter   RateLimiter
	ctrl      *Controller
	collector MetricsCollector
	resources ResourceSource
	logger    log.FieldLogger
	now       func() time.Time

	observersMu sync.RWMutex
	observers   []Observer

	// bgMu guards both the Start/Stop unit and the loops run in the foreground by RunMonitor/RunAdaptiveTuning.
	bgMu           sync.Mutex
	bgUnit         service.Unit
	monitorRunning bool
	tunerRunning   bool
}

// New creates a new FlowControl with default options.
func New(cfg *Config) (*FlowControl, error) {
	return NewWithOpts(cfg, Opts{})
}

// NewWithOpts creates a new FlowControl. The config is validated and copied.
func NewWithOpts(cfg *Config, opts Opts) (*FlowControl, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow control config: %w", err)
	}
	cfg = cfg.Clone()

	if opts.Name == "" {
		opts.Name = xid.New().String()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	logger = logger.With(log.String("flow_control", opts.Name))

	limiter := opts.RateLimiter
	if limiter == nil {
		var err error
		if limiter, err = NewRateLimiter(cfg.RateLimitAlg); err != nil {
			return nil, err
		}
	}
	collector := opts.MetricsCollector
	if collector == nil {
		collector = disabledMetricsCollector
	}

	cfgPtr := atomic.NewPointer(cfg)
	metrics := NewMetricsAggregator(MetricsAggregatorOpts{
		SampleCapacity:   cfg.Metrics.SampleCapacity,
		ThroughputWindow: time.Duration(cfg.Metrics.ThroughputWindow),
	})
	breaker := NewCircuitBreaker(cfg.CircuitBreaker.ErrorThreshold, time.Duration(cfg.CircuitBreaker.Timeout), logger)
	ctrl := NewController(cfgPtr, metrics, breaker, limiter, ControllerOpts{Logger: logger, MetricsCollector: collector})

	fc := &FlowControl{
		name:      opts.Name,
		cfg:       cfgPtr,
		metrics:   metrics,
		breaker:   breaker,
		limiter:   limiter,
		ctrl:      ctrl,
		collector: collector,
		resources: opts.ResourceSource,
		logger:    logger,
		now:       time.Now,
	}
	if obs, ok := collector.(Observer); ok {
		fc.observers = append(fc.observers, obs)
	}
	fc.observers = append(fc.observers, opts.Observers...)
	return fc, nil
}

// Name returns the name of the instance.
func (fc *FlowControl) Name() string {
	return fc.name
}

// Process admits item and, if accepted, processes it with p.
//
// It returns (false, nil) if the item is rejected; p is not called and no metrics change.
// A backpressure delay is waited out before processing.
// The arrival is recorded before p is called and the completion is recorded exactly once afterwards.
// Processor failures (false result, error or panic) are recorded and reported as (false, nil),
// or as an error if PropagateProcessorErrors is set.
// If ctx is done while waiting for admission, (false, ctx.Err()) is returned and nothing is recorded.
func (fc *FlowControl) Process(ctx context.Context, item interface{}, p Processor) (bool, error) {
	d, err := fc.ctrl.Admit(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, err
	}
	switch d.Kind {
	case DecisionReject:
		fc.logger.Debug("item rejected", log.String("state", d.State.String()))
		return false, nil
	case DecisionAcceptAfterDelay:
		if err = sleepCtx(ctx, d.Delay); err != nil {
			return false, err
		}
	}

	ok, procErr := fc.runProcessor(ctx, item, p)
	if ok && procErr == nil {
		return true, nil
	}
	if !fc.cfg.Load().PropagateProcessorErrors {
		return false, nil
	}
	if procErr == nil {
		procErr = ErrProcessorFailed
	}
	return false, procErr
}

// runProcessor records the arrival and, even if the processor calls runtime.Goexit, the completion.
func (fc *FlowControl) runProcessor(ctx context.Context, item interface{}, p Processor) (ok bool, procErr error) {
	fc.metrics.RecordArrival()
	start := fc.now()
	returned := false
	defer func() {
		if !returned {
			ok, procErr = false, fmt.Errorf("%w: goroutine exited before returning", ErrProcessorFailed)
		}
		fc.recordCompletion(fc.now().Sub(start), ok && procErr == nil, procErr)
	}()
	ok, procErr = fc.callProcessor(ctx, item, p)
	returned = true
	return ok, procErr
}

// callProcessor converts a panic into an error wrapping ErrProcessorPanic.
func (fc *FlowControl) callProcessor(ctx context.Context, item interface{}, p Processor) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			fc.logger.Error(fmt.Sprintf("processor panic: %+v", r), log.Bytes("stack", stack))
			ok, err = false, fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.Process(ctx, item)
}

func (fc *FlowControl) recordCompletion(elapsed time.Duration, success bool, procErr error) {
	fc.metrics.RecordCompletion(elapsed, success)
	fc.collector.ObserveProcessing(elapsed, success)
	if success {
		fc.breaker.RecordSuccess()
		return
	}
	fc.breaker.RecordFailure(fc.now())
	if procErr != nil {
		fc.logger.Warn("processor failed", log.Error(procErr), log.Duration("elapsed", elapsed))
	} else {
		fc.logger.Warn("processor reported failure", log.Duration("elapsed", elapsed))
	}
}

// Admit makes an admission decision without processing anything.
// Throttled admissions block until the rate limiter grants a slot.
// The caller is responsible for waiting Decision.Delay and for reporting the work with RecordArrival/RecordCompletion.
func (fc *FlowControl) Admit(ctx context.Context) (Decision, error) {
	return fc.ctrl.Admit(ctx)
}

// RecordArrival registers a unit of work admitted via Admit.
func (fc *FlowControl) RecordArrival() {
	fc.metrics.RecordArrival()
}

// RecordCompletion registers the completion of a unit of work admitted via Admit.
func (fc *FlowControl) RecordCompletion(elapsed time.Duration, success bool) {
	fc.recordCompletion(elapsed, success, nil)
}

// State returns the last resolved control state.
func (fc *FlowControl) State() State {
	return fc.ctrl.State()
}

// Metrics returns the current metrics snapshot.
func (fc *FlowControl) Metrics() FlowMetrics {
	return fc.metrics.Snapshot(fc.cfg.Load().Buffer.MaxSize)
}

// Config returns a copy of the active configuration.
func (fc *FlowControl) Config() *Config {
	return fc.cfg.Load().Clone()
}

// UpdateConfig validates cfg and atomically replaces the active configuration.
// RateLimitAlg cannot be changed at runtime. The throttling rate is applied on the next entry to the throttled state.
func (fc *FlowControl) UpdateConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flow control config: %w", err)
	}
	cfg = cfg.Clone()
	if cur := fc.cfg.Load(); cur.RateLimitAlg != cfg.RateLimitAlg {
		return fmt.Errorf("rate limiting algorithm cannot be changed at runtime (%q -> %q)", cur.RateLimitAlg, cfg.RateLimitAlg)
	}
	fc.breaker.Reconfigure(cfg.CircuitBreaker.ErrorThreshold, time.Duration(cfg.CircuitBreaker.Timeout))
	fc.metrics.Reconfigure(MetricsAggregatorOpts{
		SampleCapacity:   cfg.Metrics.SampleCapacity,
		ThroughputWindow: time.Duration(cfg.Metrics.ThroughputWindow),
	})
	fc.cfg.Store(cfg)
	fc.logger.Info("flow control config updated")
	return nil
}

// SetResourceUsage stores externally sampled memory and CPU utilization.
func (fc *FlowControl) SetResourceUsage(usage ResourceUsage) {
	fc.metrics.SetResourceUsage(usage)
}

// ResetMetrics clears the counters and samples (the error rate denominator included).
func (fc *FlowControl) ResetMetrics() {
	fc.metrics.Reset()
}

// CircuitBreakerStatus returns the current circuit breaker status.
func (fc *FlowControl) CircuitBreakerStatus() CircuitBreakerStatus {
	return fc.breaker.Status(fc.now())
}

// OnStateChange registers a listener called on every state change.
func (fc *FlowControl) OnStateChange(fn func(from, to State)) {
	fc.ctrl.OnStateChange(fn)
}

// setClock replaces the time source of all components.
func (fc *FlowControl) setClock(now func() time.Time) {
	fc.now = now
	fc.ctrl.now = now
	fc.metrics.mu.Lock()
	fc.metrics.now = now
	fc.metrics.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/service"
)

// Observer receives the state and metrics from the monitor on every tick.
// cfg is a copy of the active configuration.
type Observer interface {
	Observe(state State, metrics FlowMetrics, cfg Config) error
}

// ObserverFunc is an adapter to allow the use of ordinary functions as Observer.
type ObserverFunc func(state State, metrics FlowMetrics, cfg Config) error

// Observe implements Observer.
func (f ObserverFunc) Observe(state State, metrics FlowMetrics, cfg Config) error {
	return f(state, metrics, cfg)
}

// AddObserver registers an observer called by the monitor.
func (fc *FlowControl) AddObserver(obs Observer) {
	fc.observersMu.Lock()
	defer fc.observersMu.Unlock()
	fc.observers = append(fc.observers, obs)
}

// RunMonitor runs the monitor loop until ctx is done.
// If interval is not positive, Monitor.Interval of the active config is used (re-read after every tick).
// A tick in progress is always completed.
// It returns ErrAlreadyStarted if the monitor is already running (via RunMonitor or Start).
func (fc *FlowControl) RunMonitor(ctx context.Context, interval time.Duration) error {
	release, err := fc.claimLoop(&fc.monitorRunning)
	if err != nil {
		return err
	}
	defer release()
	return fc.newMonitorWorker(interval).Run(ctx)
}

// RunAdaptiveTuning runs the adaptive tuner loop until ctx is done.
// Non-positive interval and step are taken from the Adaptive section of the active config.
// It returns ErrAlreadyStarted if the tuner is already running (via RunAdaptiveTuning or Start).
func (fc *FlowControl) RunAdaptiveTuning(ctx context.Context, interval time.Duration, step float64) error {
	if step >= 1 || math.IsNaN(step) {
		return fmt.Errorf("adaptive tuning step must be in range (0, 1), got %v", step)
	}
	release, err := fc.claimLoop(&fc.tunerRunning)
	if err != nil {
		return err
	}
	defer release()
	return fc.newTunerWorker(interval, step).Run(ctx)
}

// claimLoop marks a foreground loop as running. Two loops of the same kind would double the tuning
// step or the observer calls, so the claim fails while Start's loops or another foreground one are active.
func (fc *FlowControl) claimLoop(running *bool) (release func(), err error) {
	fc.bgMu.Lock()
	defer fc.bgMu.Unlock()

	if fc.bgUnit != nil || *running {
		return nil, ErrAlreadyStarted
	}
	*running = true
	return func() {
		fc.bgMu.Lock()
		*running = false
		fc.bgMu.Unlock()
	}, nil
}

// Start runs the monitor (and the adaptive tuner if enabled) in the background with intervals from the config.
// It returns ErrAlreadyStarted if the loops are already running, in the background or via RunMonitor/RunAdaptiveTuning.
func (fc *FlowControl) Start() error {
	fc.bgMu.Lock()
	defer fc.bgMu.Unlock()

	if fc.bgUnit != nil || fc.monitorRunning || fc.tunerRunning {
		return ErrAlreadyStarted
	}
	units := []service.Unit{service.NewWorkerUnit(fc.newMonitorWorker(0))}
	if fc.cfg.Load().Adaptive.Enabled {
		units = append(units, service.NewWorkerUnit(fc.newTunerWorker(0, 0)))
	}
	unit := service.NewCompositeUnit(units...)
	fc.bgUnit = unit
	go unit.Start(make(chan error, 1))
	return nil
}

// Stop stops the background loops and waits for the ticks in progress to finish.
// It is idempotent and does not affect in-flight Process calls.
func (fc *FlowControl) Stop() {
	fc.bgMu.Lock()
	defer fc.bgMu.Unlock()

	if fc.bgUnit == nil {
		return
	}
	if err := fc.bgUnit.Stop(true); err != nil {
		fc.logger.Error("failed to stop flow control background loops", log.Error(err))
	}
	fc.bgUnit = nil
}

func (fc *FlowControl) newMonitorWorker(interval time.Duration) *service.PeriodicWorker {
	intervalFunc := func() time.Duration {
		if interval > 0 {
			return interval
		}
		return time.Duration(fc.cfg.Load().Monitor.Interval)
	}
	return service.NewPeriodicWorkerWithOpts(
		service.WorkerFunc(func(ctx context.Context) error {
			fc.monitorTick(ctx, intervalFunc())
			return nil
		}),
		intervalFunc(), fc.logger, service.PeriodicWorkerOpts{
			Name:          "flow_control_monitor",
			InitialDelay:  intervalFunc(),
			NextDelayFunc: func(error) time.Duration { return intervalFunc() },
		})
}

func (fc *FlowControl) newTunerWorker(interval time.Duration, step float64) *service.PeriodicWorker {
	intervalFunc := func() time.Duration {
		if interval > 0 {
			return interval
		}
		return time.Duration(fc.cfg.Load().Adaptive.Interval)
	}
	return service.NewPeriodicWorkerWithOpts(
		service.WorkerFunc(func(ctx context.Context) error {
			fc.tuneTick(step)
			return nil
		}),
		intervalFunc(), fc.logger, service.PeriodicWorkerOpts{
			Name:          "flow_control_tuner",
			InitialDelay:  intervalFunc(),
			NextDelayFunc: func(error) time.Duration { return intervalFunc() },
		})
}

// monitorTick is not interrupted by ctx cancellation: the resource query gets its own timeout.
func (fc *FlowControl) monitorTick(ctx context.Context, timeout time.Duration) {
	if fc.resources != nil {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		usage, err := fc.resources.FetchResourceUsage(fetchCtx)
		cancel()
		if err != nil {
			fc.logger.Warn("failed to fetch resource usage", log.Error(err))
		} else {
			fc.metrics.SetResourceUsage(usage)
		}
	}

	state, m := fc.ctrl.Refresh()
	cfg := *fc.cfg.Load()

	fc.observersMu.RLock()
	observers := append([]Observer{}, fc.observers...)
	fc.observersMu.RUnlock()

	for i, obs := range observers {
		if err := fc.observe(obs, state, m, cfg); err != nil {
			fc.logger.Error("flow control observer failed", log.Int("observer", i), log.Error(err))
		}
	}
}

var errObserverPanic = errors.New("observer panicked")

func (fc *FlowControl) observe(obs Observer, state State, m FlowMetrics, cfg Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			fc.logger.Error(fmt.Sprintf("observer panic: %+v", r), log.Bytes("stack", stack))
			err = fmt.Errorf("%w: %v", errObserverPanic, r)
		}
	}()
	return obs.Observe(state, m, cfg)
}

// tuneTick raises the rate limit by step in the normal state and lowers it in the throttled
// and backpressure states. An open circuit leaves it unchanged.
func (fc *FlowControl) tuneTick(step float64) {
	state, _ := fc.ctrl.Refresh()
	for {
		cur := fc.cfg.Load()
		s := step
		if s <= 0 {
			s = cur.Adaptive.Step
		}
		newRate := adjustRate(cur, state, s)
		if newRate == cur.MaxMessagesPerSecond {
			return
		}
		next := cur.Clone()
		next.MaxMessagesPerSecond = newRate
		if fc.cfg.CompareAndSwap(cur, next) {
			fc.logger.Info("adaptive tuning changed max messages per second",
				log.String("state", state.String()),
				log.Float64("from", cur.MaxMessagesPerSecond),
				log.Float64("to", newRate))
			return
		}
	}
}

func adjustRate(cfg *Config, state State, step float64) float64 {
	r := cfg.MaxMessagesPerSecond
	switch state {
	case StateNormal:
		r *= 1 + step
		if cfg.Adaptive.MaxMessagesPerSecond > 0 {
			r = math.Min(r, cfg.Adaptive.MaxMessagesPerSecond)
		}
	case StateThrottled, StateBackpressure:
		r = math.Max(r*(1-step), cfg.Adaptive.MinMessagesPerSecond)
	}
	return r
}

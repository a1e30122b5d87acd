/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-flowcontrol/config"
	"github.com/acronis/go-flowcontrol/log/logtest"
)

type observation struct {
	state   State
	metrics FlowMetrics
	cfg     Config
}

func TestFlowControl_RunMonitor(t *testing.T) {
	observations := make(chan observation, 100)
	fc, err := NewWithOpts(NewDefaultConfig(), Opts{
		ResourceSource: ResourceSourceFunc(func(ctx context.Context) (ResourceUsage, error) {
			return ResourceUsage{MemoryPercent: 50, CPUPercent: 90}, nil
		}),
		Observers: []Observer{ObserverFunc(func(state State, m FlowMetrics, cfg Config) error {
			select {
			case observations <- observation{state, m, cfg}:
			default:
			}
			return nil
		})},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- fc.RunMonitor(ctx, 10*time.Millisecond) }()

	var obs observation
	select {
	case obs = <-observations:
	case <-time.After(5 * time.Second):
		t.Fatal("observer was not called")
	}
	require.Equal(t, StateBackpressure, obs.state)
	require.Equal(t, 90.0, obs.metrics.CPUUsagePercent)
	require.Equal(t, 50.0, obs.metrics.MemoryUsagePercent)
	require.Equal(t, float64(DefaultMaxMessagesPerSecond), obs.cfg.MaxMessagesPerSecond)
	require.Equal(t, StateBackpressure, fc.State())

	cancel()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor was not stopped")
	}
}

func TestFlowControl_MonitorTickIsolatesObservers(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	fc, err := NewWithOpts(NewDefaultConfig(), Opts{Logger: logRecorder})
	require.NoError(t, err)

	var called atomic.Int32
	fc.AddObserver(ObserverFunc(func(State, FlowMetrics, Config) error { panic("oops") }))
	fc.AddObserver(ObserverFunc(func(State, FlowMetrics, Config) error { return errors.New("observer error") }))
	fc.AddObserver(ObserverFunc(func(state State, _ FlowMetrics, cfg Config) error {
		called.Inc()
		// observers get a copy of the config
		cfg.MaxMessagesPerSecond = 1
		return nil
	}))

	fc.monitorTick(context.Background(), time.Second)
	fc.monitorTick(context.Background(), time.Second)

	require.EqualValues(t, 2, called.Load())
	require.Equal(t, float64(DefaultMaxMessagesPerSecond), fc.Config().MaxMessagesPerSecond)
	require.Len(t, logRecorder.FindAllEntries("flow control observer failed"), 4)
	require.Len(t, logRecorder.FindAllEntries("observer panic: oops"), 2)
}

func TestFlowControl_MonitorResourceSourceFailure(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	var deadlineSet atomic.Bool
	fc, err := NewWithOpts(NewDefaultConfig(), Opts{
		Logger: logRecorder,
		ResourceSource: ResourceSourceFunc(func(ctx context.Context) (ResourceUsage, error) {
			_, ok := ctx.Deadline()
			deadlineSet.Store(ok)
			return ResourceUsage{}, errors.New("source is unavailable")
		}),
	})
	require.NoError(t, err)
	fc.SetResourceUsage(ResourceUsage{MemoryPercent: 10, CPUPercent: 20})

	// a canceled context does not abort the tick
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fc.monitorTick(ctx, time.Second)

	require.True(t, deadlineSet.Load())
	entry, found := logRecorder.FindEntry("failed to fetch resource usage")
	require.True(t, found)
	_, hasErr := entry.FindField("error")
	require.True(t, hasErr)
	m := fc.Metrics()
	require.Equal(t, 10.0, m.MemoryUsagePercent)
	require.Equal(t, 20.0, m.CPUUsagePercent)
}

func TestFlowControl_StartStop(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Monitor.Interval = config.TimeDuration(10 * time.Millisecond)
	cfg.Adaptive.Enabled = true
	cfg.Adaptive.Interval = config.TimeDuration(10 * time.Millisecond)
	cfg.Adaptive.MaxMessagesPerSecond = 150

	var ticks atomic.Int32
	fc, err := NewWithOpts(cfg, Opts{Observers: []Observer{ObserverFunc(func(State, FlowMetrics, Config) error {
		ticks.Inc()
		return nil
	})}})
	require.NoError(t, err)

	fc.Stop() // no-op before Start

	require.NoError(t, fc.Start())
	require.ErrorIs(t, fc.Start(), ErrAlreadyStarted)
	require.Eventually(t, func() bool { return ticks.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return fc.Config().MaxMessagesPerSecond == 150
	}, 5*time.Second, 10*time.Millisecond)
	fc.Stop()
	fc.Stop()

	// no ticks after Stop
	stopped := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, stopped, ticks.Load())

	require.NoError(t, fc.Start())
	require.Eventually(t, func() bool { return ticks.Load() > stopped }, 5*time.Second, 10*time.Millisecond)
	fc.Stop()
}

func TestFlowControl_LoopsAreExclusive(t *testing.T) {
	fc, err := New(NewDefaultConfig())
	require.NoError(t, err)

	require.NoError(t, fc.Start())
	require.ErrorIs(t, fc.RunMonitor(context.Background(), time.Millisecond), ErrAlreadyStarted)
	require.ErrorIs(t, fc.RunAdaptiveTuning(context.Background(), time.Millisecond, 0.1), ErrAlreadyStarted)
	fc.Stop()

	loopRunning := func(running *bool) func() bool {
		return func() bool {
			fc.bgMu.Lock()
			defer fc.bgMu.Unlock()
			return *running
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- fc.RunMonitor(ctx, time.Hour) }()
	require.Eventually(t, loopRunning(&fc.monitorRunning), 5*time.Second, time.Millisecond)

	require.ErrorIs(t, fc.Start(), ErrAlreadyStarted)
	require.ErrorIs(t, fc.RunMonitor(context.Background(), time.Millisecond), ErrAlreadyStarted)

	// The tuner is a different loop and may run next to a foreground monitor.
	tunerDone := make(chan error, 1)
	go func() { tunerDone <- fc.RunAdaptiveTuning(ctx, time.Hour, 0.1) }()
	require.Eventually(t, loopRunning(&fc.tunerRunning), 5*time.Second, time.Millisecond)
	require.ErrorIs(t, fc.RunAdaptiveTuning(context.Background(), time.Millisecond, 0.1), ErrAlreadyStarted)

	cancel()
	for _, done := range []chan error{monitorDone, tunerDone} {
		select {
		case err = <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop was not stopped")
		}
	}

	require.NoError(t, fc.Start())
	fc.Stop()
}

func TestAdjustRate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Adaptive.MinMessagesPerSecond = 95
	cfg.Adaptive.MaxMessagesPerSecond = 105

	tests := []struct {
		name  string
		state State
		rate  float64
		want  float64
	}{
		{name: "normal increases", state: StateNormal, rate: 50, want: 55},
		{name: "normal is capped", state: StateNormal, rate: 100, want: 105},
		{name: "throttled decreases", state: StateThrottled, rate: 200, want: 180},
		{name: "backpressure decreases", state: StateBackpressure, rate: 1000, want: 900},
		{name: "decrease is floored", state: StateThrottled, rate: 100, want: 95},
		{name: "circuit open keeps the rate", state: StateCircuitOpen, rate: 100, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg.Clone()
			c.MaxMessagesPerSecond = tt.rate
			require.InDelta(t, tt.want, adjustRate(c, tt.state, 0.1), 1e-9)
		})
	}

	uncapped := NewDefaultConfig()
	require.InDelta(t, 110.0, adjustRate(uncapped, StateNormal, 0.1), 1e-9)
}

func TestFlowControl_TuneTick(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	fc, err := NewWithOpts(NewDefaultConfig(), Opts{Logger: logRecorder})
	require.NoError(t, err)

	fc.tuneTick(0)
	require.InDelta(t, 110.0, fc.Config().MaxMessagesPerSecond, 1e-9)
	_, found := logRecorder.FindEntry("adaptive tuning changed max messages per second")
	require.True(t, found)

	fc.SetResourceUsage(ResourceUsage{CPUPercent: 99})
	fc.tuneTick(0.5)
	require.InDelta(t, 55.0, fc.Config().MaxMessagesPerSecond, 1e-9)
}

func TestFlowControl_RunAdaptiveTuning(t *testing.T) {
	fc, err := New(NewDefaultConfig())
	require.NoError(t, err)

	require.ErrorContains(t, fc.RunAdaptiveTuning(context.Background(), time.Millisecond, 1), "must be in range (0, 1)")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- fc.RunAdaptiveTuning(ctx, 10*time.Millisecond, 0.5) }()
	require.Eventually(t, func() bool {
		return fc.Config().MaxMessagesPerSecond >= 225
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

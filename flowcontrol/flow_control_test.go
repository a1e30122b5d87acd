/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-flowcontrol/config"
	"github.com/acronis/go-flowcontrol/log/logtest"
	"github.com/acronis/go-flowcontrol/testutil"
)

type countingProcessor struct {
	calls  atomic.Int32
	result bool
	err    error
}

func (p *countingProcessor) Process(context.Context, interface{}) (bool, error) {
	p.calls.Inc()
	return p.result, p.err
}

func newTestFlowControl(t *testing.T, cfg *Config, opts Opts) (*FlowControl, *fakeClock) {
	t.Helper()
	fc, err := NewWithOpts(cfg, opts)
	require.NoError(t, err)
	clock := newFakeClock()
	fc.setClock(clock.Now)
	return fc, clock
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Buffer.HighWatermark = 2
	_, err := New(cfg)
	require.ErrorContains(t, err, "flowControl.buffer.highWatermark: must be in range (0, 1)")

	cfg = NewDefaultConfig()
	cfg.Buffer.HighWatermark = math.NaN()
	cfg.Buffer.LowWatermark = math.NaN()
	_, err = New(cfg)
	require.ErrorContains(t, err, "flowControl.buffer.highWatermark: must be a finite number")

	fc, err := New(nil)
	require.NoError(t, err)
	require.NotEmpty(t, fc.Name())
	require.Equal(t, StateNormal, fc.State())
}

func TestFlowControl_ProcessSuccess(t *testing.T) {
	fc, _ := newTestFlowControl(t, NewDefaultConfig(), Opts{Name: "test"})
	require.Equal(t, "test", fc.Name())

	var got interface{}
	ok, err := fc.Process(context.Background(), "item", ProcessorFunc(func(_ context.Context, item interface{}) (bool, error) {
		got = item
		return true, nil
	}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "item", got)

	m := fc.Metrics()
	require.Equal(t, int64(1), m.TotalProcessed)
	require.Zero(t, m.ErrorCount)
	require.Zero(t, m.BufferSize)
}

func TestFlowControl_BackpressureDelay(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Buffer.MaxSize = 10
	cfg.BackpressureDelay = config.TimeDuration(50 * time.Millisecond)
	fc, _ := newTestFlowControl(t, cfg, Opts{})

	for i := 0; i < 9; i++ {
		fc.RecordArrival()
	}
	d, err := fc.Admit(context.Background())
	require.NoError(t, err)
	require.Equal(t, Decision{Kind: DecisionAcceptAfterDelay, Delay: 50 * time.Millisecond, State: StateBackpressure}, d)

	start := time.Now()
	ok, err := fc.Process(context.Background(), nil, &countingProcessor{result: true})
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	require.Equal(t, 9, fc.Metrics().BufferSize)
}

func TestFlowControl_CircuitBreaker(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.MaxErrorRate = 1
	logRecorder := logtest.NewRecorder()
	fc, clock := newTestFlowControl(t, cfg, Opts{Logger: logRecorder})

	failing := &countingProcessor{}
	for i := 0; i < 5; i++ {
		ok, err := fc.Process(context.Background(), i, failing)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.EqualValues(t, 5, failing.calls.Load())
	status := fc.CircuitBreakerStatus()
	require.True(t, status.IsOpen)
	require.Equal(t, 5, status.ConsecutiveFailures)
	require.Equal(t, clock.Now(), status.LastFailureTime)
	_, found := logRecorder.FindEntry("circuit breaker opened")
	require.True(t, found)

	d, err := fc.Admit(context.Background())
	require.NoError(t, err)
	require.Equal(t, DecisionReject, d.Kind)
	require.Equal(t, StateCircuitOpen, fc.State())

	// rejected items are neither processed nor counted
	before := fc.Metrics()
	called := &countingProcessor{result: true}
	for i := 0; i < 10; i++ {
		ok, err := fc.Process(context.Background(), i, called)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Zero(t, called.calls.Load())
	require.Equal(t, before, fc.Metrics())

	clock.Advance(59 * time.Second)
	d, err = fc.Admit(context.Background())
	require.NoError(t, err)
	require.Equal(t, DecisionReject, d.Kind)

	clock.Advance(time.Second)
	d, err = fc.Admit(context.Background())
	require.NoError(t, err)
	require.Equal(t, Decision{Kind: DecisionAccept, State: StateNormal}, d)
	require.False(t, fc.CircuitBreakerStatus().IsOpen)
	require.Zero(t, fc.CircuitBreakerStatus().ConsecutiveFailures)
}

func TestFlowControl_Throttling(t *testing.T) {
	for _, alg := range []RateLimitAlg{RateLimitAlgInterval, RateLimitAlgLeakyBucket} {
		alg := alg
		t.Run(string(alg), func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.MaxMessagesPerSecond = 10
			cfg.ThrottleFactor = 0.5
			cfg.Buffer.MaxSize = 100000
			cfg.RateLimitAlg = alg
			fc, _ := newTestFlowControl(t, cfg, Opts{})

			for i := 0; i < 720; i++ { // 12 msg/s over the 60s window
				fc.RecordArrival()
			}
			require.Equal(t, 12.0, fc.Metrics().MessagesPerSecond)

			start := time.Now()
			for i := 0; i < 3; i++ {
				d, err := fc.Admit(context.Background())
				require.NoError(t, err)
				require.Equal(t, Decision{Kind: DecisionAccept, State: StateThrottled}, d)
			}
			require.GreaterOrEqual(t, time.Since(start), 380*time.Millisecond)
			require.Equal(t, 5.0, fc.limiter.Rate())
		})
	}
}

func TestFlowControl_ProcessorFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		propagate bool
		processor Processor
		wantErr   error
	}{
		{name: "false result", processor: &countingProcessor{}},
		{name: "error", processor: &countingProcessor{result: true, err: boom}},
		{name: "panic", processor: ProcessorFunc(func(context.Context, interface{}) (bool, error) { panic("boom") })},
		{name: "false result propagated", propagate: true, processor: &countingProcessor{}, wantErr: ErrProcessorFailed},
		{name: "error propagated", propagate: true, processor: &countingProcessor{err: boom}, wantErr: boom},
		{name: "panic propagated", propagate: true, wantErr: ErrProcessorPanic,
			processor: ProcessorFunc(func(context.Context, interface{}) (bool, error) { panic("boom") })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.PropagateProcessorErrors = tt.propagate
			logRecorder := logtest.NewRecorder()
			collector := newRecordingCollector()
			fc, _ := newTestFlowControl(t, cfg, Opts{Logger: logRecorder, MetricsCollector: collector})

			ok, err := fc.Process(context.Background(), nil, tt.processor)
			require.False(t, ok)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			m := fc.Metrics()
			require.Equal(t, int64(1), m.TotalProcessed)
			require.Equal(t, int64(1), m.ErrorCount)
			require.Equal(t, 1.0, m.ErrorRate)
			require.Zero(t, m.BufferSize)
			require.Equal(t, 1, fc.CircuitBreakerStatus().ConsecutiveFailures)
			require.Equal(t, map[bool]int{false: 1}, collector.processed)
			require.NotEmpty(t, logRecorder.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
				return e.Text == "processor failed" || e.Text == "processor reported failure"
			}))
		})
	}
}

func TestFlowControl_ProcessorPanicIsLogged(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	cfg := NewDefaultConfig()
	cfg.PropagateProcessorErrors = true
	fc, _ := newTestFlowControl(t, cfg, Opts{Logger: logRecorder})
	_, err := fc.Process(context.Background(), nil, ProcessorFunc(func(context.Context, interface{}) (bool, error) {
		panic("something went wrong")
	}))
	testutil.RequireErrorWraps(t, err, ErrProcessorPanic, "something went wrong")
	entry, found := logRecorder.FindEntry("processor panic: something went wrong")
	require.True(t, found)
	_, hasStack := entry.FindField("stack")
	require.True(t, hasStack)
}

func TestFlowControl_ProcessorGoexit(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	fc, _ := newTestFlowControl(t, NewDefaultConfig(), Opts{Logger: logRecorder})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = fc.Process(context.Background(), nil, ProcessorFunc(func(context.Context, interface{}) (bool, error) {
			runtime.Goexit()
			return true, nil
		}))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Process did not finish")
	}

	m := fc.Metrics()
	require.Zero(t, m.BufferSize)
	require.Equal(t, int64(1), m.TotalProcessed)
	require.Equal(t, int64(1), m.ErrorCount)
	require.Equal(t, 1, fc.CircuitBreakerStatus().ConsecutiveFailures)
	entry, found := logRecorder.FindEntry("processor failed")
	require.True(t, found)
	logged, found := entry.FindField("error")
	require.True(t, found)
	loggedErr, ok := logged.Any.(error)
	require.True(t, ok)
	testutil.RequireErrorWraps(t, loggedErr, ErrProcessorFailed, "goroutine exited")
}

func TestFlowControl_ContextCanceled(t *testing.T) {
	t.Run("during backpressure delay", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Buffer.MaxSize = 10
		cfg.BackpressureDelay = config.TimeDuration(time.Minute)
		fc, _ := newTestFlowControl(t, cfg, Opts{})
		for i := 0; i < 9; i++ {
			fc.RecordArrival()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		p := &countingProcessor{result: true}
		ok, err := fc.Process(ctx, nil, p)
		require.False(t, ok)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Zero(t, p.calls.Load())
		require.Equal(t, 9, fc.Metrics().BufferSize)
	})

	t.Run("during throttling", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.MaxErrorRate = 0
		cfg.MaxMessagesPerSecond = 1
		cfg.ThrottleFactor = 0.1
		fc, _ := newTestFlowControl(t, cfg, Opts{})
		fc.RecordArrival()
		fc.RecordCompletion(time.Millisecond, false)

		_, err := fc.Admit(context.Background()) // takes the only available slot
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		p := &countingProcessor{result: true}
		ok, err := fc.Process(ctx, nil, p)
		require.False(t, ok)
		testutil.RequireErrorIsAny(t, err, []error{context.DeadlineExceeded, context.Canceled})
		require.Zero(t, p.calls.Load())
		require.Equal(t, int64(1), fc.Metrics().TotalProcessed)
	})
}

func TestFlowControl_ConcurrentProcess(t *testing.T) {
	fc, err := New(NewDefaultConfig())
	require.NoError(t, err)

	const workers, items = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < items; i++ {
				_, _ = fc.Process(context.Background(), i, ProcessorFunc(func(context.Context, interface{}) (bool, error) {
					return true, nil
				}))
			}
		}()
	}
	wg.Wait()

	m := fc.Metrics()
	require.Equal(t, int64(workers*items), m.TotalProcessed)
	require.Zero(t, m.BufferSize)
	require.Zero(t, m.ErrorCount)
}

func TestFlowControl_UpdateConfig(t *testing.T) {
	fc, clock := newTestFlowControl(t, NewDefaultConfig(), Opts{})

	cfg := fc.Config()
	cfg.RateLimitAlg = RateLimitAlgLeakyBucket
	require.ErrorContains(t, fc.UpdateConfig(cfg), "rate limiting algorithm cannot be changed")

	cfg = fc.Config()
	cfg.ThrottleFactor = 1.5
	require.ErrorContains(t, fc.UpdateConfig(cfg), "flowControl.throttleFactor")
	require.Equal(t, DefaultThrottleFactor, fc.Config().ThrottleFactor)

	cfg = fc.Config()
	cfg.CircuitBreaker.ErrorThreshold = 1
	cfg.CircuitBreaker.Timeout = config.TimeDuration(time.Second)
	cfg.Buffer.MaxSize = 4
	require.NoError(t, fc.UpdateConfig(cfg))
	cfg.Buffer.MaxSize = 100 // the active config is a copy
	require.Equal(t, 4, fc.Config().Buffer.MaxSize)

	fc.RecordArrival()
	require.Equal(t, 0.25, fc.Metrics().BufferUtilization)

	fc.RecordCompletion(time.Millisecond, false)
	require.True(t, fc.CircuitBreakerStatus().IsOpen)
	clock.Advance(time.Second)
	require.False(t, fc.CircuitBreakerStatus().IsOpen)
}

func TestFlowControl_ResetMetrics(t *testing.T) {
	fc, _ := newTestFlowControl(t, NewDefaultConfig(), Opts{})
	fc.SetResourceUsage(ResourceUsage{MemoryPercent: 40, CPUPercent: 30})
	fc.RecordArrival()
	fc.RecordArrival()
	fc.RecordCompletion(time.Second, false)

	m := fc.Metrics()
	require.Equal(t, 1.0, m.ErrorRate)
	require.Equal(t, time.Second, m.ProcessingLatencyP95)

	fc.ResetMetrics()
	m = fc.Metrics()
	require.Zero(t, m.ErrorRate)
	require.Zero(t, m.TotalProcessed)
	require.Zero(t, m.ProcessingLatencyP95)
	require.Zero(t, m.MessagesPerSecond)
	require.Equal(t, 1, m.BufferSize)
	require.Equal(t, 40.0, m.MemoryUsagePercent)
	require.Equal(t, 30.0, m.CPUUsagePercent)
}

func TestFlowControl_OnStateChange(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.CircuitBreaker.ErrorThreshold = 1
	cfg.MaxErrorRate = 1
	fc, _ := newTestFlowControl(t, cfg, Opts{})

	var changes []State
	fc.OnStateChange(func(_, to State) { changes = append(changes, to) })
	_, _ = fc.Process(context.Background(), nil, &countingProcessor{})
	_, _ = fc.Process(context.Background(), nil, &countingProcessor{})
	require.Equal(t, []State{StateCircuitOpen}, changes)
}

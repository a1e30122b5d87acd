/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-flowcontrol/config"
	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log/logtest"
	"github.com/acronis/go-flowcontrol/restapi"
	"github.com/acronis/go-flowcontrol/testutil"
)

const testErrDomain = "TestDomain"

func newTestFlowControl(t *testing.T, cfg *flowcontrol.Config) *flowcontrol.FlowControl {
	t.Helper()
	fc, err := flowcontrol.New(cfg)
	require.NoError(t, err)
	return fc
}

type stubFlowController struct {
	decision  flowcontrol.Decision
	err       error
	arrivals  int
	successes int
	failures  int
}

func (s *stubFlowController) Admit(context.Context) (flowcontrol.Decision, error) {
	return s.decision, s.err
}

func (s *stubFlowController) RecordArrival() {
	s.arrivals++
}

func (s *stubFlowController) RecordCompletion(_ time.Duration, success bool) {
	if success {
		s.successes++
	} else {
		s.failures++
	}
}

func TestFlowControl_Accept(t *testing.T) {
	fc := newTestFlowControl(t, flowcontrol.NewDefaultConfig())

	var gotDecision flowcontrol.Decision
	var found bool
	handler := FlowControl(fc, testErrDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotDecision, found = GetFlowDecisionFromContext(r.Context())
		rw.WriteHeader(http.StatusCreated)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
	require.Equal(t, http.StatusCreated, resp.Code)
	require.True(t, found)
	require.Equal(t, flowcontrol.DecisionAccept, gotDecision.Kind)
	require.Equal(t, flowcontrol.StateNormal, gotDecision.State)

	m := fc.Metrics()
	require.EqualValues(t, 1, m.TotalProcessed)
	require.EqualValues(t, 0, m.ErrorCount)
	require.Equal(t, 0, m.BufferSize)
}

func TestFlowControl_RejectWhenCircuitOpen(t *testing.T) {
	cfg := flowcontrol.NewDefaultConfig()
	cfg.CircuitBreaker.ErrorThreshold = 1
	cfg.CircuitBreaker.Timeout = config.TimeDuration(time.Minute)
	fc := newTestFlowControl(t, cfg)

	calls := 0
	handler := FlowControlWithOpts(fc, testErrDomain, FlowControlOpts{GetRetryAfter: FlowControlRetryAfter(fc)})(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			calls++
			rw.WriteHeader(http.StatusBadGateway)
		}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
	require.Equal(t, http.StatusBadGateway, resp.Code)
	require.True(t, fc.CircuitBreakerStatus().IsOpen)

	for i := 0; i < 3; i++ {
		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
		var respData restapi.ErrorResponseData
		testutil.RequireJSONInRecorder(t, resp, http.StatusServiceUnavailable, &respData)
		require.Equal(t, restapi.ErrCodeServiceOverloaded, respData.Err.Code)
		require.Equal(t, testErrDomain, respData.Err.Domain)
		require.Equal(t, "circuit_open", respData.Err.Context["state"])
		require.Equal(t, "60", resp.Header().Get("Retry-After"))
	}
	require.Equal(t, 1, calls)
	require.EqualValues(t, 1, fc.Metrics().TotalProcessed, "rejected requests must not be recorded")
}

func TestFlowControl_BackpressureDelay(t *testing.T) {
	cfg := flowcontrol.NewDefaultConfig()
	cfg.BackpressureDelay = config.TimeDuration(50 * time.Millisecond)
	fc := newTestFlowControl(t, cfg)
	fc.SetResourceUsage(flowcontrol.ResourceUsage{CPUPercent: 95})

	var gotDecision flowcontrol.Decision
	handler := FlowControl(fc, testErrDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotDecision, _ = GetFlowDecisionFromContext(r.Context())
	}))

	startTime := time.Now()
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.GreaterOrEqual(t, time.Since(startTime), 50*time.Millisecond)
	require.Equal(t, flowcontrol.DecisionAcceptAfterDelay, gotDecision.Kind)
	require.Equal(t, flowcontrol.StateBackpressure, gotDecision.State)
	require.Equal(t, 50*time.Millisecond, gotDecision.Delay)
	require.EqualValues(t, 1, fc.Metrics().TotalProcessed)
}

func TestFlowControl_ClientGoneDuringDelay(t *testing.T) {
	cfg := flowcontrol.NewDefaultConfig()
	cfg.BackpressureDelay = config.TimeDuration(time.Second)
	fc := newTestFlowControl(t, cfg)
	fc.SetResourceUsage(flowcontrol.ResourceUsage{MemoryPercent: 99})

	calls := 0
	handler := FlowControl(fc, testErrDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls++
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil).WithContext(ctx))
	require.Equal(t, statusClientClosedRequest, resp.Code)
	require.Equal(t, 0, calls)
	require.EqualValues(t, 0, fc.Metrics().TotalProcessed)
}

func TestFlowControl_PanicIsFailure(t *testing.T) {
	fc := newTestFlowControl(t, flowcontrol.NewDefaultConfig())
	handler := Recovery(testErrDomain)(FlowControl(fc, testErrDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
	var respData restapi.ErrorResponseData
	testutil.RequireJSONInRecorder(t, resp, http.StatusInternalServerError, &respData)
	require.Equal(t, restapi.ErrCodeInternal, respData.Err.Code)

	require.EqualValues(t, 1, fc.Metrics().ErrorCount)
	require.Equal(t, 1, fc.CircuitBreakerStatus().ConsecutiveFailures)
	require.Equal(t, 0, fc.Metrics().BufferSize)
}

func TestFlowControl_FailureClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		isFailure   func(int) bool
		wantSuccess bool
	}{
		{name: "2xx is success", status: http.StatusOK, wantSuccess: true},
		{name: "4xx is success by default", status: http.StatusBadRequest, wantSuccess: true},
		{name: "5xx is failure", status: http.StatusServiceUnavailable, wantSuccess: false},
		{
			name:        "custom classification",
			status:      http.StatusTooManyRequests,
			isFailure:   func(status int) bool { return status >= http.StatusBadRequest },
			wantSuccess: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubFlowController{decision: flowcontrol.Decision{Kind: flowcontrol.DecisionAccept}}
			handler := FlowControlWithOpts(stub, testErrDomain, FlowControlOpts{IsFailure: tt.isFailure})(
				http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
					rw.WriteHeader(tt.status)
				}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
			require.Equal(t, 1, stub.arrivals)
			if tt.wantSuccess {
				require.Equal(t, 1, stub.successes)
			} else {
				require.Equal(t, 1, stub.failures)
			}
		})
	}
}

func TestFlowControl_AdmissionError(t *testing.T) {
	stub := &stubFlowController{err: errors.New("limiter is broken")}
	logger := logtest.NewRecorder()
	handler := FlowControl(stub, testErrDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(NewContextWithLogger(req.Context(), logger))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	_, found := logger.FindEntry("flow control admission failed")
	require.True(t, found)
	require.Equal(t, 0, stub.arrivals)
}

func TestFlowControl_ExcludedEndpoints(t *testing.T) {
	stub := &stubFlowController{decision: flowcontrol.Decision{Kind: flowcontrol.DecisionReject, State: flowcontrol.StateCircuitOpen}}
	handler := FlowControlWithOpts(stub, testErrDomain, FlowControlOpts{ExcludedEndpoints: []string{"/healthz"}})(
		http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			_, found := GetFlowDecisionFromContext(r.Context())
			require.False(t, found)
		}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Equal(t, "1", resp.Header().Get("Retry-After"))
	require.Equal(t, 0, stub.arrivals)
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/restapi"
)

// statusClientClosedRequest is the Nginx status for a client that went away before the response.
const statusClientClosedRequest = 499

// DefaultFlowControlRetryAfter is the Retry-After value sent with rejected requests by default.
const DefaultFlowControlRetryAfter = time.Second

// FlowController is the part of flowcontrol.FlowControl used by the FlowControl middleware.
type FlowController interface {
	Admit(ctx context.Context) (flowcontrol.Decision, error)
	RecordArrival()
	RecordCompletion(elapsed time.Duration, success bool)
}

// FlowControlOnRejectFunc is called when a request is rejected.
type FlowControlOnRejectFunc func(rw http.ResponseWriter, r *http.Request, d flowcontrol.Decision, params FlowControlParams)

// FlowControlParams contains data passed to FlowControlOnRejectFunc.
type FlowControlParams struct {
	ErrDomain  string
	RetryAfter time.Duration
}

// FlowControlOpts represents an options for FlowControl middleware.
type FlowControlOpts struct {
	// IsFailure reports whether a response status counts as a processing failure.
	// By default, 5xx statuses are failures.
	IsFailure func(status int) bool

	// GetRetryAfter returns the value for the Retry-After header of a rejected request.
	// DefaultFlowControlRetryAfter is used if nil.
	GetRetryAfter func(r *http.Request, d flowcontrol.Decision) time.Duration

	// OnReject overrides DefaultFlowControlOnReject.
	OnReject FlowControlOnRejectFunc

	// ExcludedEndpoints bypass flow control completely.
	ExcludedEndpoints []string
}

type flowControlHandler struct {
	next      http.Handler
	fc        FlowController
	errDomain string
	opts      FlowControlOpts
}

// FlowControl is a middleware that passes every request through the admission of fc.
// A rejected request gets 503 with Retry-After header. A backpressure delay is waited out before serving.
// The served request is recorded as an arrival and, once the handler returns, as a completion
// whose success is derived from the response status (a panic is a failure).
func FlowControl(fc FlowController, errDomain string) func(next http.Handler) http.Handler {
	return FlowControlWithOpts(fc, errDomain, FlowControlOpts{})
}

// FlowControlWithOpts is a more configurable version of FlowControl middleware.
func FlowControlWithOpts(fc FlowController, errDomain string, opts FlowControlOpts) func(next http.Handler) http.Handler {
	if opts.IsFailure == nil {
		opts.IsFailure = func(status int) bool { return status >= http.StatusInternalServerError }
	}
	if opts.GetRetryAfter == nil {
		opts.GetRetryAfter = func(*http.Request, flowcontrol.Decision) time.Duration { return DefaultFlowControlRetryAfter }
	}
	if opts.OnReject == nil {
		opts.OnReject = DefaultFlowControlOnReject
	}
	return func(next http.Handler) http.Handler {
		return &flowControlHandler{next: next, fc: fc, errDomain: errDomain, opts: opts}
	}
}

func (h *flowControlHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if isExcludedEndpoint(r.URL.Path, h.opts.ExcludedEndpoints) {
		h.next.ServeHTTP(rw, r)
		return
	}

	ctx := r.Context()
	logger := GetLoggerFromContext(ctx)

	d, err := h.fc.Admit(ctx)
	if err != nil {
		if ctx.Err() != nil {
			rw.WriteHeader(statusClientClosedRequest)
			return
		}
		if logger != nil {
			logger.Error("flow control admission failed", log.Error(err))
		}
		restapi.RespondInternalError(rw, h.errDomain, logger)
		return
	}

	if lp := GetLoggingParamsFromContext(ctx); lp != nil {
		lp.ExtendFields(log.String("flow_state", d.State.String()), log.String("flow_decision", d.Kind.String()))
		if d.Delay > 0 {
			lp.ExtendFields(log.Int64("flow_delay_ms", d.Delay.Milliseconds()))
		}
	}

	switch d.Kind {
	case flowcontrol.DecisionReject:
		h.opts.OnReject(rw, r, d, FlowControlParams{ErrDomain: h.errDomain, RetryAfter: h.opts.GetRetryAfter(r, d)})
		return
	case flowcontrol.DecisionAcceptAfterDelay:
		if err = sleepWithContext(ctx, d.Delay); err != nil {
			rw.WriteHeader(statusClientClosedRequest)
			return
		}
	}

	h.fc.RecordArrival()
	startTime := time.Now()
	wrw := WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	defer func() {
		if p := recover(); p != nil {
			h.fc.RecordCompletion(time.Since(startTime), false)
			panic(p)
		}
		h.fc.RecordCompletion(time.Since(startTime), !h.opts.IsFailure(responseStatus(wrw)))
	}()

	h.next.ServeHTTP(wrw, r.WithContext(NewContextWithFlowDecision(ctx, d)))
}

// DefaultFlowControlOnReject sends 503 with Retry-After header and the error in body in JSON format.
func DefaultFlowControlOnReject(rw http.ResponseWriter, r *http.Request, d flowcontrol.Decision, params FlowControlParams) {
	restapi.RespondOverloaded(rw, params.ErrDomain, d.State.String(), params.RetryAfter, GetLoggerFromContext(r.Context()))
}

// FlowControlRetryAfter returns a GetRetryAfter function that, for an open circuit, advises to retry
// when the circuit breaker timeout since the last failure expires.
func FlowControlRetryAfter(fc *flowcontrol.FlowControl) func(r *http.Request, d flowcontrol.Decision) time.Duration {
	return func(_ *http.Request, d flowcontrol.Decision) time.Duration {
		if d.State != flowcontrol.StateCircuitOpen {
			return DefaultFlowControlRetryAfter
		}
		status := fc.CircuitBreakerStatus()
		if status.LastFailureTime.IsZero() {
			return DefaultFlowControlRetryAfter
		}
		left := time.Until(status.LastFailureTime.Add(time.Duration(fc.Config().CircuitBreaker.Timeout)))
		if left < DefaultFlowControlRetryAfter {
			return DefaultFlowControlRetryAfter
		}
		return left
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

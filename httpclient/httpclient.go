/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides an instrumented http.Client: outgoing requests are logged,
// measured with Prometheus histograms and stamped with User-Agent and X-Request-ID headers.
package httpclient

import (
	"net/http"
	"time"

	"github.com/acronis/go-flowcontrol/log"
)

// DefaultRequestType is used in logs and metrics if Opts.RequestType is empty.
const DefaultRequestType = "generic"

// Opts provides options for New.
type Opts struct {
	// Timeout is the http.Client timeout. Zero means no timeout.
	Timeout time.Duration
	// UserAgent is set in outgoing requests that do not have one.
	UserAgent string
	// RequestType is a type of request, e.g. the remote service or an action, used to correlate logs and metrics.
	RequestType string
	// Delegate is the last RoundTripper in the chain. A clone of http.DefaultTransport is used if nil.
	Delegate http.RoundTripper
	// Logger is used if the request context carries no logger. Requests are not logged if both are absent.
	Logger log.FieldLogger
	// LoggingMode is LoggingModeAll by default.
	LoggingMode LoggingMode
	// SlowRequestThreshold makes requests faster than it not logged.
	SlowRequestThreshold time.Duration
	// Collector receives request durations. Requests are not measured if nil.
	Collector MetricsCollector
}

// New creates an http.Client whose transport chain is request id, user agent, metrics, logging and the delegate.
func New(opts Opts) *http.Client {
	return &http.Client{Transport: NewRoundTripper(opts), Timeout: opts.Timeout}
}

// NewRoundTripper builds the transport chain used by New.
func NewRoundTripper(opts Opts) http.RoundTripper {
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}
	reqType := opts.RequestType
	if reqType == "" {
		reqType = DefaultRequestType
	}
	if opts.LoggingMode != LoggingModeNone {
		delegate = NewLoggingRoundTripperWithOpts(delegate, reqType, LoggingRoundTripperOpts{
			Logger:               opts.Logger,
			Mode:                 opts.LoggingMode,
			SlowRequestThreshold: opts.SlowRequestThreshold,
		})
	}
	if opts.Collector != nil {
		delegate = NewMetricsRoundTripper(delegate, reqType, opts.Collector)
	}
	if opts.UserAgent != "" {
		delegate = NewUserAgentRoundTripper(delegate, opts.UserAgent)
	}
	return NewRequestIDRoundTripper(delegate)
}

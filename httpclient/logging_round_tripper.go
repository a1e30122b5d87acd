/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-flowcontrol/httpserver/middleware"
	"github.com/acronis/go-flowcontrol/log"
)

// LoggingMode represents a mode of logging.
type LoggingMode string

// Logging modes. An empty mode is equivalent to LoggingModeAll.
const (
	LoggingModeNone   LoggingMode = "none"
	LoggingModeAll    LoggingMode = "all"
	LoggingModeFailed LoggingMode = "failed"
)

// LoggingRoundTripper implements http.RoundTripper for logging requests.
type LoggingRoundTripper struct {
	// Delegate is the next RoundTripper in the chain.
	Delegate http.RoundTripper
	// ReqType is a type of request used to correlate log entries.
	ReqType string
	// Opts are the options for the logging round tripper.
	Opts LoggingRoundTripperOpts
}

// LoggingRoundTripperOpts represents an options for LoggingRoundTripper.
type LoggingRoundTripperOpts struct {
	// Logger is used if the request context carries no logger (see middleware.GetLoggerFromContext).
	Logger log.FieldLogger
	// Mode of logging: none, all, failed.
	Mode LoggingMode
	// SlowRequestThreshold is a threshold below which requests are not logged.
	SlowRequestThreshold time.Duration
}

// NewLoggingRoundTripper creates an HTTP transport that logs requests.
func NewLoggingRoundTripper(delegate http.RoundTripper, reqType string) http.RoundTripper {
	return NewLoggingRoundTripperWithOpts(delegate, reqType, LoggingRoundTripperOpts{})
}

// NewLoggingRoundTripperWithOpts creates an HTTP transport that logs requests with options.
func NewLoggingRoundTripperWithOpts(delegate http.RoundTripper, reqType string, opts LoggingRoundTripperOpts) http.RoundTripper {
	return &LoggingRoundTripper{Delegate: delegate, ReqType: reqType, Opts: opts}
}

// RoundTrip adds logging capabilities to the HTTP transport.
func (rt *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Opts.Mode == LoggingModeNone {
		return rt.Delegate.RoundTrip(r)
	}
	logger := middleware.GetLoggerFromContext(r.Context())
	if logger == nil {
		logger = rt.Opts.Logger
	}

	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := time.Since(start)

	if logger == nil || elapsed < rt.Opts.SlowRequestThreshold {
		return resp, err
	}
	failed := err != nil || (resp != nil && resp.StatusCode >= http.StatusBadRequest)
	if rt.Opts.Mode == LoggingModeFailed && !failed {
		return resp, err
	}

	fields := []log.Field{
		log.String("method", r.Method),
		log.String("url", r.URL.Redacted()),
		log.String("req_type", rt.ReqType),
		log.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if resp != nil {
		fields = append(fields, log.Int("status", resp.StatusCode))
	}
	msg := fmt.Sprintf("client http request %s %s completed in %.3fs", r.Method, r.URL.Host, elapsed.Seconds())
	if err != nil {
		logger.Error(msg, append(fields, log.Error(err))...)
		return resp, err
	}
	logger.Info(msg, fields...)
	return resp, err
}

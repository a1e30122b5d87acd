/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/restapi"
)

// RequestBodyLimitOpts represents an options for RequestBodyLimit middleware.
type RequestBodyLimitOpts struct {
	// ExcludedEndpoints are served without a limit.
	ExcludedEndpoints []string
}

type requestBodyLimitHandler struct {
	next         http.Handler
	maxSizeBytes uint64
	errDomain    string
	opts         RequestBodyLimitOpts
}

// RequestBodyLimit is a middleware that caps the size of a request body.
// A request declaring a larger Content-Length is answered with 413 before it reaches the next handlers,
// so an oversized message never takes a flow control slot.
// Bodies of unknown length are cut at the limit while being read (restapi.DecodeRequestJSON reports 413 then).
func RequestBodyLimit(maxSizeBytes uint64, errDomain string) func(next http.Handler) http.Handler {
	return RequestBodyLimitWithOpts(maxSizeBytes, errDomain, RequestBodyLimitOpts{})
}

// RequestBodyLimitWithOpts is a more configurable version of RequestBodyLimit middleware.
func RequestBodyLimitWithOpts(maxSizeBytes uint64, errDomain string, opts RequestBodyLimitOpts) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &requestBodyLimitHandler{next: next, maxSizeBytes: maxSizeBytes, errDomain: errDomain, opts: opts}
	}
}

func (h *requestBodyLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody || isExcludedEndpoint(r.URL.Path, h.opts.ExcludedEndpoints) {
		h.next.ServeHTTP(rw, r)
		return
	}

	if r.ContentLength > 0 && uint64(r.ContentLength) > h.maxSizeBytes {
		logger := GetLoggerFromContext(r.Context())
		if lp := GetLoggingParamsFromContext(r.Context()); lp != nil {
			lp.ExtendFields(log.Int64("content_length", r.ContentLength))
		}
		restapi.RespondMalformedRequestError(rw, h.errDomain, restapi.NewTooLargeMalformedRequestError(h.maxSizeBytes), logger)
		return
	}

	restapi.SetRequestMaxBodySize(rw, r, h.maxSizeBytes)
	h.next.ServeHTTP(rw, r)
}

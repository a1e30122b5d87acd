/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/restapi"
)

// RecoveryDefaultStackSize defines the default size of stack part which will be logged.
const RecoveryDefaultStackSize = 8192

// RecoveryOpts represents an options for Recovery middleware.
type RecoveryOpts struct {
	// StackSize is the size of the logged stack part. Zero disables stack logging.
	StackSize int

	// OnPanic is called after the panic is logged and before the 500 response is written.
	// err wraps flowcontrol.ErrProcessorPanic, the same way a panicking flowcontrol.Processor is reported.
	OnPanic func(r *http.Request, err error)
}

type recoveryHandler struct {
	next      http.Handler
	errDomain string
	opts      RecoveryOpts
}

// Recovery is a middleware that turns a handler panic into a processing failure:
// the panic is logged as an error wrapping flowcontrol.ErrProcessorPanic (with a stack part),
// marked in the request log and answered with 500 and the error in body.
// When placed outside the FlowControl middleware, the latter has already recorded the panicked request as failed.
func Recovery(errDomain string) func(next http.Handler) http.Handler {
	return RecoveryWithOpts(errDomain, RecoveryOpts{StackSize: RecoveryDefaultStackSize})
}

// RecoveryWithOpts is a more configurable version of Recovery middleware.
func RecoveryWithOpts(errDomain string, opts RecoveryOpts) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &recoveryHandler{next: next, errDomain: errDomain, opts: opts}
	}
}

func (h *recoveryHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		logger := GetLoggerFromContext(r.Context())

		// http.Server handles this sentinel silently.
		if p == http.ErrAbortHandler {
			if logger != nil {
				logger.Warn("request has been aborted", log.Error(http.ErrAbortHandler))
			}
			panic(p)
		}

		h.handlePanic(rw, r, logger, fmt.Errorf("%w: %v", flowcontrol.ErrProcessorPanic, p))
	}()

	h.next.ServeHTTP(rw, r)
}

func (h *recoveryHandler) handlePanic(rw http.ResponseWriter, r *http.Request, logger log.FieldLogger, err error) {
	if lp := GetLoggingParamsFromContext(r.Context()); lp != nil {
		lp.ExtendFields(log.Bool("panic", true))
	}
	if logger != nil {
		fields := []log.Field{log.Error(err)}
		if h.opts.StackSize > 0 {
			stack := make([]byte, h.opts.StackSize)
			stack = stack[:runtime.Stack(stack, false)]
			fields = append(fields, log.Bytes("stack", stack))
		}
		logger.Error("request handler panicked", fields...)
	}
	if h.opts.OnPanic != nil {
		h.opts.OnPanic(r, err)
	}
	restapi.RespondInternalError(rw, h.errDomain, logger)
}

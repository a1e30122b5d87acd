/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-flowcontrol/log"
)

// ContentTypeAppJSON represents MIME media type for JSON.
const ContentTypeAppJSON = "application/json"

// encodeJSON marshals v without HTML escaping and without the trailing newline added by json.Encoder.
func encodeJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// RespondJSON sends respData as JSON with 200 status code.
func RespondJSON(rw http.ResponseWriter, respData interface{}, logger log.FieldLogger) {
	RespondCodeAndJSON(rw, http.StatusOK, respData, logger)
}

// RespondCodeAndJSON sends respData as JSON with the given status code.
// Content-Type is set to application/json unless the handler has already set it.
// A nil respData results in an empty body.
func RespondCodeAndJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	if respData == nil {
		rw.WriteHeader(statusCode)
		return
	}

	body, err := encodeJSON(respData)
	if err != nil {
		if logger != nil {
			logger.Error("failed to encode response body", log.Error(err))
		}
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	if rw.Header().Get("Content-Type") == "" {
		rw.Header().Set("Content-Type", ContentTypeAppJSON)
	}
	rw.WriteHeader(statusCode)
	if _, err = rw.Write(body); err != nil && logger != nil {
		logger.Error("failed to write response body", log.Error(err))
	}
}

// ErrorResponseData is the body of all error responses.
type ErrorResponseData struct {
	Err *Error `json:"error"`
}

func (e *ErrorResponseData) Error() string {
	return fmt.Sprintf("HTTP error occurs: %v", e.Err)
}

// RespondError writes err in body in JSON format with the given status code, logs it and counts it in metrics.
// Server faults are logged at error level. Client errors and 503 (the service sheds load on purpose) are logged
// at warn level, since they are expected to be frequent while the flow is throttled or the circuit is open.
func RespondError(rw http.ResponseWriter, httpStatusCode int, err *Error, logger log.FieldLogger) {
	logResponseError(httpStatusCode, err, logger)
	countResponseError(err)
	RespondCodeAndJSON(rw, httpStatusCode, ErrorResponseData{err}, logger)
}

// RespondInternalError sends response with 500 HTTP status code and internal error in body in JSON format.
func RespondInternalError(rw http.ResponseWriter, domain string, logger log.FieldLogger) {
	RespondError(rw, http.StatusInternalServerError, NewInternalError(domain), logger)
}

// RespondOverloaded sends 503 with the serviceOverloaded error carrying the flow state in its context.
// A positive retryAfter is sent in the Retry-After header, rounded up to whole seconds.
func RespondOverloaded(rw http.ResponseWriter, domain, state string, retryAfter time.Duration, logger log.FieldLogger) {
	if retryAfter > 0 {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	apiErr := NewError(domain, ErrCodeServiceOverloaded, ErrMessageServiceOverloaded)
	if state != "" {
		apiErr.AddContext("state", state)
	}
	RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
}

// RespondMalformedRequestError responds with the status and message of reqErr.
func RespondMalformedRequestError(rw http.ResponseWriter, domain string, reqErr *MalformedRequestError, logger log.FieldLogger) {
	RespondError(rw, reqErr.HTTPStatusCode, NewErrorFromHTTPCode(domain, reqErr.HTTPStatusCode, reqErr.Message), logger)
}

// RespondMalformedRequestOrInternalError responds with RespondMalformedRequestError if err wraps
// a *MalformedRequestError and with RespondInternalError otherwise.
func RespondMalformedRequestOrInternalError(rw http.ResponseWriter, domain string, err error, logger log.FieldLogger) {
	var reqErr *MalformedRequestError
	if errors.As(err, &reqErr) {
		RespondMalformedRequestError(rw, domain, reqErr, logger)
		return
	}
	RespondInternalError(rw, domain, logger)
}

func logResponseError(httpStatusCode int, err *Error, logger log.FieldLogger) {
	if logger == nil {
		return
	}
	fields := []log.Field{
		log.Int("status", httpStatusCode),
		log.String("error_code", err.Code),
		log.String("error_message", err.Message),
	}
	if len(err.Context) != 0 {
		keys := make([]string, 0, len(err.Context))
		for k := range err.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxLines := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxLines = append(ctxLines, fmt.Sprintf("%s: %v", k, err.Context[k]))
		}
		fields = append(fields, log.Strings("error_context", ctxLines))
	}
	if httpStatusCode >= http.StatusInternalServerError && httpStatusCode != http.StatusServiceUnavailable {
		logger.Error("error in response", fields...)
		return
	}
	logger.Warn("error in response", fields...)
}

func countResponseError(err *Error) {
	if metricsResponseErrors == nil {
		return
	}
	metricsResponseErrors.With(prometheus.Labels{
		metricsLabelResponseErrorDomain: err.Domain,
		metricsLabelResponseErrorCode:   err.Code,
	}).Inc()
}

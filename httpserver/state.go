/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"net/http"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/httpserver/middleware"
	"github.com/acronis/go-flowcontrol/restapi"
)

// FlowStateResponseData is the body of the /state endpoint for a single flow control.
type FlowStateResponseData struct {
	Name                 string                           `json:"name"`
	State                flowcontrol.State                `json:"state"`
	Metrics              flowcontrol.FlowMetrics          `json:"metrics"`
	CircuitBreaker       flowcontrol.CircuitBreakerStatus `json:"circuitBreaker"`
	MaxMessagesPerSecond float64                          `json:"maxMessagesPerSecond"`
}

// NewFlowStateHandler creates an http.Handler that reports the state, metrics and circuit breaker status
// of every passed flow control.
func NewFlowStateHandler(fcs ...*flowcontrol.FlowControl) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		respData := make([]FlowStateResponseData, 0, len(fcs))
		for _, fc := range fcs {
			respData = append(respData, FlowStateResponseData{
				Name:                 fc.Name(),
				State:                fc.State(),
				Metrics:              fc.Metrics(),
				CircuitBreaker:       fc.CircuitBreakerStatus(),
				MaxMessagesPerSecond: fc.Config().MaxMessagesPerSecond,
			})
		}
		restapi.RespondJSON(rw, respData, middleware.GetLoggerFromContext(r.Context()))
	})
}

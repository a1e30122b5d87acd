/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/httpserver/middleware"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/restapi"
)

const (
	serviceNameInURL = "flowdemo"
	errorDomain      = "FlowDemo"
)

const (
	errCodeProcessingFailed    = "processingFailed"
	errMessageProcessingFailed = "Message processing failed."
)

type ingestRequest struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	Fail    bool   `json:"fail"`
}

type ingestResponse struct {
	ID    string            `json:"id"`
	State flowcontrol.State `json:"state"`
}

// apiRoutesV1 registers /messages. Admission is done by the flow control middleware of the API router,
// so the handler only runs the processor and maps its result to a status code.
func apiRoutesV1(proc flowcontrol.Processor, logger log.FieldLogger) func(router chi.Router) {
	return func(router chi.Router) {
		router.Post("/messages", ingestHandler(proc, logger))
	}
}

func ingestHandler(proc flowcontrol.Processor, fallbackLogger log.FieldLogger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		logger := middleware.GetLoggerFromContext(r.Context())
		if logger == nil {
			logger = fallbackLogger
		}

		var req ingestRequest
		if err := restapi.DecodeRequestJSON(r, &req); err != nil {
			restapi.RespondMalformedRequestOrInternalError(rw, errorDomain, err, logger)
			return
		}
		if req.ID == "" {
			req.ID = xid.New().String()
		}

		ok, err := proc.Process(r.Context(), message{ID: req.ID, Payload: []byte(req.Payload), Fail: req.Fail})
		if err != nil || !ok {
			if err != nil {
				logger.Warn("message processing failed", log.String("message_id", req.ID), log.Error(err))
			}
			apiErr := restapi.NewError(errorDomain, errCodeProcessingFailed, errMessageProcessingFailed).
				AddContext("id", req.ID)
			restapi.RespondError(rw, http.StatusInternalServerError, apiErr, logger)
			return
		}

		resp := ingestResponse{ID: req.ID}
		if d, found := middleware.GetFlowDecisionFromContext(r.Context()); found {
			resp.State = d.State
		}
		restapi.RespondCodeAndJSON(rw, http.StatusAccepted, resp, logger)
	}
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/httpserver/middleware"
	"github.com/acronis/go-flowcontrol/log"
)

func ExampleFlowControl() {
	const errDomain = "Ingest"

	fc, err := flowcontrol.New(flowcontrol.NewDefaultConfig())
	if err != nil {
		panic(err)
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(),
		middleware.Logging(log.NewDisabledLogger()),
		middleware.Recovery(errDomain),
	)
	router.With(middleware.FlowControlWithOpts(fc, errDomain, middleware.FlowControlOpts{
		GetRetryAfter: middleware.FlowControlRetryAfter(fc),
	})).Post("/ingest", func(rw http.ResponseWriter, r *http.Request) {
		d, _ := middleware.GetFlowDecisionFromContext(r.Context())
		fmt.Println("admitted in state", d.State)
		rw.WriteHeader(http.StatusAccepted)
	})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
	fmt.Println(resp.Code)

	// Output:
	// admitted in state normal
	// 202
}

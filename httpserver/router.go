/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/httpserver/middleware"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/restapi"
)

// systemEndpoints is a list of endpoints which are not involved in metrics collecting and request logging.
var systemEndpoints = []string{"/metrics", "/healthz", "/state"}

// RouterOpts represents options for creating chi.Router.
type RouterOpts struct {
	ServiceNameInURL string
	APIRoutes        map[APIVersion]APIRoute
	ErrorDomain      string
	HealthCheck      HealthCheck
	MetricsHandler   http.Handler

	// FlowControl admits requests to API routes. It is also reported by /healthz and /state.
	FlowControl *flowcontrol.FlowControl
}

// NewRouter creates a new chi.Router and performs its basic configuration.
func NewRouter(logger log.FieldLogger, opts RouterOpts) chi.Router {
	router := chi.NewRouter()
	configureRouter(router, logger, opts)
	return router
}

func configureRouter(router chi.Router, logger log.FieldLogger, opts RouterOpts) {
	// Expose endpoint for Prometheus.
	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Method(http.MethodGet, "/metrics", metricsHandler)

	healthCheck := opts.HealthCheck
	if opts.FlowControl != nil {
		healthCheck = CombineHealthChecks(opts.HealthCheck, FlowControlHealthCheck(opts.FlowControl))
		router.Method(http.MethodGet, "/state", NewFlowStateHandler(opts.FlowControl))
	}
	router.Method(http.MethodGet, "/healthz", NewHealthCheckHandler(healthCheck))

	router.Route(fmt.Sprintf("/api/%s", opts.ServiceNameInURL), func(router chi.Router) {
		if opts.FlowControl != nil {
			router.Use(middleware.FlowControlWithOpts(opts.FlowControl, opts.ErrorDomain, middleware.FlowControlOpts{
				GetRetryAfter: middleware.FlowControlRetryAfter(opts.FlowControl),
			}))
		}
		for ver, r := range opts.APIRoutes {
			router.Route(fmt.Sprintf("/v%d", ver), r)
		}
	})

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound)
		restapi.RespondError(rw, http.StatusNotFound, apiErr, logger)
	})

	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeMethodNotAllowed, restapi.ErrMessageMethodNotAllowed)
		restapi.RespondError(rw, http.StatusMethodNotAllowed, apiErr, logger)
	})
}

func applyDefaultMiddlewaresToRouter(
	router chi.Router, cfg *Config, logger log.FieldLogger, errDomain string, promMetrics *middleware.HTTPRequestMetricsCollector,
) {
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			handler.ServeHTTP(rw, r.WithContext(middleware.NewContextWithRequestStartTime(r.Context(), time.Now())))
		})
	})
	router.Use(middleware.RequestID())
	router.Use(middleware.LoggingWithOpts(logger, middleware.LoggingOpts{
		RequestStart:         cfg.Log.RequestStart,
		ExcludedEndpoints:    systemEndpoints,
		SlowRequestThreshold: time.Duration(cfg.Log.SlowRequestThreshold),
	}))
	router.Use(middleware.Recovery(errDomain))
	router.Use(middleware.HTTPRequestMetricsWithOpts(promMetrics, GetChiRoutePattern, middleware.HTTPRequestMetricsOpts{
		ExcludedEndpoints: systemEndpoints,
	}))
	if cfg.Limits.MaxBodySize > 0 {
		router.Use(middleware.RequestBodyLimitWithOpts(uint64(cfg.Limits.MaxBodySize), errDomain, middleware.RequestBodyLimitOpts{
			ExcludedEndpoints: systemEndpoints,
		}))
	}
}

// GetChiRoutePattern extracts chi route pattern from request.
func GetChiRoutePattern(r *http.Request) string {
	// modified code from https://github.com/go-chi/chi/issues/270#issuecomment-479184559
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}

	routePath := r.URL.RawPath
	if routePath == "" {
		routePath = r.URL.Path
	}

	tctx := chi.NewRouteContext()
	if !rctx.Routes.Match(tctx, r.Method, routePath) {
		return ""
	}
	return tctx.RoutePattern()
}

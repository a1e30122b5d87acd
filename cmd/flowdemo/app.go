/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/health"
	"github.com/acronis/go-flowcontrol/httpclient"
	"github.com/acronis/go-flowcontrol/httpserver"
	"github.com/acronis/go-flowcontrol/internal/libinfo"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/profserver"
	"github.com/acronis/go-flowcontrol/redislimit"
	"github.com/acronis/go-flowcontrol/restapi"
	"github.com/acronis/go-flowcontrol/service"
)

const (
	metricsNamespace = "flowdemo"
	flowControlName  = "ingest"
)

// app holds everything flowdemo runs. Unit is started by service.Service.
type app struct {
	FlowControl *flowcontrol.FlowControl
	HTTPServer  *httpserver.HTTPServer
	Unit        *service.CompositeUnit
	Registry    *prometheus.Registry

	closers []func() error
}

func newApp(cfg *AppConfig, logger log.FieldLogger) (*app, error) {
	a := &app{Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	restapi.MustInitAndRegisterMetrics(metricsNamespace, a.Registry)

	source, err := a.newResourceSource(cfg.Demo, logger)
	if err != nil {
		return nil, err
	}

	var limiter flowcontrol.RateLimiter
	if cfg.Demo.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Demo.RedisAddress})
		a.closers = append(a.closers, rdb.Close)
		limiter = redislimit.New(rdb, redislimit.Opts{Key: "flowdemo:" + flowControlName, Logger: logger})
	}

	fcMetrics := flowcontrol.NewPrometheusMetricsWithOpts(flowcontrol.PrometheusMetricsOpts{Namespace: metricsNamespace})
	fcMetrics.MustRegisterIn(a.Registry)

	a.FlowControl, err = flowcontrol.NewWithOpts(cfg.FlowControl, flowcontrol.Opts{
		Name:             flowControlName,
		Logger:           logger,
		RateLimiter:      limiter,
		ResourceSource:   source,
		MetricsCollector: fcMetrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	proc := newSimulatedProcessor(cfg.Demo, time.Now().UnixNano())

	units := []service.Unit{newFlowControlUnit(a.FlowControl, cfg.FlowControl.Adaptive.Enabled)}
	for i := 0; i < cfg.Demo.Producers; i++ {
		producerLogger := logger.With(log.Int("producer", i))
		units = append(units, service.NewWorkerUnit(
			newProducer(a.FlowControl, proc, time.Duration(cfg.Demo.ProduceInterval), producerLogger)))
	}

	a.HTTPServer = httpserver.New(cfg.Server, logger, httpserver.Opts{
		ServiceNameInURL: serviceNameInURL,
		ErrorDomain:      errorDomain,
		APIRoutes:        map[httpserver.APIVersion]httpserver.APIRoute{1: apiRoutesV1(proc, logger)},
		MetricsHandler:   promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		FlowControl:      a.FlowControl,
		HTTPRequestMetrics: httpserver.HTTPRequestMetricsOpts{
			Namespace:  metricsNamespace,
			Registerer: a.Registry,
		},
	})
	units = append(units, a.HTTPServer)

	if cfg.ProfServer.Enabled {
		units = append(units, profserver.NewWithOpts(cfg.ProfServer, logger, profserver.Opts{
			FlowControls: []*flowcontrol.FlowControl{a.FlowControl},
		}))
	}

	a.Unit = service.NewCompositeUnit(units...)
	return a, nil
}

func (a *app) newResourceSource(cfg *DemoConfig, logger log.FieldLogger) (flowcontrol.ResourceSource, error) {
	if cfg.PrometheusURL == "" {
		return health.NewSimulatedSource(health.SimulatedSourceOpts{Seed: time.Now().UnixNano(), Logger: logger}), nil
	}
	collector := httpclient.NewPrometheusMetricsCollector(metricsNamespace, a.Registry)
	collector.MustRegister()
	source, err := health.NewPrometheusSource(cfg.PrometheusURL, health.PrometheusSourceOpts{
		RoundTripper: httpclient.NewRoundTripper(httpclient.Opts{
			UserAgent:   "flowdemo/" + libinfo.GetLibVersion(),
			RequestType: "prometheus",
			Logger:      logger,
			LoggingMode: httpclient.LoggingModeFailed,
			Collector:   collector,
		}),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus resource source: %w", err)
	}
	return source, nil
}

// run starts the service and blocks until ctx is done, a shutdown signal comes, or a unit fails.
func (a *app) run(ctx context.Context, logger log.FieldLogger) error {
	defer a.close()
	return service.New(logger, a.Unit).StartContext(ctx)
}

func (a *app) close() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// newFlowControlUnit runs the monitor, and the adaptive tuner if enabled, with the intervals of the active config.
func newFlowControlUnit(fc *flowcontrol.FlowControl, adaptive bool) service.Unit {
	units := []service.Unit{service.NewWorkerUnit(service.WorkerFunc(func(ctx context.Context) error {
		return fc.RunMonitor(ctx, 0)
	}))}
	if adaptive {
		units = append(units, service.NewWorkerUnit(service.WorkerFunc(func(ctx context.Context) error {
			return fc.RunAdaptiveTuning(ctx, 0, 0)
		})))
	}
	return service.NewCompositeUnit(units...)
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/retry"
)

// Default PromQL queries. Both return utilization in percents and rely on node_exporter metrics.
const (
	DefaultCPUQuery    = `100 * (1 - avg(rate(node_cpu_seconds_total{mode="idle"}[5m])))`
	DefaultMemoryQuery = `100 * (1 - sum(node_memory_MemAvailable_bytes) / sum(node_memory_MemTotal_bytes))`
)

// Default values for PrometheusSourceOpts.
const (
	DefaultQueryTimeout     = 3 * time.Second
	DefaultRetryInterval    = 200 * time.Millisecond
	DefaultRetryMaxAttempts = 2
)

// ErrNoData is returned when a query has no samples.
var ErrNoData = errors.New("query returned no data")

// PrometheusSourceOpts represents options for PrometheusSource.
type PrometheusSourceOpts struct {
	CPUQuery    string
	MemoryQuery string

	// QueryTimeout limits every single query attempt.
	QueryTimeout time.Duration

	// RetryPolicy is used for transient failures (network errors, 5xx, query timeouts).
	// By default, a constant backoff policy with 2 retries is used.
	RetryPolicy retry.Policy

	// RoundTripper is used by the underlying HTTP client. http.DefaultTransport is used if nil.
	RoundTripper http.RoundTripper

	Logger log.FieldLogger
}

// PrometheusSource fetches resource usage from the Prometheus HTTP API.
type PrometheusSource struct {
	api          v1.API
	cpuQuery     string
	memoryQuery  string
	queryTimeout time.Duration
	retryPolicy  retry.Policy
	logger       log.FieldLogger
	now          func() time.Time
}

var _ flowcontrol.ResourceSource = (*PrometheusSource)(nil)

// NewPrometheusSource creates a new PrometheusSource for the Prometheus server at address.
func NewPrometheusSource(address string, opts PrometheusSourceOpts) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: address, RoundTripper: opts.RoundTripper})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	if opts.CPUQuery == "" {
		opts.CPUQuery = DefaultCPUQuery
	}
	if opts.MemoryQuery == "" {
		opts.MemoryQuery = DefaultMemoryQuery
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = retry.NewConstantBackoffPolicy(DefaultRetryInterval, DefaultRetryMaxAttempts)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &PrometheusSource{
		api:          v1.NewAPI(client),
		cpuQuery:     opts.CPUQuery,
		memoryQuery:  opts.MemoryQuery,
		queryTimeout: opts.QueryTimeout,
		retryPolicy:  opts.RetryPolicy,
		logger:       opts.Logger,
		now:          time.Now,
	}, nil
}

// FetchResourceUsage implements flowcontrol.ResourceSource.
func (s *PrometheusSource) FetchResourceUsage(ctx context.Context) (flowcontrol.ResourceUsage, error) {
	cpu, err := s.query(ctx, s.cpuQuery)
	if err != nil {
		return flowcontrol.ResourceUsage{}, fmt.Errorf("fetch cpu usage: %w", err)
	}
	memory, err := s.query(ctx, s.memoryQuery)
	if err != nil {
		return flowcontrol.ResourceUsage{}, fmt.Errorf("fetch memory usage: %w", err)
	}
	return flowcontrol.ResourceUsage{MemoryPercent: memory, CPUPercent: cpu}, nil
}

func (s *PrometheusSource) query(ctx context.Context, query string) (float64, error) {
	notify := func(err error, next time.Duration) {
		s.logger.Warn("prometheus query failed, retrying",
			log.String("query", query), log.Error(err), log.Duration("retry_after", next))
	}
	return retry.DoWithRetryValue(ctx, s.retryPolicy, isRetryableQueryError, notify, func(ctx context.Context) (float64, error) {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
		result, warnings, err := s.api.Query(queryCtx, query, s.now())
		if err != nil {
			return 0, err
		}
		if len(warnings) > 0 {
			s.logger.Warn("prometheus query returned warnings", log.String("query", query), log.Strings("warnings", warnings))
		}
		return extractValue(result)
	})
}

// extractValue takes the first sample of an instant vector or a scalar.
func extractValue(result model.Value) (float64, error) {
	var val model.SampleValue
	switch v := result.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, ErrNoData
		}
		val = v[0].Value
	case *model.Scalar:
		val = v.Value
	default:
		return 0, fmt.Errorf("unexpected result type %s", result.Type())
	}
	f := float64(val)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: value is %v", ErrNoData, f)
	}
	return f, nil
}

// isRetryableQueryError reports whether the query may succeed if repeated.
// Transport errors are returned by the client as is, API errors are typed.
func isRetryableQueryError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *v1.Error
	if !errors.As(err, &apiErr) {
		return !errors.Is(err, ErrNoData)
	}
	switch apiErr.Type {
	case v1.ErrServer, v1.ErrTimeout:
		return true
	}
	return false
}

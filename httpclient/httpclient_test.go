/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-flowcontrol/httpserver/middleware"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/log/logtest"
	"github.com/acronis/go-flowcontrol/testutil"
)

type roundTripperFunc func(r *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestNew(t *testing.T) {
	var gotUserAgent, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		gotRequestID = r.Header.Get("X-Request-ID")
		rw.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	logger := logtest.NewRecorder()
	collector := NewPrometheusMetricsCollector("", prometheus.NewRegistry())
	client := New(Opts{
		Timeout:     time.Second * 5,
		UserAgent:   "flowdemo/1.0",
		RequestType: "prometheus",
		Logger:      logger,
		Collector:   collector,
	})

	ctx := middleware.NewContextWithRequestID(context.Background(), "req-42")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/query", http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusTeapot, resp.StatusCode)
	require.Equal(t, "flowdemo/1.0", gotUserAgent)
	require.Equal(t, "req-42", gotRequestID)

	entry, found := logger.FindEntryByFilter(func(e logtest.RecordedEntry) bool {
		return strings.HasPrefix(e.Text, "client http request GET "+serverURL.Host)
	})
	require.True(t, found)
	require.Equal(t, log.LevelInfo, entry.Level)
	reqType, _ := entry.StringField("req_type")
	require.Equal(t, "prometheus", reqType)
	status, ok := entry.FindField("status")
	require.True(t, ok)
	require.EqualValues(t, http.StatusTeapot, status.Int)

	hist := collector.Durations.WithLabelValues("prometheus", serverURL.Host, http.MethodGet, "418").(prometheus.Histogram)
	testutil.RequireSamplesCountInHistogram(t, hist, 1)
}

func TestUserAgentRoundTripper(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		appendUA bool
		want     string
	}{
		{name: "empty header is set", header: "", want: "flowdemo"},
		{name: "existing header is kept", header: "curl/8.0", want: "curl/8.0"},
		{name: "existing header is appended", header: "curl/8.0", appendUA: true, want: "curl/8.0 flowdemo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			rt := NewUserAgentRoundTripper(roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				got = r.Header.Get("User-Agent")
				return &http.Response{StatusCode: http.StatusOK}, nil
			}), "flowdemo")
			rt.Append = tt.appendUA
			req := httptest.NewRequest(http.MethodGet, "http://localhost", http.NoBody)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			_, err := rt.RoundTrip(req)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRequestIDRoundTripper_KeepsExplicitHeader(t *testing.T) {
	var got string
	rt := NewRequestIDRoundTripper(roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		got = r.Header.Get("X-Request-ID")
		return &http.Response{StatusCode: http.StatusOK}, nil
	}))
	req := httptest.NewRequest(http.MethodGet, "http://localhost", http.NoBody)
	req = req.WithContext(middleware.NewContextWithRequestID(req.Context(), "from-ctx"))
	req.Header.Set("X-Request-ID", "explicit")
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, "explicit", got)
}

func TestLoggingRoundTripper(t *testing.T) {
	okTransport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	errTransport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	t.Run("failed mode skips successful requests", func(t *testing.T) {
		logger := logtest.NewRecorder()
		rt := NewLoggingRoundTripperWithOpts(okTransport, "test", LoggingRoundTripperOpts{Logger: logger, Mode: LoggingModeFailed})
		_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "http://localhost", http.NoBody))
		require.NoError(t, err)
		require.Empty(t, logger.Entries())
	})

	t.Run("transport error is logged as error", func(t *testing.T) {
		logger := logtest.NewRecorder()
		rt := NewLoggingRoundTripperWithOpts(errTransport, "test", LoggingRoundTripperOpts{Logger: logger, Mode: LoggingModeFailed})
		_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "http://localhost", http.NoBody))
		require.Error(t, err)
		entries := logger.Entries()
		require.Len(t, entries, 1)
		require.Equal(t, log.LevelError, entries[0].Level)
	})

	t.Run("logger from context wins", func(t *testing.T) {
		fallback := logtest.NewRecorder()
		ctxLogger := logtest.NewRecorder()
		rt := NewLoggingRoundTripperWithOpts(okTransport, "test", LoggingRoundTripperOpts{Logger: fallback})
		req := httptest.NewRequest(http.MethodGet, "http://localhost", http.NoBody)
		req = req.WithContext(middleware.NewContextWithLogger(req.Context(), ctxLogger))
		_, err := rt.RoundTrip(req)
		require.NoError(t, err)
		require.Empty(t, fallback.Entries())
		require.Len(t, ctxLogger.Entries(), 1)
	})

	t.Run("fast requests are not logged", func(t *testing.T) {
		logger := logtest.NewRecorder()
		rt := NewLoggingRoundTripperWithOpts(okTransport, "test", LoggingRoundTripperOpts{
			Logger: logger, SlowRequestThreshold: time.Hour,
		})
		_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "http://localhost", http.NoBody))
		require.NoError(t, err)
		require.Empty(t, logger.Entries())
	})
}

func TestMetricsRoundTripper_TransportError(t *testing.T) {
	collector := NewPrometheusMetricsCollector("test", prometheus.NewRegistry())
	rt := NewMetricsRoundTripper(roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("dial failed")
	}), "prometheus", collector)
	_, err := rt.RoundTrip(httptest.NewRequest(http.MethodPost, "http://prom:9090/api/v1/query", http.NoBody))
	require.Error(t, err)
	hist := collector.Durations.WithLabelValues("prometheus", "prom:9090", http.MethodPost, "0").(prometheus.Histogram)
	testutil.RequireSamplesCountInHistogram(t, hist, 1)
}

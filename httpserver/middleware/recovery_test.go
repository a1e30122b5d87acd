/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log"
	"github.com/acronis/go-flowcontrol/log/logtest"
	"github.com/acronis/go-flowcontrol/restapi"
	"github.com/acronis/go-flowcontrol/testutil"
)

func TestRecovery(t *testing.T) {
	t.Run("panic is logged as processor panic and answered with 500", func(t *testing.T) {
		logger := logtest.NewRecorder()
		handler := Recovery(testErrDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			panic("processor exploded")
		}))
		lp := &LoggingParams{}
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(NewContextWithLoggingParams(NewContextWithLogger(req.Context(), logger), lp))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)

		var respData restapi.ErrorResponseData
		testutil.RequireJSONInRecorder(t, resp, http.StatusInternalServerError, &respData)
		require.Equal(t, testErrDomain, respData.Err.Domain)

		entry, found := logger.FindEntry("request handler panicked")
		require.True(t, found)
		require.Equal(t, log.LevelError, entry.Level)
		_, found = entry.FindField("stack")
		require.True(t, found)
		errField, found := entry.FindField("error")
		require.True(t, found)
		loggedErr, ok := errField.Any.(error)
		require.True(t, ok)
		testutil.RequireErrorWraps(t, loggedErr, flowcontrol.ErrProcessorPanic, "processor exploded")

		require.Contains(t, lp.getFields(), log.Bool("panic", true))
	})

	t.Run("stack is not logged if disabled", func(t *testing.T) {
		logger := logtest.NewRecorder()
		handler := RecoveryWithOpts(testErrDomain, RecoveryOpts{})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			panic("oops")
		}))
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(NewContextWithLogger(req.Context(), logger)))
		entry, found := logger.FindEntry("request handler panicked")
		require.True(t, found)
		_, found = entry.FindField("stack")
		require.False(t, found)
	})

	t.Run("OnPanic is called before the response", func(t *testing.T) {
		var gotErr error
		var gotPath string
		handler := RecoveryWithOpts(testErrDomain, RecoveryOpts{OnPanic: func(r *http.Request, err error) {
			gotPath, gotErr = r.URL.Path, err
		}})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			panic(42)
		}))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
		require.Equal(t, http.StatusInternalServerError, resp.Code)
		require.Equal(t, "/ingest", gotPath)
		testutil.RequireErrorWraps(t, gotErr, flowcontrol.ErrProcessorPanic, "42")
	})

	t.Run("ErrAbortHandler is propagated", func(t *testing.T) {
		called := false
		handler := RecoveryWithOpts(testErrDomain, RecoveryOpts{OnPanic: func(*http.Request, error) { called = true }})(
			http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				panic(http.ErrAbortHandler)
			}))
		require.PanicsWithValue(t, http.ErrAbortHandler, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
		require.False(t, called)
	})
}

func TestRecovery_PanicBehindFlowControl(t *testing.T) {
	fc := newTestFlowControl(t, flowcontrol.NewDefaultConfig())
	var failuresAtPanic int64
	handler := RecoveryWithOpts(testErrDomain, RecoveryOpts{OnPanic: func(*http.Request, error) {
		failuresAtPanic = fc.Metrics().ErrorCount
	}})(FlowControl(fc, testErrDomain)(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/ingest", nil))
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.EqualValues(t, 1, failuresAtPanic)
	require.Zero(t, fc.Metrics().BufferSize)
}

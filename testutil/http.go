/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

// RequireJSONInRecorder asserts that passing httptest.ResponseRecorder contains a JSON body
// with the expected HTTP code and decodes the body into dst.
func RequireJSONInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, dst interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireJSONInResponse(t, resp.Code, resp.Header(), resp.Body, wantHTTPCode, dst)
}

// RequireJSONInResponse asserts that passing http.Response contains a JSON body
// with the expected HTTP code and decodes the body into dst.
func RequireJSONInResponse(t require.TestingT, resp *http.Response, wantHTTPCode int, dst interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireJSONInResponse(t, resp.StatusCode, resp.Header, resp.Body, wantHTTPCode, dst)
}

func requireJSONInResponse(
	t require.TestingT, code int, header http.Header, body io.Reader, wantHTTPCode int, dst interface{},
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, code)
	require.Equal(t, contentTypeAppJSON, header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(body).Decode(dst))
}

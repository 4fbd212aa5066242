// Package testutil provides shared helpers for HTTP handler tests.
//
// The monitor surface is all small JSON handlers; these helpers collapse
// the request/record/inspect boilerplate those tests share.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ServeFunc runs a single request through handler and returns the
// recorded response. A nil body sends an empty request.
func ServeFunc(t *testing.T, handler http.HandlerFunc, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

// Serve runs a single request through a full handler, typically a mux,
// and returns the recorded response.
func Serve(t *testing.T, handler http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return ServeFunc(t, handler.ServeHTTP, method, target, body)
}

// RequireStatus fails the test when the recorded status differs from
// want, echoing the body so the mismatch reads straight off the output.
func RequireStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, want, w.Body.String())
	}
}

// DecodeJSON decodes the recorded response body into out.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

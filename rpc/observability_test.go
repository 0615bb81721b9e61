package rpc

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracingMiddlewarePreservesResponse(t *testing.T) {
	tracing := NewTracing("test-gateway", slog.Default())

	handler := tracing.Middleware("escrow.create")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("payload"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/escrow/create", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "payload", rec.Body.String())
}

func TestTracingMiddlewareDefaultsStatusOK(t *testing.T) {
	tracing := NewTracing("", nil)

	handler := tracing.Middleware("escrow.get")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/escrow/abc", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

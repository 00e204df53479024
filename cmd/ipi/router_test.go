package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ipi/evaluator"
	"github.com/arloliu/go-ipi/ipisock"
)

func newTestServer(t *testing.T) *ipisock.Server {
	t.Helper()

	cfg, err := ipisock.NewConnectionConfig("127.0.0.1", 0,
		ipisock.WithAcceptTimeout(20*time.Millisecond),
		ipisock.WithMaxSessions(2),
	)
	require.NoError(t, err)

	srv, err := ipisock.NewServer(cfg, &evaluator.LennardJones{Epsilon: 1, Sigma: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	return srv
}

func TestRouter(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t)

	reg := prometheus.NewRegistry()
	require.NoError(ipisock.RegisterMetrics(reg, "ipi", srv))

	router := newRouter(srv, reg)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		return rec
	}

	// not opened yet
	require.Equal(http.StatusServiceUnavailable, get("/healthz").Code)

	require.NoError(srv.Open(context.Background()))

	rec := get("/healthz")
	require.Equal(http.StatusOK, rec.Code)
	require.Equal("OK", rec.Body.String())

	rec = get("/sessions")
	require.Equal(http.StatusOK, rec.Code)
	require.Equal("application/json", rec.Header().Get("Content-Type"))

	var sessions []sessionInfo
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Empty(sessions)

	rec = get("/metrics")
	require.Equal(http.StatusOK, rec.Code)
	require.True(strings.Contains(rec.Body.String(), "ipi_server_active_sessions 0"))

	require.Equal(http.StatusNotFound, get("/unknown").Code)
}

package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/go-ipi/ipi"
	"github.com/arloliu/go-ipi/ipisock"
)

type sessionInfo struct {
	ID        uint64 `json:"id"`
	State     string `json:"state"`
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_received"`
}

// newRouter serves the health, session and metrics endpoints of "ipi serve".
func newRouter(srv *ipisock.Server, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if srv.OpState() != ipisock.OpenedState {
			http.Error(w, srv.OpState().String(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		sessions := make([]sessionInfo, 0, srv.SessionCount())
		srv.Sessions(func(sess *ipi.Session) bool {
			sessions = append(sessions, sessionInfo{
				ID:        sess.ID(),
				State:     sess.State().String(),
				BytesSent: sess.BytesSent(),
				BytesRecv: sess.BytesReceived(),
			})

			return true
		})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sessions)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

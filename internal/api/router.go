package api

import (
	"net/http"
	"time"

	"gg_jobs_agent/internal/api/handler"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// HealthFunc reports whether the message transport is usable.
type HealthFunc func() bool

func NewRouter(agentHandler *handler.AgentHandler, healthy HealthFunc) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("broker disconnected"))
			return
		}
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Route("/agent", agentHandler.RegisterRoutes)
	})

	return r
}

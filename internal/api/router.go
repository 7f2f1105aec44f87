package api

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"codesync/server/internal/api/middleware"
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
}

// NewRouter mounts the read-only query endpoints, code execution, the
// websocket endpoint and Prometheus metrics.
func NewRouter(logger zerolog.Logger, h *Handler, ws http.Handler, opts Options) http.Handler {
	r := mux.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)

	r.Handle("/metrics", promhttp.Handler())
	if ws != nil {
		r.Handle("/ws", ws)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/chat", h.GetChat).Methods(http.MethodGet)
	api.HandleFunc("/execute", h.Execute).Methods(http.MethodPost)

	// CORS wraps the router so preflight requests are answered before
	// route matching.
	return cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})(r)
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server hosts the live connection endpoint and the health check.
type Server struct {
	Router *chi.Mux
	Port   int

	logger *slog.Logger
	http   *http.Server
}

// New builds the router with the standard middleware chain and mounts
// the websocket endpoint. The websocket route is long-lived and sits
// outside the timeout middleware.
func New(port int, ws *WSHandler, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "sitechat")
	})

	r.Handle("/ws", ws)

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(30 * time.Second))
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status":        "ok",
				"conversations": ws.hub.Conversations(),
			})
		})
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

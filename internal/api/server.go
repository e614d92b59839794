package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/ratelimit"
)

// Routes builds the router. Session and action endpoints share the per-user
// rate limit; health does not.
func (h *Handler) Routes(limiter *ratelimit.PerUser, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(LoggingMiddleware(h.log))
	api.Use(RateLimitMiddleware(limiter, requestsPerHour))

	api.HandleFunc("/sessions", h.StartSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.StopSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/harvest", h.HarvestSession).Methods("POST")

	api.HandleFunc("/actions", h.EnqueueAction).Methods("POST")
	api.HandleFunc("/actions/{id}", h.GetActionLog).Methods("GET")

	return r
}

// Server wraps http.Server with sane timeouts and graceful shutdown.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

func NewServer(addr string, handler http.Handler, log *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		log: log,
	}
}

func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

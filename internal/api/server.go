package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/accounts"
	"github.com/JakeFAU/commentary-coordinator/internal/coordinator"
	"github.com/JakeFAU/commentary-coordinator/internal/metrics"
	"github.com/JakeFAU/commentary-coordinator/internal/middleware"
)

// Distributor is the slice of the coordinator the handlers need. The concrete
// *coordinator.Coordinator satisfies it.
type Distributor interface {
	Status(ctx context.Context) (coordinator.Status, error)
	AccountsSnapshot(ctx context.Context) ([]accounts.View, error)
	RequestRestart(ctx context.Context, workerID string) error
}

// Server wires the admin routes to the distributor.
type Server struct {
	router  chi.Router
	coord   Distributor
	timeout time.Duration
	logger  *zap.Logger
}

// queryTimeout bounds one reactor round-trip so a stalled coordinator cannot
// pin request goroutines.
const queryTimeout = 5 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(coord Distributor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:   coord,
		timeout: queryTimeout,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Metrics)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(15 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/accounts", s.getAccounts)
		r.Post("/workers/{worker_id}/restart", s.restartWorker)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz answers ready only while the reactor is accepting queries, so the
// probe flips during startup and shutdown.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if _, err := s.coord.Status(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	st, err := s.coord.Status(ctx)
	if err != nil {
		s.writeQueryError(w, "status query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	views, err := s.coord.AccountsSnapshot(ctx)
	if err != nil {
		s.writeQueryError(w, "accounts query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (s *Server) restartWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	err := s.coord.RequestRestart(ctx, workerID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"worker_id": workerID,
			"status":    "restart_requested",
		})
	case errors.Is(err, coordinator.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, "worker not connected")
	default:
		s.writeQueryError(w, "restart request failed", err)
	}
}

// writeQueryError maps distributor errors onto HTTP statuses.
func (s *Server) writeQueryError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	switch {
	case errors.Is(err, coordinator.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "coordinator stopped")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "coordinator query timed out")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

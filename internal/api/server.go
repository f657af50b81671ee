package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/coordinator"
	"github.com/JakeFAU/map-harvester/internal/export"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/metrics"
	"github.com/JakeFAU/map-harvester/internal/progress/sinks"
)

// Runs is the slice of the coordinator the API drives.
type Runs interface {
	Start(ctx context.Context, req coordinator.StartRequest) (harvest.Run, error)
	Resume(ctx context.Context, runID string) (harvest.Run, error)
	Status(ctx context.Context, runID string) (coordinator.Status, error)
	Cancel(ctx context.Context, runID string) error
	List(ctx context.Context, limit int) ([]harvest.Run, error)
	Units(ctx context.Context, runID string, filter harvest.UnitFilter) ([]harvest.WorkUnit, error)
	Failed(ctx context.Context, runID string) ([]harvest.WorkUnit, error)
	RetryUnit(ctx context.Context, runID string, ordinal int64) error
	RequeueFailed(ctx context.Context, runID string) (int, error)
	Purge(ctx context.Context, runID string) error
	Export(ctx context.Context, runID string, format export.Format) (string, error)
	Ready(ctx context.Context) error
}

var _ Runs = (*coordinator.Coordinator)(nil)

// LiveReader serves the cached per-run view kept by the Redis sink.
type LiveReader interface {
	Live(ctx context.Context, runID string) (sinks.LiveStatus, bool, error)
}

// Options tune the server.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// ExportFormat is used when an export request names none.
	ExportFormat export.Format
}

// Server wires HTTP handlers to the coordinator.
type Server struct {
	router chi.Router
	runs   Runs
	live   LiveReader
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. live may be nil.
func NewServer(runs Runs, live LiveReader, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ExportFormat == "" {
		opts.ExportFormat = export.FormatCSV
	}
	s := &Server{runs: runs, live: live, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))
	if opts.AuthEnabled {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.startRun)
		r.Get("/", s.listRuns)
		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", s.runStatus)
			r.Delete("/", s.purgeRun)
			r.Post("/resume", s.resumeRun)
			r.Post("/cancel", s.cancelRun)
			r.Get("/units", s.listUnits)
			r.Get("/failed", s.listFailed)
			r.Post("/retry", s.requeueFailed)
			r.Post("/units/{ordinal}/retry", s.retryUnit)
			r.Post("/export", s.exportRun)
			r.Get("/live", s.liveStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Ready(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, harvest.ErrRunNotFound), errors.Is(err, harvest.ErrUnitNotFound):
		return http.StatusNotFound
	case errors.Is(err, harvest.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, harvest.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, harvest.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health checks stay reachable without a key.
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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

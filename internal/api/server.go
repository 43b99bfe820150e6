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

	"github.com/JakeFAU/rss-topic-crawler/internal/metrics"
	"github.com/JakeFAU/rss-topic-crawler/internal/orchestrator"
	"github.com/JakeFAU/rss-topic-crawler/internal/sources"
)

// SnapshotSource exposes the snapshot currently in force without touching disk.
type SnapshotSource interface {
	Current() *sources.Snapshot
	Path() string
}

// StatusSource reports orchestrator progress.
type StatusSource interface {
	State() orchestrator.State
	LastIteration() (orchestrator.Stats, bool)
}

// Server wires HTTP handlers to the crawler components.
type Server struct {
	router  chi.Router
	sources SnapshotSource
	status  StatusSource
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. status may be nil
// when no orchestrator runs in this process.
func NewServer(src SnapshotSource, status StatusSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sources: src,
		status:  status,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.getSources)
		r.Get("/status", s.getStatus)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Current() == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no sources loaded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourcesResponse struct {
	Path            string    `json:"path"`
	ModTime         time.Time `json:"mod_time"`
	ExcludePatterns []string  `json:"exclude_patterns"`
	SearchEngines   int       `json:"search_engines"`
	RSSFeeds        int       `json:"rss_feeds"`
	UserAgents      int       `json:"user_agents"`
}

func (s *Server) getSources(w http.ResponseWriter, _ *http.Request) {
	snap := s.sources.Current()
	if snap == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no snapshot loaded from %s", s.sources.Path()))
		return
	}
	s.writeJSON(w, http.StatusOK, sourcesResponse{
		Path:            snap.Path,
		ModTime:         snap.ModTime,
		ExcludePatterns: snap.ExcludeRaw,
		SearchEngines:   len(snap.SearchEngines),
		RSSFeeds:        len(snap.RSSFeeds),
		UserAgents:      len(snap.UserAgents),
	})
}

type iterationResponse struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Topics    int       `json:"topics"`
	Batches   int       `json:"batches"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
}

type statusResponse struct {
	State         string             `json:"state"`
	LastIteration *iterationResponse `json:"last_iteration,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusNotFound, "orchestrator not running in this process")
		return
	}
	resp := statusResponse{State: s.status.State().String()}
	if last, ok := s.status.LastIteration(); ok {
		resp.LastIteration = &iterationResponse{
			ID:        last.ID,
			StartedAt: last.StartedAt,
			EndedAt:   last.EndedAt,
			Topics:    last.Topics,
			Batches:   last.Batches,
			Succeeded: last.Succeeded,
			Failed:    last.Failed,
			Skipped:   last.Skipped,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

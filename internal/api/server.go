// Package api exposes the HTTP interface for the document service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/saidsurucu/yoktez-mcp/internal/browser"
	"github.com/saidsurucu/yoktez-mcp/internal/cache"
	"github.com/saidsurucu/yoktez-mcp/internal/config"
	"github.com/saidsurucu/yoktez-mcp/internal/fetcher"
	"github.com/saidsurucu/yoktez-mcp/internal/id/uuid"
	"github.com/saidsurucu/yoktez-mcp/internal/metrics"
	"github.com/saidsurucu/yoktez-mcp/internal/middleware"
)

const defaultRequestTimeout = 60 * time.Second

// PoolController is the subset of the browser pool the API drives.
type PoolController interface {
	Stats() browser.Stats
	Warmup(ctx context.Context, count int) int
	Closed() bool
}

// CacheController is the subset of the tiered cache the API drives.
type CacheController interface {
	Stats() cache.Stats
	Clear(ctx context.Context) error
}

// DocumentFetcher serves documents through the cache.
type DocumentFetcher interface {
	Fetch(ctx context.Context, mode fetcher.Mode, rawURL string) (fetcher.Document, error)
}

// Server wires HTTP handlers to the pool, cache and fetcher.
type Server struct {
	router chi.Router
	pool   PoolController
	cache  CacheController
	docs   DocumentFetcher
	cfg    config.Config
	logger *zap.Logger
}

type statsResponse struct {
	Pool  browser.Stats `json:"pool"`
	Cache cache.Stats   `json:"cache"`
}

type warmupResponse struct {
	Requested int `json:"requested"`
	Created   int `json:"created"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	pool PoolController,
	cacheCtl CacheController,
	docs DocumentFetcher,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pool:   pool,
		cache:  cacheCtl,
		docs:   docs,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.NewGenerator()))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(requestTimeout(cfg)))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Post("/cache/clear", s.clearCache)
		r.Post("/pool/warmup", s.warmup)
		r.Get("/documents", s.getDocument)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestTimeout leaves room for a pool acquire plus a full fetch.
func requestTimeout(cfg config.Config) time.Duration {
	d := cfg.Fetch.RequestTimeout + cfg.Browser.AcquireTimeout + 10*time.Second
	if d < defaultRequestTimeout {
		return defaultRequestTimeout
	}
	return d
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool.Closed() {
		s.writeError(w, http.StatusServiceUnavailable, "browser pool closed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{Pool: s.pool.Stats(), Cache: s.cache.Stats()})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		s.logger.Error("Cache clear failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) warmup(w http.ResponseWriter, r *http.Request) {
	count := s.cfg.Browser.Warmup
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "count must be a non-negative integer")
			return
		}
		count = n
	}
	if s.pool.Closed() {
		s.writeError(w, http.StatusServiceUnavailable, "browser pool closed")
		return
	}
	created := s.pool.Warmup(r.Context(), count)
	s.writeJSON(w, http.StatusOK, warmupResponse{Requested: count, Created: created})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	mode, err := fetcher.ParseMode(q.Get("mode"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := s.docs.Fetch(r.Context(), mode, rawURL)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("Document fetch failed",
				zap.String("url", rawURL),
				zap.String("mode", string(mode)),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
		s.writeError(w, status, err.Error())
		return
	}

	cacheStatus := "MISS"
	if doc.Cached {
		cacheStatus = "HIT"
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Body)))
	w.Header().Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Body); err != nil {
		s.logger.Error("Document write failed", zap.String("url", rawURL), zap.Error(err))
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, fetcher.ErrInvalidURL), errors.Is(err, fetcher.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, browser.ErrPoolExhausted),
		errors.Is(err, browser.ErrEngineUnavailable),
		errors.Is(err, browser.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		// Upstream failures: HTTP status errors, empty payloads and page errors.
		return http.StatusBadGateway
	}
}

func requestIDMiddleware(ids *uuid.Generator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := ids.MustNewID()
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("Request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Write JSON failed", zap.Error(err))
	}
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexa-labs/classifyd/internal/classify"
	"github.com/nexa-labs/classifyd/internal/config"
	"github.com/nexa-labs/classifyd/internal/dispatcher"
	"github.com/nexa-labs/classifyd/internal/metrics"
)

// idempotencyKeyHeader lets clients retry submissions safely.
const idempotencyKeyHeader = "Idempotency-Key"

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	tasks      classify.TaskStore
	catalog    classify.CatalogStore
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. wsJoin handles
// room joins over WebSocket; pass nil to disable the route.
func NewServer(
	dispatch *dispatcher.Dispatcher,
	tasks classify.TaskStore,
	catalog classify.CatalogStore,
	wsJoin http.Handler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: dispatch,
		tasks:      tasks,
		catalog:    catalog,
		cfg:        cfg,
		logger:     logger,
	}

	requestTimeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if wsJoin != nil {
		// The WebSocket upgrade must bypass the timeout wrapper.
		r.Method(http.MethodGet, "/ws", wsJoin)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Route("/classify", func(r chi.Router) {
				r.Post("/single", s.classifySingle)
				r.Post("/batch", s.classifyBatch)
			})
			r.Get("/tasks/{task_id}", s.getTask)
			r.Get("/partnumbers/{code}/classifications", s.listClassifications)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type singleClassifyRequest struct {
	Partnumber     string  `json:"partnumber"`
	Description    *string `json:"description"`
	Manufacturer   *string `json:"manufacturer"`
	Supplier       *string `json:"supplier"`
	UserID         *int64  `json:"user_id"`
	RoomID         string  `json:"room_id"`
	IdempotencyKey *string `json:"idempotency_key"`
}

type batchClassifyRequest struct {
	Partnumbers    []string `json:"partnumbers"`
	UserID         *int64   `json:"user_id"`
	RoomID         string   `json:"room_id"`
	IdempotencyKey *string  `json:"idempotency_key"`
}

func (s *Server) classifySingle(w http.ResponseWriter, r *http.Request) {
	var req singleClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Partnumber) == "" {
		writeError(w, http.StatusBadRequest, "partnumber is required")
		return
	}
	if strings.TrimSpace(req.RoomID) == "" {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}

	task, err := s.dispatcher.StartSingle(r.Context(), classify.SingleRequest{
		Partnumber:     req.Partnumber,
		Description:    req.Description,
		Manufacturer:   req.Manufacturer,
		Supplier:       req.Supplier,
		UserID:         req.UserID,
		RoomID:         req.RoomID,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		s.logger.Error("single dispatch failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "classification engine unavailable")
		return
	}
	writeAccepted(w, task)
}

func (s *Server) classifyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Partnumbers) == 0 {
		writeError(w, http.StatusBadRequest, "partnumbers are required")
		return
	}
	if strings.TrimSpace(req.RoomID) == "" {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}

	task, err := s.dispatcher.StartBatch(r.Context(), classify.BatchRequest{
		Partnumbers:    req.Partnumbers,
		UserID:         req.UserID,
		RoomID:         req.RoomID,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		s.logger.Error("batch dispatch failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "classification engine unavailable")
		return
	}
	writeAccepted(w, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, classify.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) listClassifications(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rows, err := s.catalog.ListClassificationsByPartnumber(r.Context(), code)
	if err != nil {
		s.logger.Error("list classifications failed", zap.String("code", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list classifications")
		return
	}
	if rows == nil {
		rows = []classify.Classification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"classifications": rows})
}

// idempotencyKey prefers the request header over the body field.
func idempotencyKey(r *http.Request, fromBody *string) *string {
	if header := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); header != "" {
		return &header
	}
	return fromBody
}

func writeAccepted(w http.ResponseWriter, task classify.Task) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "classification started",
		"task_id": task.ID,
		"room_id": task.RoomID,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, duration)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

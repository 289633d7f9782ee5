package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon-transfer/internal/analytics"
	"tachyon-transfer/internal/app"
	"tachyon-transfer/internal/config"
	"tachyon-transfer/internal/integrity"
	"tachyon-transfer/internal/queue"
	"tachyon-transfer/internal/security"
	"tachyon-transfer/internal/storage"
)

// DefaultAddr binds the control API to loopback only
const DefaultAddr = "127.0.0.1:7878"

// DefaultMaxConcurrent caps in-flight requests, event streams excluded
const DefaultMaxConcurrent = 32

// Service is the subset of *app.App the control API drives
type Service interface {
	AddDownload(req app.DownloadRequest) (string, error)
	Manager() *queue.Manager
	History(limit int) ([]storage.JobRecord, error)
	Settings() config.Settings
	SetBandwidthLimit(bytesPerSec int) error
	Stats() analytics.AnalyticsData
}

type ControlServer struct {
	svc           Service
	audit         *security.AuditLogger
	policy        security.AccessPolicy
	logger        *slog.Logger
	logs          *logHub
	router        *chi.Mux
	activeReqs    int64
	maxConcurrent int64
	pingInterval  time.Duration
}

// Option customizes a ControlServer
type Option func(*ControlServer)

func WithPolicy(p security.AccessPolicy) Option {
	return func(s *ControlServer) { s.policy = p }
}

func WithMaxConcurrent(n int) Option {
	return func(s *ControlServer) {
		if n > 0 {
			s.maxConcurrent = int64(n)
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(s *ControlServer) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

func NewControlServer(svc Service, audit *security.AuditLogger, logger *slog.Logger, opts ...Option) *ControlServer {
	s := &ControlServer{
		svc:           svc,
		audit:         audit,
		logger:        logger,
		logs:          newLogHub(),
		router:        chi.NewRouter(),
		maxConcurrent: DefaultMaxConcurrent,
		pingInterval:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *ControlServer) Handler() http.Handler {
	return s.router
}

// PublishLog forwards a log entry to every /v1/events client. It is meant as a logger.EventHandler sink.
func (s *ControlServer) PublishLog(e any) {
	s.logs.publish(e)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *ControlServer) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	conn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server failed to bind: %w", err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("Control server listening", "addr", conn.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(conn) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.securityMiddleware)

	s.router.Get("/v1/events", s.handleEvents)

	s.router.Group(func(r chi.Router) {
		r.Use(s.concurrencyLimitMiddleware)

		r.Get("/v1/status", s.handleGetStatus)
		r.Get("/v1/jobs", s.handleListJobs)
		r.Post("/v1/jobs", s.handleEnqueue)
		r.Post("/v1/jobs/cancel-all", s.handleCancelAll)
		r.Delete("/v1/jobs/pending", s.handleClearPending)
		r.Delete("/v1/jobs/finished", s.handleClearFinished)
		r.Get("/v1/jobs/{id}", s.handleGetJob)
		r.Post("/v1/jobs/{id}/cancel", s.handleCancel)
		r.Post("/v1/jobs/{id}/retry", s.handleRetry)
		r.Post("/v1/jobs/{id}/prioritize", s.handlePrioritize)
		r.Get("/v1/history", s.handleHistory)
		r.Get("/v1/stats", s.handleStats)
		r.Put("/v1/settings/bandwidth", s.handleSetBandwidth)
		r.Get("/v1/audit", s.handleAudit)
	})
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			sourceIP = r.RemoteAddr
		}
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if status, reason := s.policy.Check(r); status != 0 {
			s.audit.Log(sourceIP, r.UserAgent(), action, status, reason)
			writeError(w, status, reason)
			return
		}

		s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusOK, "Authorized")
		next.ServeHTTP(w, r)
	})
}

func (s *ControlServer) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > s.maxConcurrent {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Request/Response Models
type EnqueueResponse struct {
	ID string `json:"id"`
}

type CountResponse struct {
	Removed int `json:"removed"`
}

type StatusResponse struct {
	Status         string `json:"status"`
	Pending        int    `json:"pending"`
	Running        int    `json:"running"`
	MaxParallel    int    `json:"max_parallel"`
	BandwidthLimit int    `json:"bandwidth_limit"`
}

type BandwidthRequest struct {
	BytesPerSec int `json:"bytes_per_sec"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	m := s.svc.Manager()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:         "running",
		Pending:        m.PendingCount(),
		Running:        m.RunningCount(),
		MaxParallel:    m.MaxParallel(),
		BandwidthLimit: s.svc.Settings().BandwidthLimit,
	})
}

func (s *ControlServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.svc.Manager().ListJobs()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *ControlServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req app.DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.svc.AddDownload(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id})
	case errors.Is(err, app.ErrInvalidURL), errors.Is(err, integrity.ErrUnsupportedAlgorithm), errors.Is(err, integrity.ErrBadDigest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrBlockedHost):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *ControlServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, ok := s.svc.Manager().GetJob(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *ControlServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m := s.svc.Manager()
	if _, ok := m.GetJob(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !m.Cancel(id) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	info, _ := m.GetJob(id)
	writeJSON(w, http.StatusAccepted, info)
}

func (s *ControlServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m := s.svc.Manager()
	if _, ok := m.GetJob(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	newID, ok := m.Retry(id)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "queue closed")
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: newID})
}

func (s *ControlServer) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m := s.svc.Manager()
	if _, ok := m.GetJob(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !m.Prioritize(id) {
		writeError(w, http.StatusConflict, "job is not pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	s.svc.Manager().CancelAll()
	w.WriteHeader(http.StatusAccepted)
}

func (s *ControlServer) handleClearPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CountResponse{Removed: s.svc.Manager().ClearPending()})
}

func (s *ControlServer) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CountResponse{Removed: s.svc.Manager().ClearFinished()})
}

func (s *ControlServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.History(queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *ControlServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *ControlServer) handleSetBandwidth(w http.ResponseWriter, r *http.Request) {
	var req BandwidthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BytesPerSec < 0 {
		writeError(w, http.StatusBadRequest, "bytes_per_sec must be a non-negative integer")
		return
	}
	if err := s.svc.SetBandwidthLimit(req.BytesPerSec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *ControlServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.GetRecentLogs(queryInt(r, "limit", 50)))
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

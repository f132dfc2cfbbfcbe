package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

const storeTimeout = 3 * time.Second

// PoolStatus reports the running worker pool; the dispatcher satisfies it.
type PoolStatus interface {
	Active() int
	Assignment() map[int][]string
}

// ProxyStatus reads proxy health without taking the pool lock; *proxy.Pool
// satisfies it.
type ProxyStatus interface {
	Snapshot() []proxy.Record
	Healthy(rec proxy.Record) bool
}

// Option customizes a Server.
type Option func(*Server)

// WithProxies exposes the proxy pool on GET /v1/proxies.
func WithProxies(p ProxyStatus) Option {
	return func(s *Server) { s.proxies = p }
}

// Server wires HTTP handlers to the target store and worker pool.
type Server struct {
	router  chi.Router
	store   store.TargetStore
	pool    PoolStatus
	proxies ProxyStatus
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. pool may be nil
// when no workers run in this process.
func NewServer(st store.TargetStore, pool PoolStatus, cfg config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  st,
		pool:   pool,
		logger: logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Route("/v1", func(r chi.Router) {
			r.Get("/targets/summary", s.targetSummary)
			r.Post("/targets/replan", s.replanTargets)
			r.Get("/targets/{target_id}", s.getTarget)
			r.Get("/workers", s.listWorkers)
			r.Get("/proxies", s.listProxies)
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
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.store.Summary(ctx, store.Filter{}); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "target store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type summaryRowDTO struct {
	Partition string `json:"partition"`
	Status    string `json:"status"`
	Count     int64  `json:"count"`
}

type summaryDTO struct {
	Rows   []summaryRowDTO  `json:"rows"`
	Totals map[string]int64 `json:"totals"`
}

// targetSummary handles GET /v1/targets/summary?partitions=A,B.
func (s *Server) targetSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	rows, err := s.store.Summary(ctx, store.Filter{PartitionKeys: splitList(r.URL.Query().Get("partitions"))})
	if err != nil {
		s.logger.Error("target summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to summarize targets")
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(rows))
}

func toSummaryDTO(rows []store.SummaryRow) summaryDTO {
	out := summaryDTO{Rows: make([]summaryRowDTO, 0, len(rows)), Totals: map[string]int64{}}
	for _, row := range rows {
		out.Rows = append(out.Rows, summaryRowDTO{Partition: row.PartitionKey, Status: string(row.Status), Count: row.Count})
		out.Totals[string(row.Status)] += row.Count
	}
	return out
}

type targetDTO struct {
	ID          int64      `json:"id"`
	Partition   string     `json:"partition"`
	City        string     `json:"city"`
	Category    string     `json:"category"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	ClaimedBy   *string    `json:"claimed_by,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	PageCurrent int        `json:"page_current"`
	MaxPages    int        `json:"max_pages"`
	Note        *string    `json:"note,omitempty"`
	PageLog     []pageDTO  `json:"page_log"`
}

type pageDTO struct {
	Page    int       `json:"page"`
	Kind    string    `json:"kind"`
	Worker  string    `json:"worker_id"`
	Records int       `json:"records"`
	URL     string    `json:"url,omitempty"`
	At      time.Time `json:"at"`
}

// getTarget handles GET /v1/targets/{target_id}.
func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "target_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "target_id must be a positive integer")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	if err != nil {
		s.logger.Error("get target failed", zap.Int64("target_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return
	}
	entries, err := s.store.PageLog(ctx, id)
	if err != nil {
		s.logger.Error("page log failed", zap.Int64("target_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load page log")
		return
	}
	dto := targetDTO{
		ID:          t.ID,
		Partition:   t.PartitionKey,
		City:        t.City,
		Category:    t.Category,
		Priority:    t.Priority,
		Status:      string(t.Status),
		ClaimedBy:   t.ClaimedBy,
		HeartbeatAt: t.HeartbeatAt,
		Attempts:    t.Attempts,
		LastError:   t.LastError,
		PageCurrent: t.PageCurrent,
		MaxPages:    t.MaxPages,
		Note:        t.Note,
		PageLog:     make([]pageDTO, 0, len(entries)),
	}
	for _, e := range entries {
		dto.PageLog = append(dto.PageLog, pageDTO{
			Page: e.Page, Kind: string(e.Kind), Worker: e.WorkerID, Records: e.Records, URL: e.ResumeToken, At: e.At,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

type replanRequest struct {
	Partitions []string `json:"partitions"`
	Statuses   []string `json:"statuses"`
}

// replanTargets handles POST /v1/targets/replan. Statuses default to failed
// and parked; only terminal statuses are accepted.
func (s *Server) replanTargets(w http.ResponseWriter, r *http.Request) {
	var req replanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	statuses, err := parseTerminalStatuses(req.Statuses)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	n, err := s.store.Replan(ctx, store.Filter{PartitionKeys: req.Partitions}, statuses)
	if err != nil {
		s.logger.Error("replan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to replan targets")
		return
	}
	s.logger.Info("targets replanned", zap.Int("count", n), zap.Strings("partitions", req.Partitions))
	writeJSON(w, http.StatusOK, map[string]int{"replanned": n})
}

// parseTerminalStatuses parses operator-supplied statuses for a replan.
func parseTerminalStatuses(raw []string) ([]store.Status, error) {
	if len(raw) == 0 {
		return []store.Status{store.StatusFailed, store.StatusParked}, nil
	}
	out := make([]store.Status, 0, len(raw))
	for _, v := range raw {
		st, err := store.ParseStatus(v)
		if err != nil {
			return nil, fmt.Errorf("parse status: %w", err)
		}
		if !st.Terminal() {
			return nil, fmt.Errorf("status %q is not terminal", v)
		}
		out = append(out, st)
	}
	return out, nil
}

type workerDTO struct {
	WorkerID        string    `json:"worker_id"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	CurrentTargetID *int64    `json:"current_target_id,omitempty"`
}

// listWorkers handles GET /v1/workers.
func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	hbs, err := s.store.ListWorkerHeartbeats(ctx)
	if err != nil {
		s.logger.Error("list worker heartbeats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	workers := make([]workerDTO, 0, len(hbs))
	for _, hb := range hbs {
		workers = append(workers, workerDTO{WorkerID: hb.WorkerID, LastHeartbeat: hb.LastHeartbeat, CurrentTargetID: hb.CurrentTargetID})
	}
	resp := map[string]any{"workers": workers}
	if s.pool != nil {
		resp["active"] = s.pool.Active()
		assignment := map[string][]string{}
		for slot, values := range s.pool.Assignment() {
			assignment[strconv.Itoa(slot)] = values
		}
		resp["assignment"] = assignment
	}
	writeJSON(w, http.StatusOK, resp)
}

type proxyDTO struct {
	ID                  int        `json:"id"`
	Proxy               string     `json:"proxy"`
	Health              string     `json:"health"`
	Eligible            bool       `json:"eligible"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BlacklistedUntil    *time.Time `json:"blacklisted_until,omitempty"`
}

// listProxies handles GET /v1/proxies. Addresses are reported by label so
// credentials never leave the process.
func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	if s.proxies == nil {
		writeError(w, http.StatusNotFound, "no proxy pool in this process")
		return
	}
	snap := s.proxies.Snapshot()
	out := make([]proxyDTO, 0, len(snap))
	eligible := 0
	for _, rec := range snap {
		dto := proxyDTO{
			ID:                  rec.ID,
			Proxy:               rec.Label(),
			Health:              string(rec.Health),
			Eligible:            s.proxies.Healthy(rec),
			ConsecutiveFailures: rec.ConsecutiveFailures,
		}
		if !rec.BlacklistedUntil.IsZero() {
			until := rec.BlacklistedUntil
			dto.BlacklistedUntil = &until
		}
		if dto.Eligible {
			eligible++
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": out, "total": len(out), "eligible": eligible})
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
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
			logger.Debug("request completed",
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

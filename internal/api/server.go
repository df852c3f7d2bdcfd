// Package api exposes the read-only HTTP interface for the rank-check
// service. Run submission happens on another surface; this server only
// reports progress and results.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/config"
	"github.com/rankpulse/rankpulse/internal/metrics"
	"github.com/rankpulse/rankpulse/internal/rank"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	requestTimeout  = 60 * time.Second
)

// Server wires HTTP handlers to the batch store.
type Server struct {
	router chi.Router
	store  rank.BatchStore
	logger *zap.Logger
	cfg    config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store rank.BatchStore, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		logger: logger,
		cfg:    cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/items", s.listItems)
				r.Get("/results", s.listResults)
			})
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
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, rank.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		s.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), accountID, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.String("account_id", accountID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	dtos := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, rank.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	items, err := s.store.ListItems(r.Context(), runID)
	if err != nil {
		s.logger.Error("list items failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	dtos := make([]itemDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, toItemDTO(item))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": dtos})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, rank.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	results, err := s.store.ListResults(r.Context(), runID)
	if err != nil {
		s.logger.Error("list results failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	dtos := make([]resultDTO, 0, len(results))
	for _, result := range results {
		dtos = append(dtos, toResultDTO(result))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": dtos})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type runDTO struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	TargetDomain      string     `json:"target_domain"`
	Status            string     `json:"status"`
	TotalKeywords     int        `json:"total_keywords"`
	ProcessedKeywords int        `json:"processed_keywords"`
	SuccessfulChecks  int        `json:"successful_checks"`
	FailedChecks      int        `json:"failed_checks"`
	TotalCreditsUsed  int        `json:"total_credits_used"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type itemDTO struct {
	ID            string `json:"id"`
	KeywordID     string `json:"keyword_id"`
	SearchTerm    string `json:"search_term"`
	LocationCode  string `json:"location_code"`
	DesktopStatus string `json:"desktop_status"`
	MobileStatus  string `json:"mobile_status"`
	RetryCount    int    `json:"retry_count"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

type resultDTO struct {
	ID           string    `json:"id"`
	ItemID       string    `json:"item_id"`
	KeywordID    string    `json:"keyword_id"`
	SearchTerm   string    `json:"search_term"`
	LocationCode string    `json:"location_code"`
	Device       string    `json:"device"`
	Found        bool      `json:"found"`
	Position     *int      `json:"position,omitempty"`
	FoundURL     string    `json:"found_url,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

func toRunDTO(run rank.BatchRun) runDTO {
	return runDTO{
		ID:                run.ID,
		AccountID:         run.AccountID,
		TargetDomain:      run.TargetDomain,
		Status:            string(run.Status),
		TotalKeywords:     run.Counters.TotalKeywords,
		ProcessedKeywords: run.Counters.ProcessedKeywords,
		SuccessfulChecks:  run.Counters.SuccessfulChecks,
		FailedChecks:      run.Counters.FailedChecks,
		TotalCreditsUsed:  run.Counters.TotalCreditsUsed,
		ErrorMessage:      run.ErrorMessage,
		CreatedAt:         run.CreatedAt,
		ScheduledFor:      run.ScheduledFor,
		StartedAt:         run.StartedAt,
		CompletedAt:       run.CompletedAt,
	}
}

func toItemDTO(item rank.BatchItem) itemDTO {
	return itemDTO{
		ID:            item.ID,
		KeywordID:     item.KeywordID,
		SearchTerm:    item.SearchTerm,
		LocationCode:  item.LocationCode,
		DesktopStatus: string(item.DesktopStatus),
		MobileStatus:  string(item.MobileStatus),
		RetryCount:    item.RetryCount,
		ErrorMessage:  item.ErrorMessage,
	}
}

func toResultDTO(result rank.RankCheckResult) resultDTO {
	return resultDTO{
		ID:           result.ID,
		ItemID:       result.ItemID,
		KeywordID:    result.KeywordID,
		SearchTerm:   result.SearchTerm,
		LocationCode: result.LocationCode,
		Device:       string(result.Device),
		Found:        result.Found,
		Position:     result.Position,
		FoundURL:     result.FoundURL,
		CheckedAt:    result.CheckedAt,
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
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

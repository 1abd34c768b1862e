package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"inspection-sync/internal/config"
	"inspection-sync/internal/models"
	"inspection-sync/internal/ratelimit"
	"inspection-sync/internal/store"
	"inspection-sync/internal/telemetry"
	"inspection-sync/internal/worker"
)

// JobStore is the subset of the store the HTTP surface needs.
type JobStore interface {
	CreateExportJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetInspection(ctx context.Context, id string) (models.Inspection, error)
	RecentFailures(ctx context.Context, limit int) ([]models.SyncLogEntry, error)
}

// Runner processes pending jobs on demand.
type Runner interface {
	ProcessPending(ctx context.Context, limit int) (worker.Stats, error)
}

// Server wires the enqueue, trigger, and diagnostics HTTP surfaces.
type Server struct {
	cfg     config.Config
	store   JobStore
	runner  Runner
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, st JobStore, runner Runner, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/inspections/{id}/export", s.handleEnqueue)
	r.Post("/export/run", s.handleRun)
	r.Get("/export/failures", s.handleFailures)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/inspections/{id}/sync-status", s.handleSyncStatus)
	return r
}

type enqueueRequest struct {
	InspectionType   string `json:"inspection_type"`
	InspectionNumber string `json:"inspection_number"`
	MaxRetries       int    `json:"max_retries"`
}

// handleEnqueue is the producer surface: one durable insert, no network I/O,
// then return. Delivery failures are never surfaced here; the inspection's
// sync status is the signal.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	inspectionID := chi.URLParam(r, "id")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.InspectionType == "" {
		http.Error(w, "inspection_type is required", http.StatusBadRequest)
		return
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}

	job, err := s.store.CreateExportJob(r.Context(), store.CreateJobParams{
		Type: models.JobTypeSharePointExport,
		Payload: map[string]any{
			"inspection_id":     inspectionID,
			"inspection_type":   req.InspectionType,
			"inspection_number": req.InspectionNumber,
		},
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.ExportEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, job)
}

type runRequest struct {
	BatchSize int `json:"batch_size"`
}

// handleRun is the trigger surface: claim and fully process up to batch_size
// jobs, returning only after every handler has finished.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.BatchSize <= 0 {
		req.BatchSize = s.cfg.BatchSize
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "export:trigger")
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	stats, err := s.runner.ProcessPending(r.Context(), req.BatchSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleSyncStatus exposes the user-visible, eventually-consistent signal.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	insp, err := s.store.GetInspection(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inspection_id": insp.ID,
		"sync_status":   insp.SyncStatus,
		"file_url":      insp.FileURL,
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.RecentFailures(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read sync log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": entries})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

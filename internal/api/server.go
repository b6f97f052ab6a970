package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"insight-worker/internal/models"
	"insight-worker/internal/store"
	"insight-worker/internal/telemetry"
	"insight-worker/internal/worker"
)

// StatusSource reports the state of the local worker loops.
type StatusSource interface {
	Snapshot() []worker.Status
}

// JobReader is the read-only part of the store the server exposes.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
	GetInsight(ctx context.Context, jobID string) (models.Insight, error)
	PendingDepth(ctx context.Context) (int64, error)
}

// Server exposes health, worker status and metrics for one worker process.
// It never mutates jobs.
type Server struct {
	workers   StatusSource
	jobs      JobReader
	startedAt time.Time
}

// New constructs the status server. jobs may be nil.
func New(workers StatusSource, jobs JobReader) *Server {
	return &Server{
		workers:   workers,
		jobs:      jobs,
		startedAt: time.Now(),
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

	r.Get("/status", s.handleStatus)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

type statusResponse struct {
	Uptime    string          `json:"uptime"`
	Processed int64           `json:"processed"`
	Pending   *int64          `json:"pending,omitempty"`
	Workers   []worker.Status `json:"workers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Workers: s.workers.Snapshot(),
	}
	for _, ws := range resp.Workers {
		resp.Processed += ws.Processed
	}
	if s.jobs != nil {
		if depth, err := s.jobs.PendingDepth(r.Context()); err == nil {
			resp.Pending = &depth
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobResponse struct {
	Job     models.Job        `json:"job"`
	Events  []models.JobEvent `json:"events"`
	Insight *models.Insight   `json:"insight,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job lookup unavailable", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.jobs.ListEvents(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := jobResponse{Job: job, Events: events}
	if job.Status == models.StatusCompleted {
		ins, err := s.jobs.GetInsight(r.Context(), id)
		switch {
		case err == nil:
			resp.Insight = &ins
		case !errors.Is(err, store.ErrInsightNotFound):
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

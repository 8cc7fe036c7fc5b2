package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"publish-pipeline/internal/analytics"
	"publish-pipeline/internal/config"
	"publish-pipeline/internal/models"
	"publish-pipeline/internal/scheduler"
	"publish-pipeline/internal/scoring"
	"publish-pipeline/internal/telemetry"
)

// JobReader is the store slice for read-only job endpoints.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListFailed(ctx context.Context, limit int) ([]models.Job, error)
	LatestMetric(ctx context.Context, jobID string) (models.MetricRecord, bool, error)
}

// Server wires the inbound HTTP surface: scheduling, cancellation, lookup,
// and the metric push webhook.
type Server struct {
	cfg       config.Config
	scheduler *scheduler.Scheduler
	collector *analytics.Collector
	model     *scoring.Model
	jobs      JobReader
}

func New(cfg config.Config, sched *scheduler.Scheduler, collector *analytics.Collector, model *scoring.Model, jobs JobReader) *Server {
	return &Server{
		cfg:       cfg,
		scheduler: sched,
		collector: collector,
		model:     model,
		jobs:      jobs,
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

	r.Post("/jobs", s.handleSchedule)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/metrics", s.handleJobMetrics)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/jobs/failed", s.handleListFailed)
	r.Post("/webhooks/metrics", s.handleMetricPush)
	return r
}

type scheduleRequest struct {
	ContentRef     string    `json:"content_ref"`
	Platform       string    `json:"platform"`
	DueAt          time.Time `json:"due_at"`
	PredictedScore *float64  `json:"predicted_score,omitempty"`
	ContentLength  int       `json:"content_length,omitempty"`
}

type scheduleResponse struct {
	JobID          string  `json:"job_id"`
	PredictedScore float64 `json:"predicted_score"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	score := 0.0
	if req.PredictedScore != nil {
		score = *req.PredictedScore
	} else {
		// No caller-supplied prediction; score from the current calibration
		// snapshot.
		score = s.model.Score(scoring.Features{
			Platform:      models.Platform(req.Platform),
			PostHour:      req.DueAt.UTC().Hour(),
			ContentLength: req.ContentLength,
		})
	}

	jobID, err := s.scheduler.Schedule(r.Context(), scheduler.Request{
		ContentRef:     req.ContentRef,
		Platform:       models.Platform(req.Platform),
		DueAt:          req.DueAt,
		PredictedScore: score,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.JobsScheduled.WithLabelValues(req.Platform).Inc()
	writeJSON(w, http.StatusAccepted, scheduleResponse{JobID: jobID, PredictedScore: score})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobMetricsResponse struct {
	JobID  string               `json:"job_id"`
	Latest *models.MetricRecord `json:"latest,omitempty"`
}

func (s *Server) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.GetJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rec, ok, err := s.jobs.LatestMetric(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := jobMetricsResponse{JobID: id}
	if ok {
		resp.Latest = &rec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListFailed(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type metricPushRequest struct {
	JobID          string           `json:"job_id,omitempty"`
	ExternalPostID string           `json:"external_post_id,omitempty"`
	CapturedAt     time.Time        `json:"captured_at"`
	RawCounts      models.RawCounts `json:"raw_counts"`
}

func (s *Server) handleMetricPush(w http.ResponseWriter, r *http.Request) {
	var req metricPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case req.JobID != "":
		err = s.collector.Ingest(r.Context(), req.JobID, req.RawCounts, req.CapturedAt)
	case req.ExternalPostID != "":
		err = s.collector.IngestByPostID(r.Context(), req.ExternalPostID, req.RawCounts, req.CapturedAt)
	default:
		http.Error(w, "job_id or external_post_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// writeError maps domain failures onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidSchedule), errors.Is(err, models.ErrUnsupportedPlatform):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

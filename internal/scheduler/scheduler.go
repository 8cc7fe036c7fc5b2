package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"publish-pipeline/internal/config"
	"publish-pipeline/internal/models"
)

// JobStore is the slice of the durable store the scheduler needs.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	CancelJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Scheduler validates publish requests and writes them as pending jobs. The
// store write is the durability boundary: an acknowledged job will eventually
// be attempted, at least once, across restarts.
type Scheduler struct {
	store JobStore
	cfg   config.Config
	clock clockwork.Clock
}

func New(store JobStore, cfg config.Config, clock clockwork.Clock) *Scheduler {
	return &Scheduler{store: store, cfg: cfg, clock: clock}
}

// Request carries the inputs for one scheduled publish action.
type Request struct {
	ContentRef     string
	Platform       models.Platform
	DueAt          time.Time
	PredictedScore float64
}

// Schedule validates and persists the job, returning its id.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (string, error) {
	if req.ContentRef == "" {
		return "", fmt.Errorf("content ref is required: %w", models.ErrInvalidSchedule)
	}
	if !models.KnownPlatform(req.Platform) {
		return "", fmt.Errorf("platform %q: %w", req.Platform, models.ErrUnsupportedPlatform)
	}
	now := s.clock.Now()
	if req.DueAt.Before(now.Add(-s.cfg.GraceWindow)) {
		return "", fmt.Errorf("due_at %s is in the past: %w", req.DueAt.Format(time.RFC3339), models.ErrInvalidSchedule)
	}
	if req.PredictedScore < 0 || req.PredictedScore > 100 {
		return "", fmt.Errorf("predicted score %.2f out of range: %w", req.PredictedScore, models.ErrInvalidSchedule)
	}

	job := models.Job{
		ID:             uuid.New().String(),
		ContentRef:     req.ContentRef,
		Platform:       req.Platform,
		DueAt:          req.DueAt.UTC(),
		State:          models.StatePending,
		PredictedScore: req.PredictedScore,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("schedule: %w", err)
	}
	_ = s.store.AppendEvent(ctx, job.ID, "scheduled",
		fmt.Sprintf("platform=%s due_at=%s predicted=%.1f", job.Platform, job.DueAt.Format(time.RFC3339), job.PredictedScore))
	return job.ID, nil
}

// Cancel transitions a pending job to cancelled. Once a worker has claimed the
// job cancellation is refused; an in-flight submit cannot be un-sent.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.CancelJob(ctx, id); err != nil {
		return err
	}
	_ = s.store.AppendEvent(ctx, id, "cancelled", "cancel requested")
	return nil
}

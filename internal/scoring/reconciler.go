package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"publish-pipeline/internal/config"
	"publish-pipeline/internal/models"
	"publish-pipeline/internal/telemetry"
)

// Store is the slice of the durable store the reconciler needs.
type Store interface {
	UnreconciledMetrics(ctx context.Context, limit int) ([]models.MetricRecord, error)
	MarkMetricReconciled(ctx context.Context, jobID string, capturedAt time.Time) (bool, error)
	StaleUnreconciledJobs(ctx context.Context, publishedBefore time.Time, limit int) ([]models.Job, error)
	SetReconcileStatus(ctx context.Context, id string, status models.ReconcileStatus) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	SaveCalibration(ctx context.Context, cal models.Calibration) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Reconciler folds observed engagement back into calibration on a schedule.
// It is the calibration's only writer.
type Reconciler struct {
	store Store
	model *Model
	cfg   config.Config
	clock clockwork.Clock
	log   *slog.Logger
}

func NewReconciler(store Store, model *Model, cfg config.Config, clock clockwork.Clock, log *slog.Logger) *Reconciler {
	return &Reconciler{store: store, model: model, cfg: cfg, clock: clock, log: log}
}

// Run reconciles on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		if err := r.RunOnce(ctx); err != nil {
			r.log.Error("reconcile pass", "error", err)
		}
	}
}

// RunOnce performs one reconciliation pass: apply a bounded calibration update
// per unreconciled metric record, then abandon jobs past the window.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	recs, err := r.store.UnreconciledMetrics(ctx, r.cfg.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("list unreconciled metrics: %w", err)
	}

	cal := r.model.Snapshot()
	applied := 0
	for _, rec := range recs {
		job, err := r.store.GetJob(ctx, rec.JobID)
		if err != nil {
			r.log.Error("load job for reconcile", "job_id", rec.JobID, "error", err)
			continue
		}

		// The conditional mark is the idempotence gate: if another pass (or a
		// rerun of this one) already consumed the record, skip the update.
		fresh, err := r.store.MarkMetricReconciled(ctx, rec.JobID, rec.CapturedAt)
		if err != nil {
			return fmt.Errorf("mark metric reconciled: %w", err)
		}
		if !fresh {
			continue
		}

		observed := observedScore(rec.EngagementRate)
		cal = applyStep(cal, jobFeatures(job), job.PredictedScore, observed, r.cfg.LearningRate, r.cfg.MaxStep)
		applied++

		if err := r.store.SetReconcileStatus(ctx, job.ID, models.ReconcileDone); err != nil {
			r.log.Error("set reconcile status", "job_id", job.ID, "error", err)
		}
		_ = r.store.AppendEvent(ctx, job.ID, "reconciled",
			fmt.Sprintf("predicted=%.1f observed=%.1f captured_at=%s", job.PredictedScore, observed, rec.CapturedAt.UTC().Format(time.RFC3339)))
		telemetry.ReconcileApplied.Inc()
		telemetry.PredictionError.Observe(math.Abs(observed - job.PredictedScore))
	}

	if applied > 0 {
		if err := r.store.SaveCalibration(ctx, cal); err != nil {
			return fmt.Errorf("persist calibration: %w", err)
		}
		cal.Version++
		cal.UpdatedAt = r.clock.Now().UTC()
		r.model.swap(cal)
		r.log.Info("calibration updated", "records", applied, "version", cal.Version,
			"bias", cal.Bias, "platform_weight", cal.PlatformWeight, "hour_weight", cal.HourWeight)
	}

	return r.abandonStale(ctx)
}

// abandonStale gives up on published jobs whose metrics never arrived within
// the reconciliation window, so they stop being polled forever.
func (r *Reconciler) abandonStale(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.cfg.ReconcileWindow)
	jobs, err := r.store.StaleUnreconciledJobs(ctx, cutoff, r.cfg.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}
	for _, job := range jobs {
		if err := r.store.SetReconcileStatus(ctx, job.ID, models.ReconcileAbandoned); err != nil {
			r.log.Error("abandon stale job", "job_id", job.ID, "error", err)
			continue
		}
		_ = r.store.AppendEvent(ctx, job.ID, "unreconciled", "no metrics within reconciliation window")
		telemetry.ReconcileAbandoned.Inc()
	}
	return nil
}

func jobFeatures(job models.Job) Features {
	return Features{
		Platform: job.Platform,
		PostHour: job.DueAt.UTC().Hour(),
		// Content length is not reconstructable from the opaque ref at
		// reconcile time; a zero signal leaves its weight untouched.
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"publish-pipeline/internal/models"
)

// AppendMetric inserts an observed-metric snapshot. Records are append-only;
// a duplicate (job_id, captured_at) pair is dropped rather than overwritten.
func (s *Store) AppendMetric(ctx context.Context, rec models.MetricRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observed_metrics (job_id, captured_at, impressions, likes, comments, shares, clicks, engagement_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, captured_at) DO NOTHING
	`, rec.JobID, rec.CapturedAt, rec.Impressions, rec.Likes, rec.Comments, rec.Shares, rec.Clicks, rec.EngagementRate)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// LatestMetric returns the most recent snapshot for a job.
func (s *Store) LatestMetric(ctx context.Context, jobID string) (models.MetricRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, captured_at, impressions, likes, comments, shares, clicks, engagement_rate, reconciled
		FROM observed_metrics WHERE job_id = $1
		ORDER BY captured_at DESC LIMIT 1
	`, jobID)

	var rec models.MetricRecord
	err := row.Scan(&rec.JobID, &rec.CapturedAt, &rec.Impressions, &rec.Likes,
		&rec.Comments, &rec.Shares, &rec.Clicks, &rec.EngagementRate, &rec.Reconciled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MetricRecord{}, false, nil
	}
	if err != nil {
		return models.MetricRecord{}, false, fmt.Errorf("scan latest metric: %w", err)
	}
	return rec, true, nil
}

// UnreconciledMetrics returns, per published job awaiting reconciliation, the
// most recent metric snapshot that has not been folded into calibration yet.
func (s *Store) UnreconciledMetrics(ctx context.Context, limit int) ([]models.MetricRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (m.job_id)
		       m.job_id, m.captured_at, m.impressions, m.likes, m.comments, m.shares, m.clicks, m.engagement_rate, m.reconciled
		FROM observed_metrics m
		JOIN publish_jobs j ON j.id = m.job_id
		WHERE j.state = $1 AND j.reconcile_status = $2 AND m.reconciled = FALSE
		ORDER BY m.job_id, m.captured_at DESC
		LIMIT $3
	`, models.StatePublished, models.ReconcilePending, limit)
	if err != nil {
		return nil, fmt.Errorf("query unreconciled metrics: %w", err)
	}
	defer rows.Close()

	var recs []models.MetricRecord
	for rows.Next() {
		var rec models.MetricRecord
		if err := rows.Scan(&rec.JobID, &rec.CapturedAt, &rec.Impressions, &rec.Likes,
			&rec.Comments, &rec.Shares, &rec.Clicks, &rec.EngagementRate, &rec.Reconciled); err != nil {
			return nil, fmt.Errorf("scan unreconciled metric: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkMetricReconciled flags one snapshot as folded into calibration. The
// conditional update makes reconciliation idempotent: a second pass over the
// same record affects zero rows.
func (s *Store) MarkMetricReconciled(ctx context.Context, jobID string, capturedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE observed_metrics SET reconciled = TRUE
		WHERE job_id = $1 AND captured_at = $2 AND reconciled = FALSE
	`, jobID, capturedAt)
	if err != nil {
		return false, fmt.Errorf("mark metric reconciled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// StaleUnreconciledJobs lists published jobs past the reconciliation window
// for which no metrics ever arrived.
func (s *Store) StaleUnreconciledJobs(ctx context.Context, publishedBefore time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM publish_jobs
		WHERE state = $1 AND reconcile_status = $2 AND published_at < $3
		  AND NOT EXISTS (SELECT 1 FROM observed_metrics m WHERE m.job_id = publish_jobs.id)
		ORDER BY published_at ASC LIMIT $4
	`, models.StatePublished, models.ReconcilePending, publishedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale unreconciled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

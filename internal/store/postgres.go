package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"publish-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth and the sole synchronization point between workers: every state
// transition is a conditional write.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, content_ref, platform, due_at, state, attempt_count,
	last_error_kind, last_error_msg, platform_post_id, predicted_score,
	claim_token, claimed_until, reconcile_status, published_at, created_at, updated_at`

// CreateJob inserts a new job in state pending. The insert is the durability
// boundary: once it returns nil the job will eventually be attempted.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publish_jobs (id, content_ref, platform, due_at, state, attempt_count, predicted_score, reconcile_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, job.ID, job.ContentRef, job.Platform, job.DueAt, models.StatePending, job.PredictedScore, models.ReconcilePending, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// GetJobByPostID fetches a job by the platform-assigned post id, used to
// correlate pushed metric events that carry no job id.
func (s *Store) GetJobByPostID(ctx context.Context, postID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE platform_post_id = $1`, postID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("post %s: %w", postID, models.ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// CancelJob transitions pending -> cancelled. Any other current state is an
// InvalidState failure; a claimed or published job can no longer be cancelled.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, models.StateCancelled, models.StatePending)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return models.TransitionError(id, job.State, models.StateCancelled)
	}
	return nil
}

// DueJobs returns execution candidates ordered earliest-due first, ties broken
// by id: pending jobs past due, plus claimed/publishing jobs whose lease has
// expired (crash recovery).
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM publish_jobs
		WHERE (state = $1 AND due_at <= $2)
		   OR (state IN ($3, $4) AND claimed_until IS NOT NULL AND claimed_until < $2)
		ORDER BY due_at ASC, id ASC
		LIMIT $5
	`, models.StatePending, now, models.StateClaimed, models.StatePublishing, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Claim atomically takes ownership of a job with a fresh lease. The update is
// conditioned on the job still being in the observed prior state (and, for the
// recovery path, on the old lease having expired), so exactly one of several
// racing workers wins. Losing is a no-op, not an error.
func (s *Store) Claim(ctx context.Context, id string, from models.State, token string, until, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET state = $2, claim_token = $3, claimed_until = $4, updated_at = NOW()
		WHERE id = $1 AND state = $5
		  AND ($5 = $6 OR (claimed_until IS NOT NULL AND claimed_until < $7))
	`, id, models.StateClaimed, token, until, from, models.StatePending, now)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPublishing transitions claimed -> publishing and bumps the attempt
// counter. Conditioned on the claim token so a worker that lost its lease
// cannot advance the job.
func (s *Store) MarkPublishing(ctx context.Context, id, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET state = $2, attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1 AND state = $3 AND claim_token = $4
	`, id, models.StatePublishing, models.StateClaimed, token)
	if err != nil {
		return false, fmt.Errorf("mark publishing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPublished records the external post id and finishes the job. The post id
// is set at most once; a duplicate attempt that raced lease recovery cannot
// overwrite it.
func (s *Store) MarkPublished(ctx context.Context, id, token, platformPostID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET state = $2, platform_post_id = $3, published_at = $4,
		    claim_token = NULL, claimed_until = NULL,
		    last_error_kind = NULL, last_error_msg = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $5 AND claim_token = $6 AND platform_post_id IS NULL
	`, id, models.StatePublished, platformPostID, now, models.StatePublishing, token)
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRetry releases the claim and returns the job to pending with a new due
// time per the retry decision.
func (s *Store) MarkRetry(ctx context.Context, id, token string, dueAt time.Time, errKind, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET state = $2, due_at = $3, claim_token = NULL, claimed_until = NULL,
		    last_error_kind = $4, last_error_msg = $5, updated_at = NOW()
		WHERE id = $1 AND state = $6 AND claim_token = $7
	`, id, models.StatePending, dueAt, errKind, errMsg, models.StatePublishing, token)
	if err != nil {
		return false, fmt.Errorf("mark retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed finishes the job terminally with the last classified error.
func (s *Store) MarkFailed(ctx context.Context, id, token, errKind, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs
		SET state = $2, claim_token = NULL, claimed_until = NULL,
		    last_error_kind = $3, last_error_msg = $4, updated_at = NOW()
		WHERE id = $1 AND state = $5 AND claim_token = $6
	`, id, models.StateFailed, errKind, errMsg, models.StatePublishing, token)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease pushes claimed_until forward for the holder of token.
func (s *Store) RenewLease(ctx context.Context, id, token string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs SET claimed_until = $3, updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND state IN ($4, $5)
	`, id, token, until, models.StateClaimed, models.StatePublishing)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PublishedSince lists published jobs in the trailing collection window.
func (s *Store) PublishedSince(ctx context.Context, since time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM publish_jobs
		WHERE state = $1 AND published_at >= $2
		ORDER BY published_at ASC
		LIMIT $3
	`, models.StatePublished, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query published jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan published job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListFailed returns terminally failed jobs for operator inspection.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM publish_jobs
		WHERE state = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.StateFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetReconcileStatus moves a published job's reconcile marker.
func (s *Store) SetReconcileStatus(ctx context.Context, id string, status models.ReconcileStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE publish_jobs SET reconcile_status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set reconcile status: %w", err)
	}
	return nil
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var errKind, errMsg, postID, claimToken pgtype.Text
	var claimedUntil, publishedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.ContentRef, &job.Platform, &job.DueAt, &job.State,
		&job.AttemptCount, &errKind, &errMsg, &postID, &job.PredictedScore,
		&claimToken, &claimedUntil, &job.Reconcile, &publishedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	job.LastErrorKind = textPtr(errKind)
	job.LastErrorMsg = textPtr(errMsg)
	job.PlatformPostID = textPtr(postID)
	job.ClaimToken = textPtr(claimToken)
	if claimedUntil.Valid {
		t := claimedUntil.Time
		job.ClaimedUntil = &t
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		job.PublishedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

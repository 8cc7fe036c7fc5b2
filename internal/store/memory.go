package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"publish-pipeline/internal/models"
)

// Memory is an in-process store with the same conditional-write semantics as
// the Postgres store. It backs unit tests so claim races, retries, and
// reconciliation can be exercised without a database.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	metrics map[string][]models.MetricRecord
	cal     models.Calibration
	events  []models.JobEvent
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*models.Job),
		metrics: make(map[string][]models.MetricRecord),
		cal:     models.Calibration{Version: 1, Bias: 50},
	}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	job.State = models.StatePending
	job.Reconcile = models.ReconcilePending
	cp := job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	return *job, nil
}

func (m *Memory) GetJobByPostID(_ context.Context, postID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.PlatformPostID != nil && *job.PlatformPostID == postID {
			return *job, nil
		}
	}
	return models.Job{}, fmt.Errorf("post %s: %w", postID, models.ErrJobNotFound)
}

func (m *Memory) CancelJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	if !models.CanTransition(job.State, models.StateCancelled) {
		return models.TransitionError(id, job.State, models.StateCancelled)
	}
	job.State = models.StateCancelled
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DueJobs(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		switch job.State {
		case models.StatePending:
			if !job.DueAt.After(now) {
				out = append(out, *job)
			}
		case models.StateClaimed, models.StatePublishing:
			if job.ClaimedUntil != nil && job.ClaimedUntil.Before(now) {
				out = append(out, *job)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, id string, from models.State, token string, until, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != from {
		return false, nil
	}
	if from != models.StatePending {
		if job.ClaimedUntil == nil || !job.ClaimedUntil.Before(now) {
			return false, nil
		}
	}
	job.State = models.StateClaimed
	job.ClaimToken = &token
	u := until
	job.ClaimedUntil = &u
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) MarkPublishing(_ context.Context, id, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != models.StateClaimed || job.ClaimToken == nil || *job.ClaimToken != token {
		return false, nil
	}
	job.State = models.StatePublishing
	job.AttemptCount++
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) MarkPublished(_ context.Context, id, token, platformPostID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != models.StatePublishing || job.ClaimToken == nil || *job.ClaimToken != token {
		return false, nil
	}
	if job.PlatformPostID != nil {
		return false, nil
	}
	job.State = models.StatePublished
	job.PlatformPostID = &platformPostID
	t := now
	job.PublishedAt = &t
	job.ClaimToken = nil
	job.ClaimedUntil = nil
	job.LastErrorKind = nil
	job.LastErrorMsg = nil
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) MarkRetry(_ context.Context, id, token string, dueAt time.Time, errKind, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != models.StatePublishing || job.ClaimToken == nil || *job.ClaimToken != token {
		return false, nil
	}
	job.State = models.StatePending
	job.DueAt = dueAt
	job.ClaimToken = nil
	job.ClaimedUntil = nil
	job.LastErrorKind = &errKind
	job.LastErrorMsg = &errMsg
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, id, token, errKind, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != models.StatePublishing || job.ClaimToken == nil || *job.ClaimToken != token {
		return false, nil
	}
	job.State = models.StateFailed
	job.ClaimToken = nil
	job.ClaimedUntil = nil
	job.LastErrorKind = &errKind
	job.LastErrorMsg = &errMsg
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, id, token string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.ClaimToken == nil || *job.ClaimToken != token {
		return false, nil
	}
	if job.State != models.StateClaimed && job.State != models.StatePublishing {
		return false, nil
	}
	u := until
	job.ClaimedUntil = &u
	return true, nil
}

func (m *Memory) PublishedSince(_ context.Context, since time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.State == models.StatePublished && job.PublishedAt != nil && !job.PublishedAt.Before(since) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(*out[j].PublishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListFailed(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.State == models.StateFailed {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetReconcileStatus(_ context.Context, id string, status models.ReconcileStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	job.Reconcile = status
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, models.JobEvent{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

// Events returns a copy of the audit trail for assertions.
func (m *Memory) Events() []models.JobEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobEvent(nil), m.events...)
}

func (m *Memory) AppendMetric(_ context.Context, rec models.MetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.metrics[rec.JobID] {
		if existing.CapturedAt.Equal(rec.CapturedAt) {
			return nil
		}
	}
	m.metrics[rec.JobID] = append(m.metrics[rec.JobID], rec)
	return nil
}

func (m *Memory) LatestMetric(_ context.Context, jobID string) (models.MetricRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.metrics[jobID]
	if len(recs) == 0 {
		return models.MetricRecord{}, false, nil
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if r.CapturedAt.After(latest.CapturedAt) {
			latest = r
		}
	}
	return latest, true, nil
}

func (m *Memory) UnreconciledMetrics(_ context.Context, limit int) ([]models.MetricRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MetricRecord
	for jobID, recs := range m.metrics {
		job, ok := m.jobs[jobID]
		if !ok || job.State != models.StatePublished || job.Reconcile != models.ReconcilePending {
			continue
		}
		var latest *models.MetricRecord
		for i := range recs {
			if recs[i].Reconciled {
				continue
			}
			if latest == nil || recs[i].CapturedAt.After(latest.CapturedAt) {
				latest = &recs[i]
			}
		}
		if latest != nil {
			out = append(out, *latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkMetricReconciled(_ context.Context, jobID string, capturedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.metrics[jobID]
	for i := range recs {
		if recs[i].CapturedAt.Equal(capturedAt) && !recs[i].Reconciled {
			recs[i].Reconciled = true
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) StaleUnreconciledJobs(_ context.Context, publishedBefore time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.State == models.StatePublished && job.Reconcile == models.ReconcilePending &&
			job.PublishedAt != nil && job.PublishedAt.Before(publishedBefore) &&
			len(m.metrics[job.ID]) == 0 {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(*out[j].PublishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LoadCalibration(_ context.Context) (models.Calibration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cal, nil
}

func (m *Memory) SaveCalibration(_ context.Context, cal models.Calibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cal.Version != m.cal.Version {
		return fmt.Errorf("save calibration: version %d superseded", cal.Version)
	}
	cal.Version++
	cal.UpdatedAt = time.Now().UTC()
	m.cal = cal
	return nil
}

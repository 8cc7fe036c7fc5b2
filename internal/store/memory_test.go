package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"publish-pipeline/internal/models"
)

func seedPending(t *testing.T, m *Memory, id string, dueAt time.Time) {
	t.Helper()
	require.NoError(t, m.CreateJob(context.Background(), models.Job{
		ID:         id,
		ContentRef: "posts/" + id,
		Platform:   models.PlatformLinkedIn,
		DueAt:      dueAt,
	}))
}

func TestClaimIsExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	seedPending(t, m, "job-1", now)

	var wg sync.WaitGroup
	wins := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			ok, err := m.Claim(ctx, "job-1", models.StatePending, worker, now.Add(30*time.Second), now)
			assert.NoError(t, err)
			if ok {
				wins <- worker
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateClaimed, job.State)
	require.NotNil(t, job.ClaimToken)
	assert.Equal(t, winners[0], *job.ClaimToken)
}

func TestClaimRespectsActiveLease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	seedPending(t, m, "job-1", now)

	ok, err := m.Claim(ctx, "job-1", models.StatePending, "w1", now.Add(30*time.Second), now)
	require.NoError(t, err)
	require.True(t, ok)

	// Lease still live: a reclaim from the claimed state is refused.
	ok, err = m.Claim(ctx, "job-1", models.StateClaimed, "w2", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry the job can be reclaimed with a new token.
	later := now.Add(31 * time.Second)
	ok, err = m.Claim(ctx, "job-1", models.StateClaimed, "w2", later.Add(30*time.Second), later)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "w2", *job.ClaimToken)
}

func TestDueJobsOrderAndEligibility(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	seedPending(t, m, "later", now.Add(-time.Minute))
	seedPending(t, m, "earlier", now.Add(-time.Hour))
	seedPending(t, m, "future", now.Add(time.Hour))

	jobs, err := m.DueJobs(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "earlier", jobs[0].ID)
	assert.Equal(t, "later", jobs[1].ID)
}

func TestDueJobsSurfacesExpiredLeases(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	seedPending(t, m, "job-1", now)

	ok, err := m.Claim(ctx, "job-1", models.StatePending, "dead", now.Add(30*time.Second), now)
	require.NoError(t, err)
	require.True(t, ok)

	jobs, err := m.DueJobs(ctx, now, 50)
	require.NoError(t, err)
	assert.Empty(t, jobs, "live lease must hide the job")

	jobs, err = m.DueJobs(ctx, now.Add(31*time.Second), 50)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StateClaimed, jobs[0].State)
}

func TestMarkPublishedSetsPostIDOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	seedPending(t, m, "job-1", now)

	ok, err := m.Claim(ctx, "job-1", models.StatePending, "w", now.Add(30*time.Second), now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.MarkPublishing(ctx, "job-1", "w")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.MarkPublished(ctx, "job-1", "w", "ext-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	// Terminal: a second completion attempt is a no-op.
	ok, err = m.MarkPublished(ctx, "job-1", "w", "ext-2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", *job.PlatformPostID)
	assert.Nil(t, job.ClaimToken)
	assert.Equal(t, models.ReconcilePending, job.Reconcile)
}

func TestMarksRequireMatchingToken(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	seedPending(t, m, "job-1", now)

	ok, err := m.Claim(ctx, "job-1", models.StatePending, "w1", now.Add(30*time.Second), now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.MarkPublishing(ctx, "job-1", "w2")
	require.NoError(t, err)
	assert.False(t, ok, "stale token must not advance the job")

	ok, err = m.MarkPublishing(ctx, "job-1", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.MarkRetry(ctx, "job-1", "w2", now.Add(time.Minute), "transient", "boom")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.MarkFailed(ctx, "job-1", "w2", "rejected", "boom")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkRetryRequeuesWithError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	seedPending(t, m, "job-1", now)

	ok, err := m.Claim(ctx, "job-1", models.StatePending, "w", now.Add(30*time.Second), now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.MarkPublishing(ctx, "job-1", "w")
	require.NoError(t, err)
	require.True(t, ok)

	retryAt := now.Add(4 * time.Second)
	ok, err = m.MarkRetry(ctx, "job-1", "w", retryAt, "rate_limited", "429")
	require.NoError(t, err)
	require.True(t, ok)

	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, job.State)
	assert.True(t, job.DueAt.Equal(retryAt))
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, "rate_limited", *job.LastErrorKind)
	assert.Nil(t, job.ClaimToken)
}

func TestCancelOnlyFromPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	seedPending(t, m, "job-1", now)

	ok, err := m.Claim(ctx, "job-1", models.StatePending, "w", now.Add(30*time.Second), now)
	require.NoError(t, err)
	require.True(t, ok)

	err = m.CancelJob(ctx, "job-1")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestSaveCalibrationRejectsStaleVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	cal, err := m.LoadCalibration(ctx)
	require.NoError(t, err)

	require.NoError(t, m.SaveCalibration(ctx, cal))

	// The snapshot loaded before the save now carries a superseded version.
	err = m.SaveCalibration(ctx, cal)
	assert.Error(t, err)

	fresh, err := m.LoadCalibration(ctx)
	require.NoError(t, err)
	assert.Equal(t, cal.Version+1, fresh.Version)
}

func TestAppendMetricDeduplicatesByCaptureTime(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	captured := time.Now()

	rec := models.MetricRecord{JobID: "job-1", CapturedAt: captured, Impressions: 100, EngagementRate: 2}
	require.NoError(t, m.AppendMetric(ctx, rec))
	rec.Impressions = 999
	require.NoError(t, m.AppendMetric(ctx, rec))

	latest, ok, err := m.LatestMetric(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), latest.Impressions, "first snapshot wins")
}

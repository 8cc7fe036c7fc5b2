package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"publish-pipeline/internal/config"
	"publish-pipeline/internal/content"
	"publish-pipeline/internal/models"
	"publish-pipeline/internal/platform"
	"publish-pipeline/internal/scheduler"
	"publish-pipeline/internal/store"
)

// scriptedAdapter returns queued errors first, then succeeds with a fixed id.
type scriptedAdapter struct {
	mu      sync.Mutex
	errs    []error
	postID  string
	submits int
}

func (a *scriptedAdapter) Submit(_ context.Context, _ platform.Content, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return "", err
	}
	return a.postID, nil
}

func (a *scriptedAdapter) FetchMetrics(_ context.Context, _ string) (models.RawCounts, error) {
	return models.RawCounts{}, nil
}

func (a *scriptedAdapter) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submits
}

// blockingAdapter parks Submit until released so in-flight behavior (lease
// keepalive, lease loss mid-submit) can be observed.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
	postID  string
}

func newBlockingAdapter(postID string) *blockingAdapter {
	return &blockingAdapter{
		started: make(chan struct{}),
		release: make(chan struct{}),
		postID:  postID,
	}
}

func (a *blockingAdapter) Submit(ctx context.Context, _ platform.Content, _ string) (string, error) {
	close(a.started)
	select {
	case <-a.release:
		return a.postID, nil
	case <-ctx.Done():
		return "", platform.NewError(platform.ClassTransient, "submit interrupted", ctx.Err())
	}
}

func (a *blockingAdapter) FetchMetrics(context.Context, string) (models.RawCounts, error) {
	return models.RawCounts{}, nil
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string) (bool, error) { return true, nil }

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

func testConfig() config.Config {
	cfg := config.Load()
	cfg.MaxAttempts = 3
	cfg.BackoffBase = 2 * time.Second
	cfg.BackoffMax = time.Minute
	cfg.LeaseDuration = 30 * time.Second
	cfg.SubmitTimeout = 5 * time.Second
	cfg.PollBatchSize = 10
	return cfg
}

func newHarness(t *testing.T, adapter platform.Adapter, limiter Limiter) (*Dispatcher, *store.Memory, *scheduler.Scheduler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory()
	cfg := testConfig()

	registry := platform.NewRegistry()
	registry.Register(models.PlatformMicroblog, adapter)
	registry.Register(models.PlatformLinkedIn, adapter)

	bodies := content.NewMemoryStore()
	bodies.Put("post-1", []byte("hello world"))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(mem, registry, bodies, limiter, cfg, clock, log)
	sched := scheduler.New(mem, cfg, clock)
	return d, mem, sched, clock
}

// runEligible drains one poll cycle synchronously.
func runEligible(t *testing.T, d *Dispatcher, mem *store.Memory, clock clockwork.Clock) int {
	t.Helper()
	jobs, err := mem.DueJobs(context.Background(), clock.Now(), 10)
	require.NoError(t, err)
	for _, job := range jobs {
		d.process(context.Background(), job)
	}
	return len(jobs)
}

func TestTransientThenSuccess(t *testing.T) {
	adapter := &scriptedAdapter{
		errs:   []error{platform.NewError(platform.ClassTransient, "upstream 503", nil)},
		postID: "ext-123",
	}
	d, mem, sched, clock := newHarness(t, adapter, allowAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now().Add(time.Second),
		PredictedScore: 70,
	})
	require.NoError(t, err)

	// Not yet due.
	assert.Equal(t, 0, runEligible(t, d, mem, clock))

	clock.Advance(time.Second)
	assert.Equal(t, 1, runEligible(t, d, mem, clock))

	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LastErrorKind)
	assert.Equal(t, string(platform.ClassTransient), *job.LastErrorKind)

	// Backoff for attempt 1 is base*2 = 4s.
	clock.Advance(4 * time.Second)
	assert.Equal(t, 1, runEligible(t, d, mem, clock))

	job, err = mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, job.State)
	assert.Equal(t, 2, job.AttemptCount)
	require.NotNil(t, job.PlatformPostID)
	assert.Equal(t, "ext-123", *job.PlatformPostID)
	assert.Nil(t, job.LastErrorKind)
	assert.Equal(t, 2, adapter.submitCount())
}

func TestRejectedFailsTerminally(t *testing.T) {
	adapter := &scriptedAdapter{
		errs: []error{platform.NewError(platform.ClassRejected, "content violates policy", nil)},
	}
	d, mem, sched, clock := newHarness(t, adapter, allowAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now(),
		PredictedScore: 50,
	})
	require.NoError(t, err)

	runEligible(t, d, mem, clock)

	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LastErrorKind)
	assert.Equal(t, string(platform.ClassRejected), *job.LastErrorKind)
	assert.Nil(t, job.PlatformPostID)
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	adapter := &scriptedAdapter{
		errs: []error{
			platform.NewError(platform.ClassTransient, "flap", nil),
			platform.NewError(platform.ClassTransient, "flap", nil),
			platform.NewError(platform.ClassTransient, "flap", nil),
			platform.NewError(platform.ClassTransient, "flap", nil),
		},
	}
	d, mem, sched, clock := newHarness(t, adapter, allowAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now(),
		PredictedScore: 10,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		runEligible(t, d, mem, clock)
		clock.Advance(time.Hour)
	}

	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, 3, job.AttemptCount)
}

func TestClaimExclusivity(t *testing.T) {
	adapter := &scriptedAdapter{postID: "ext-9"}
	d, mem, sched, clock := newHarness(t, adapter, allowAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now(),
		PredictedScore: 60,
	})
	require.NoError(t, err)

	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)

	// Many workers race on the same poll snapshot; only one claim can win.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.process(ctx, job)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, adapter.submitCount())
	final, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, final.State)
	assert.Equal(t, 1, final.AttemptCount)
}

func TestRateLimitedFlowsThroughRetryPolicy(t *testing.T) {
	adapter := &scriptedAdapter{postID: "ext-1"}
	d, mem, sched, clock := newHarness(t, adapter, denyAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now(),
		PredictedScore: 40,
	})
	require.NoError(t, err)

	runEligible(t, d, mem, clock)

	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, job.State)
	require.NotNil(t, job.LastErrorKind)
	assert.Equal(t, string(platform.ClassRateLimited), *job.LastErrorKind)
	// The denied submit never reached the adapter.
	assert.Equal(t, 0, adapter.submitCount())
	assert.True(t, job.DueAt.After(clock.Now()))
}

func TestExpiredLeaseRecovered(t *testing.T) {
	adapter := &scriptedAdapter{postID: "ext-2"}
	d, mem, sched, clock := newHarness(t, adapter, allowAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now(),
		PredictedScore: 30,
	})
	require.NoError(t, err)

	// Simulate a worker that claimed the job and died before executing.
	claimed, err := mem.Claim(ctx, jobID, models.StatePending, "dead-worker", clock.Now().Add(30*time.Second), clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	// Lease still valid: the job is invisible to the poll.
	assert.Equal(t, 0, runEligible(t, d, mem, clock))

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, runEligible(t, d, mem, clock))

	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, job.State)
}

func TestLeaseRenewedDuringSlowSubmit(t *testing.T) {
	adapter := newBlockingAdapter("ext-slow")
	d, mem, sched, clock := newHarness(t, adapter, allowAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now(),
		PredictedScore: 50,
	})
	require.NoError(t, err)
	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		d.process(ctx, job)
		close(done)
	}()

	<-adapter.started
	originalLease := clock.Now().Add(30 * time.Second)

	// One renewal tick (lease/3) while the submit is still in flight.
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		j, err := mem.GetJob(ctx, jobID)
		return err == nil && j.ClaimedUntil != nil && j.ClaimedUntil.After(originalLease)
	}, time.Second, 5*time.Millisecond)

	close(adapter.release)
	<-done

	final, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, final.State)
	require.NotNil(t, final.PlatformPostID)
	assert.Equal(t, "ext-slow", *final.PlatformPostID)
}

func TestLateFinishDiscardedAfterLeaseLoss(t *testing.T) {
	adapter := newBlockingAdapter("ext-late")
	d, mem, sched, clock := newHarness(t, adapter, allowAll{})
	ctx := context.Background()

	jobID, err := sched.Schedule(ctx, scheduler.Request{
		ContentRef:     "post-1",
		Platform:       models.PlatformMicroblog,
		DueAt:          clock.Now(),
		PredictedScore: 50,
	})
	require.NoError(t, err)
	job, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		d.process(ctx, job)
		close(done)
	}()
	<-adapter.started

	// Another worker recovers the job once the first holder's lease looks
	// expired from its vantage point.
	future := clock.Now().Add(31 * time.Second)
	stolen, err := mem.Claim(ctx, jobID, models.StatePublishing, "thief", future.Add(30*time.Second), future)
	require.NoError(t, err)
	require.True(t, stolen)

	close(adapter.release)
	<-done

	// The first worker's submit completed, but its result must not land.
	final, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StateClaimed, final.State)
	require.NotNil(t, final.ClaimToken)
	assert.Equal(t, "thief", *final.ClaimToken)
	assert.Nil(t, final.PlatformPostID)
	assert.Equal(t, 1, final.AttemptCount)
}

func TestRunDrainsPollSource(t *testing.T) {
	adapter := &scriptedAdapter{postID: "ext-run"}
	clock := clockwork.NewRealClock()
	mem := store.NewMemory()
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.WorkerCount = 2

	registry := platform.NewRegistry()
	registry.Register(models.PlatformMicroblog, adapter)
	bodies := content.NewMemoryStore()
	bodies.Put("post-1", []byte("hello"))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(mem, registry, bodies, allowAll{}, cfg, clock, log)
	sched := scheduler.New(mem, cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := sched.Schedule(ctx, scheduler.Request{
			ContentRef:     "post-1",
			Platform:       models.PlatformMicroblog,
			DueAt:          clock.Now(),
			PredictedScore: 50,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var done atomic.Bool
	go func() {
		_ = d.Run(ctx)
		done.Store(true)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := mem.GetJob(context.Background(), id)
			if err != nil || job.State != models.StatePublished {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return done.Load() }, time.Second, 5*time.Millisecond)
}

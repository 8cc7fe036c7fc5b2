package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"publish-pipeline/internal/config"
	"publish-pipeline/internal/models"
	"publish-pipeline/internal/platform"
	"publish-pipeline/internal/telemetry"
)

// JobStore is the slice of the durable store the dispatcher needs. Every
// method that moves a job is a conditional write; false means the condition
// no longer held, never a fault.
type JobStore interface {
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	Claim(ctx context.Context, id string, from models.State, token string, until, now time.Time) (bool, error)
	MarkPublishing(ctx context.Context, id, token string) (bool, error)
	MarkPublished(ctx context.Context, id, token, platformPostID string, now time.Time) (bool, error)
	MarkRetry(ctx context.Context, id, token string, dueAt time.Time, errKind, errMsg string) (bool, error)
	MarkFailed(ctx context.Context, id, token, errKind, errMsg string) (bool, error)
	RenewLease(ctx context.Context, id, token string, until time.Time) (bool, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// ContentResolver turns an opaque content ref into the payload to publish.
type ContentResolver interface {
	Resolve(ctx context.Context, ref string) (platform.Content, error)
}

// Limiter guards submits against platform API quotas.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Dispatcher turns eligible jobs into publish attempts: a fixed-size worker
// pool consuming one poll source, coordinating exclusively through the store's
// conditional writes.
type Dispatcher struct {
	store    JobStore
	registry *platform.Registry
	content  ContentResolver
	limiter  Limiter
	policy   RetryPolicy
	cfg      config.Config
	clock    clockwork.Clock
	log      *slog.Logger
}

func New(store JobStore, registry *platform.Registry, content ContentResolver, limiter Limiter, cfg config.Config, clock clockwork.Clock, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		content:  content,
		limiter:  limiter,
		policy:   RetryPolicy{Base: cfg.BackoffBase, Max: cfg.BackoffMax, MaxAttempts: cfg.MaxAttempts},
		cfg:      cfg,
		clock:    clock,
		log:      log,
	}
}

// Run polls for eligible jobs and fans them out to the worker pool until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan models.Job)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				d.process(ctx, job)
			}
		}()
	}

	ticker := d.clock.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.Chan():
		}

		batch, err := d.store.DueJobs(ctx, d.clock.Now(), d.cfg.PollBatchSize)
		if err != nil {
			d.log.Error("poll due jobs", "error", err)
			continue
		}
		telemetry.DueDepth.Set(float64(len(batch)))
		for _, job := range batch {
			select {
			case jobs <- job:
			case <-ctx.Done():
				break poll
			}
		}
	}

	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// process claims one candidate and drives it through a single attempt.
// A lost claim race is a no-op; the job was taken by another worker.
func (d *Dispatcher) process(ctx context.Context, job models.Job) {
	token := uuid.New().String()
	now := d.clock.Now()

	claimed, err := d.store.Claim(ctx, job.ID, job.State, token, now.Add(d.cfg.LeaseDuration), now)
	if err != nil {
		d.log.Error("claim", "job_id", job.ID, "error", err)
		return
	}
	if !claimed {
		telemetry.ClaimsLost.Inc()
		return
	}
	if job.State != models.StatePending {
		// Recovered an expired lease; the previous holder may have died
		// mid-submit, so this attempt can duplicate.
		_ = d.store.AppendEvent(ctx, job.ID, "lease_recovered", fmt.Sprintf("previous_state=%s", job.State))
	}

	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	ok, err := d.store.MarkPublishing(ctx, job.ID, token)
	if err != nil {
		d.log.Error("mark publishing", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// Lease expired between claim and execute; another worker owns it now.
		return
	}
	attempt := job.AttemptCount + 1
	_ = d.store.AppendEvent(ctx, job.ID, "attempt", fmt.Sprintf("attempt=%d platform=%s", attempt, job.Platform))

	postID, err := d.attempt(ctx, job, token)
	if err != nil {
		d.settleFailure(ctx, job, token, attempt, err)
		return
	}

	done, err := d.store.MarkPublished(ctx, job.ID, token, postID, d.clock.Now())
	if err != nil {
		d.log.Error("mark published", "job_id", job.ID, "error", err)
		return
	}
	if !done {
		// The lease lapsed during a slow submit and the job moved on without
		// us. The external side effect happened; the idempotency key keeps a
		// re-sent attempt from posting twice.
		d.log.Warn("publish result discarded after lease loss", "job_id", job.ID, "post_id", postID)
		return
	}
	telemetry.PublishSuccess.WithLabelValues(string(job.Platform)).Inc()
	_ = d.store.AppendEvent(ctx, job.ID, "published", fmt.Sprintf("post_id=%s attempt=%d", postID, attempt))
	d.log.Info("published", "job_id", job.ID, "platform", job.Platform, "post_id", postID, "attempt", attempt)
}

// attempt resolves content and submits it, renewing the claim lease while the
// remote call is in flight.
func (d *Dispatcher) attempt(ctx context.Context, job models.Job, token string) (string, error) {
	adapter, err := d.registry.Lookup(job.Platform)
	if err != nil {
		return "", platform.NewError(platform.ClassRejected, "no adapter configured", err)
	}

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, "platform:"+string(job.Platform))
		if err != nil {
			return "", platform.NewError(platform.ClassTransient, "rate limiter unavailable", err)
		}
		if !allowed {
			return "", platform.NewError(platform.ClassRateLimited, "submit quota exhausted", nil)
		}
	}

	content, err := d.content.Resolve(ctx, job.ContentRef)
	if err != nil {
		return "", err
	}

	stop := d.keepLeaseAlive(ctx, job.ID, token)
	defer stop()

	submitCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	return adapter.Submit(submitCtx, content, idempotencyKey(job.ID))
}

// keepLeaseAlive renews claimed_until on a fraction of the lease period until
// the returned stop func runs. A renewal that fails means the lease was lost;
// nothing to do here, the conditional finish writes will catch it.
func (d *Dispatcher) keepLeaseAlive(ctx context.Context, jobID, token string) func() {
	done := make(chan struct{})
	go func() {
		ticker := d.clock.NewTicker(d.cfg.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if ok, err := d.store.RenewLease(ctx, jobID, token, d.clock.Now().Add(d.cfg.LeaseDuration)); err != nil || !ok {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (d *Dispatcher) settleFailure(ctx context.Context, job models.Job, token string, attempt int, cause error) {
	class := platform.ClassOf(cause)
	decision := d.policy.Decide(attempt, class)

	if decision.Retry {
		dueAt := d.clock.Now().Add(decision.After)
		if _, err := d.store.MarkRetry(ctx, job.ID, token, dueAt, string(class), cause.Error()); err != nil {
			d.log.Error("mark retry", "job_id", job.ID, "error", err)
			return
		}
		telemetry.PublishRetries.WithLabelValues(string(job.Platform), string(class)).Inc()
		_ = d.store.AppendEvent(ctx, job.ID, "retry_scheduled",
			fmt.Sprintf("attempt=%d class=%s due_at=%s", attempt, class, dueAt.UTC().Format(time.RFC3339)))
		d.log.Warn("attempt failed, retrying", "job_id", job.ID, "platform", job.Platform, "attempt", attempt, "class", class, "due_at", dueAt)
		return
	}

	if _, err := d.store.MarkFailed(ctx, job.ID, token, string(class), cause.Error()); err != nil {
		d.log.Error("mark failed", "job_id", job.ID, "error", err)
		return
	}
	telemetry.PublishFailures.WithLabelValues(string(job.Platform), string(class)).Inc()
	_ = d.store.AppendEvent(ctx, job.ID, "failed", fmt.Sprintf("attempt=%d class=%s", attempt, class))
	d.log.Error("job failed terminally", "job_id", job.ID, "platform", job.Platform, "attempt", attempt, "class", class, "error", cause)
}

// idempotencyKey derives the platform dedup token from the job identity so a
// duplicated attempt carries the same key.
func idempotencyKey(jobID string) string {
	return "publish-" + jobID
}

// Package analytics gathers observed engagement for published jobs. Its
// lifecycle is independent of publishing: a failed fetch never touches job
// state, it just waits for the next interval.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"publish-pipeline/internal/config"
	"publish-pipeline/internal/models"
	"publish-pipeline/internal/platform"
	"publish-pipeline/internal/telemetry"
)

// Store is the slice of the durable store the collector needs.
type Store interface {
	PublishedSince(ctx context.Context, since time.Time, limit int) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobByPostID(ctx context.Context, postID string) (models.Job, error)
	AppendMetric(ctx context.Context, rec models.MetricRecord) error
}

// Collector pulls metrics on an interval and accepts pushed metric events.
type Collector struct {
	store    Store
	registry *platform.Registry
	cfg      config.Config
	clock    clockwork.Clock
	log      *slog.Logger
}

func New(store Store, registry *platform.Registry, cfg config.Config, clock clockwork.Clock, log *slog.Logger) *Collector {
	return &Collector{store: store, registry: registry, cfg: cfg, clock: clock, log: log}
}

// Run polls platform metrics on the configured interval until cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		if err := c.CollectOnce(ctx); err != nil {
			c.log.Error("collect pass", "error", err)
		}
	}
}

// CollectOnce fetches a fresh snapshot for every job published inside the
// trailing window. Individual fetch failures are logged and retried on the
// next interval.
func (c *Collector) CollectOnce(ctx context.Context) error {
	now := c.clock.Now()
	jobs, err := c.store.PublishedSince(ctx, now.Add(-c.cfg.CollectWindow), c.cfg.PollBatchSize)
	if err != nil {
		return fmt.Errorf("list published jobs: %w", err)
	}

	for _, job := range jobs {
		if job.PlatformPostID == nil {
			continue
		}
		adapter, err := c.registry.Lookup(job.Platform)
		if err != nil {
			c.log.Error("no adapter for published job", "job_id", job.ID, "platform", job.Platform)
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		counts, err := adapter.FetchMetrics(fetchCtx, *job.PlatformPostID)
		cancel()
		if err != nil {
			telemetry.MetricFetchFailures.WithLabelValues(string(job.Platform)).Inc()
			if platform.ClassOf(err) == platform.ClassNotFound {
				c.log.Info("post no longer exists on platform", "job_id", job.ID, "post_id", *job.PlatformPostID)
			} else {
				c.log.Warn("metric fetch failed", "job_id", job.ID, "platform", job.Platform, "error", err)
			}
			continue
		}

		if err := c.append(ctx, job.ID, counts, now, "pull"); err != nil {
			c.log.Error("append metric", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// Ingest handles a pushed metric event from the webhook. The job must exist
// and be published; anything else is a caller error.
func (c *Collector) Ingest(ctx context.Context, jobID string, counts models.RawCounts, capturedAt time.Time) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != models.StatePublished {
		return fmt.Errorf("job %s is %s, metrics accepted only for published jobs: %w",
			jobID, job.State, models.ErrInvalidState)
	}
	if capturedAt.IsZero() {
		capturedAt = c.clock.Now()
	}
	return c.append(ctx, jobID, counts, capturedAt, "push")
}

// IngestByPostID correlates a pushed event that carries only the platform's
// post id back to its job, then ingests it.
func (c *Collector) IngestByPostID(ctx context.Context, postID string, counts models.RawCounts, capturedAt time.Time) error {
	job, err := c.store.GetJobByPostID(ctx, postID)
	if err != nil {
		return err
	}
	return c.Ingest(ctx, job.ID, counts, capturedAt)
}

func (c *Collector) append(ctx context.Context, jobID string, counts models.RawCounts, capturedAt time.Time, source string) error {
	rec := models.MetricRecord{
		JobID:          jobID,
		CapturedAt:     capturedAt.UTC(),
		Impressions:    counts.Impressions,
		Likes:          counts.Likes,
		Comments:       counts.Comments,
		Shares:         counts.Shares,
		Clicks:         counts.Clicks,
		EngagementRate: counts.EngagementRate(),
	}
	if err := c.store.AppendMetric(ctx, rec); err != nil {
		return err
	}
	telemetry.MetricsCollected.WithLabelValues(source).Inc()
	return nil
}

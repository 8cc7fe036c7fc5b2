package models

import (
	"errors"
	"fmt"
	"time"
)

// State enumerates the publish job lifecycle persisted in Postgres.
type State string

const (
	StatePending    State = "pending"
	StateClaimed    State = "claimed"
	StatePublishing State = "publishing"
	StatePublished  State = "published"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed || s == StateCancelled
}

// transitions is the legal edge set for job state changes. The Postgres store
// enforces these edges through conditional writes; this map is the reference
// form used for in-process transition checks.
var transitions = map[State][]State{
	StatePending:    {StateClaimed, StateCancelled},
	StateClaimed:    {StatePublishing, StatePending},
	StatePublishing: {StatePublished, StatePending, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Platform is the closed set of supported distribution targets.
type Platform string

const (
	PlatformLinkedIn  Platform = "linkedin"
	PlatformMicroblog Platform = "microblog"
)

// KnownPlatform reports whether p is a supported target.
func KnownPlatform(p Platform) bool {
	switch p {
	case PlatformLinkedIn, PlatformMicroblog:
		return true
	}
	return false
}

// Caller/programming errors, surfaced immediately and never retried.
var (
	ErrInvalidSchedule     = errors.New("invalid schedule")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrJobNotFound         = errors.New("job not found")
)

// ReconcileStatus tracks whether a published job's prediction has been folded
// back into calibration.
type ReconcileStatus string

const (
	ReconcilePending ReconcileStatus = "pending"
	ReconcileDone    ReconcileStatus = "reconciled"
	// ReconcileAbandoned marks jobs whose metrics never arrived within the
	// reconciliation window.
	ReconcileAbandoned ReconcileStatus = "unreconciled"
)

// Job is one scheduled publish action, the durable source of truth.
type Job struct {
	ID             string          `json:"id"`
	ContentRef     string          `json:"content_ref"`
	Platform       Platform        `json:"platform"`
	DueAt          time.Time       `json:"due_at"`
	State          State           `json:"state"`
	AttemptCount   int             `json:"attempt_count"`
	LastErrorKind  *string         `json:"last_error_kind,omitempty"`
	LastErrorMsg   *string         `json:"last_error_msg,omitempty"`
	PlatformPostID *string         `json:"platform_post_id,omitempty"`
	PredictedScore float64         `json:"predicted_score"`
	ClaimToken     *string         `json:"-"`
	ClaimedUntil   *time.Time      `json:"-"`
	Reconcile      ReconcileStatus `json:"reconcile_status"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MetricRecord is one append-only engagement snapshot for a published job.
type MetricRecord struct {
	JobID          string    `json:"job_id"`
	CapturedAt     time.Time `json:"captured_at"`
	Impressions    int64     `json:"impressions"`
	Likes          int64     `json:"likes"`
	Comments       int64     `json:"comments"`
	Shares         int64     `json:"shares"`
	Clicks         int64     `json:"clicks"`
	EngagementRate float64   `json:"engagement_rate"`
	Reconciled     bool      `json:"reconciled"`
}

// RawCounts are platform-reported engagement counters before derivation.
type RawCounts struct {
	Impressions int64 `json:"impressions"`
	Likes       int64 `json:"likes"`
	Comments    int64 `json:"comments"`
	Shares      int64 `json:"shares"`
	Clicks      int64 `json:"clicks"`
}

// EngagementRate derives interactions-per-impression as a percentage.
// Zero impressions yields zero rather than a division error; the platform
// simply has not surfaced the post yet.
func (c RawCounts) EngagementRate() float64 {
	if c.Impressions == 0 {
		return 0
	}
	interactions := c.Likes + c.Comments + c.Shares + c.Clicks
	return float64(interactions) / float64(c.Impressions) * 100
}

// Calibration holds the scoring model's tunable weights, persisted as a
// single versioned row and mutated only by the reconciliation engine.
type Calibration struct {
	Version        int64     `json:"version"`
	Bias           float64   `json:"bias"`
	PlatformWeight float64   `json:"platform_weight"`
	HourWeight     float64   `json:"hour_weight"`
	LengthWeight   float64   `json:"length_weight"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobEvent is an append-only audit row recorded on every transition.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// TransitionError builds the InvalidState failure for an illegal edge.
func TransitionError(id string, from, to State) error {
	return fmt.Errorf("job %s: %s -> %s: %w", id, from, to, ErrInvalidState)
}

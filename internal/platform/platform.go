package platform

import (
	"context"
	"errors"
	"fmt"

	"publish-pipeline/internal/models"
)

// Class buckets adapter failures so retry policy stays platform-agnostic.
type Class string

const (
	ClassRateLimited Class = "rate_limited"
	ClassAuthExpired Class = "auth_expired"
	ClassRejected    Class = "rejected"
	ClassTransient   Class = "transient"
	ClassNotFound    Class = "not_found"
)

// Error is a classified adapter failure. Transport detail stays behind the
// classification plus message; callers only ever branch on Class.
type Error struct {
	Class   Class
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError wraps cause under the given class.
func NewError(class Class, msg string, cause error) *Error {
	return &Error{Class: class, Message: msg, cause: cause}
}

// ClassOf extracts the class from err, defaulting to transient so unknown
// failures stay retryable.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// Content is the resolved payload handed to an adapter. The body is opaque to
// the pipeline; adapters only shape it into the platform's wire format.
type Content struct {
	Ref  string
	Body []byte
}

// Adapter is the uniform capability set per distribution target. Adapters
// never retry internally; retry policy lives with the dispatcher.
type Adapter interface {
	// Submit publishes content and returns the external post id. The
	// idempotency key lets the platform deduplicate a re-sent attempt.
	Submit(ctx context.Context, content Content, idempotencyKey string) (string, error)

	// FetchMetrics returns current raw engagement counts for a post.
	FetchMetrics(ctx context.Context, externalPostID string) (models.RawCounts, error)
}

// Registry maps the closed platform enumeration to adapter implementations.
type Registry struct {
	adapters map[models.Platform]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Platform]Adapter)}
}

// Register binds an adapter to a platform.
func (r *Registry) Register(p models.Platform, a Adapter) {
	if a == nil {
		return
	}
	r.adapters[p] = a
}

// Lookup returns the adapter for p or ErrUnsupportedPlatform.
func (r *Registry) Lookup(p models.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", p, models.ErrUnsupportedPlatform)
	}
	return a, nil
}

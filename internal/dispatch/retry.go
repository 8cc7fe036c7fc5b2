package dispatch

import (
	"time"

	"publish-pipeline/internal/platform"
)

// Decision is the retry controller's verdict for one failed attempt.
type Decision struct {
	Retry bool
	After time.Duration
}

// RetryPolicy maps (attempt count, error class) to a decision. It is a pure
// value: the same inputs always produce the same verdict.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Decide returns the verdict for a failure on the given attempt (1-based).
// Auth and policy rejections can never succeed on retry; rate limits and
// transient faults back off exponentially until attempts run out.
func (p RetryPolicy) Decide(attempt int, class platform.Class) Decision {
	switch class {
	case platform.ClassAuthExpired, platform.ClassRejected:
		return Decision{}
	}
	if attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, After: p.backoff(attempt)}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Package backoff computes retry delays and terminal-failure decisions
// for failed uploads.
package backoff

import (
	"math/rand"
	"time"

	"github.com/telhawk-systems/telhawk-edge/edge/internal/uploader"
)

// Defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultJitter      = 0.3
	DefaultMaxAttempts = 3
)

// Action is what the caller should do with a failed event.
type Action int

const (
	// Retry keeps the event pending and charges one attempt.
	Retry Action = iota
	// DeadLetter moves the event to its terminal failure state.
	DeadLetter
	// NoPenalty leaves the event pending without charging an attempt.
	NoPenalty
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	case NoPenalty:
		return "no_penalty"
	}
	return "unknown"
}

// Decision is the policy outcome for one failure.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Config holds policy parameters. Zero delays and attempts take the
// defaults; a zero Jitter disables jitter.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
}

// Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	base        time.Duration
	max         time.Duration
	jitter      float64
	maxAttempts int
	rand        func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithRandom replaces the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(p *Policy) { p.rand = f }
}

func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		base:        cfg.BaseDelay,
		max:         cfg.MaxDelay,
		jitter:      cfg.Jitter,
		maxAttempts: cfg.MaxAttempts,
		rand:        rand.Float64, //nolint:gosec // jitter doesn't need crypto randomness
	}
	if p.base <= 0 {
		p.base = DefaultBaseDelay
	}
	if p.max <= 0 {
		p.max = DefaultMaxDelay
	}
	if p.max < p.base {
		p.max = p.base
	}
	if p.jitter < 0 {
		p.jitter = 0
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the retry budget.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Base returns min(maxDelay, baseDelay * 2^(attempt-1)) without jitter.
func (p *Policy) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.max || d <= 0 {
			return p.max
		}
	}
	if d > p.max {
		return p.max
	}
	return d
}

// Delay returns the backoff delay for attempt with jitter of up to the
// configured fraction added on top.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.Base(attempt)
	if p.jitter > 0 {
		d += time.Duration(float64(d) * p.jitter * p.rand())
	}
	return d
}

// DelayWithRetryAfter returns max(Delay(attempt), retryAfter).
func (p *Policy) DelayWithRetryAfter(attempt int, retryAfter time.Duration) time.Duration {
	d := p.Delay(attempt)
	if retryAfter > d {
		return retryAfter
	}
	return d
}

// Decide classifies a failure on the given attempt number (1 for the
// first failure).
func (p *Policy) Decide(attempt int, err error) Decision {
	ue, ok := uploader.AsUploadError(err)
	if !ok {
		// Unclassified failures are treated like transport errors.
		ue = &uploader.UploadError{Kind: uploader.KindNetwork}
	}

	switch ue.Kind {
	case uploader.KindAuth:
		return Decision{Action: NoPenalty}
	case uploader.KindRateLimit:
		return Decision{Action: NoPenalty, Delay: ue.RetryAfter}
	case uploader.KindPermanent:
		return Decision{Action: DeadLetter}
	}

	if attempt >= p.maxAttempts {
		return Decision{Action: DeadLetter}
	}
	return Decision{Action: Retry, Delay: p.DelayWithRetryAfter(attempt, ue.RetryAfter)}
}

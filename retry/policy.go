// Package retry runs a single unit of work under a bounded retry budget.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff accepts "fixed" or "exponential" in any case.
func ParseBackoff(s string) (Backoff, error) {
	switch b := Backoff(strings.ToLower(strings.TrimSpace(s))); b {
	case BackoffFixed, BackoffExponential:
		return b, nil
	}
	return "", fmt.Errorf("unknown backoff %q", s)
}

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy bounds the attempts made for one unit of work.
// MaxRetries is the total number of attempts, the first one included.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	backoff    Backoff
	sleep      Sleeper
}

type Option func(*Policy)

func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.baseDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.maxDelay = d
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(p *Policy) {
		if b == BackoffFixed || b == BackoffExponential {
			p.backoff = b
		}
	}
}

// WithSleeper replaces the timer used between attempts. Tests use it to
// avoid real waits.
func WithSleeper(s Sleeper) Option {
	return func(p *Policy) {
		if s != nil {
			p.sleep = s
		}
	}
}

// New returns a policy with the defaults overridden by opts.
func New(opts ...Option) *Policy {
	p := &Policy{
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		backoff:    BackoffExponential,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) MaxRetries() int { return p.maxRetries }

// Delay returns the wait before the attempt following attempt n (1-based).
func (p *Policy) Delay(n int, hint time.Duration) time.Duration {
	d := p.baseDelay
	if hint > 0 {
		d = hint
	} else if p.backoff == BackoffExponential {
		for i := 1; i < n && d < p.maxDelay; i++ {
			d *= 2
		}
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// Result describes how a call to Do ended.
type Result struct {
	Attempts  int
	Err       error
	Permanent bool
}

// OK reports whether the last attempt succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Do calls fn until it succeeds, fails permanently or the attempt budget is
// spent. onRetry, if set, is called once before every repeated attempt.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) Result {
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				err = fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return Result{Attempts: attempt - 1, Err: err}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return Result{Attempts: attempt}
		}
		lastErr = err

		class, hint := Classify(err)
		if class == ClassPermanent {
			return Result{Attempts: attempt, Err: err, Permanent: true}
		}
		if attempt == p.maxRetries {
			break
		}

		delay := p.Delay(attempt, hint)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return Result{Attempts: attempt, Err: fmt.Errorf("%w (last error: %v)", serr, lastErr)}
		}
	}
	return Result{Attempts: p.maxRetries, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

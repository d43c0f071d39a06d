package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config describes an exponential backoff schedule: Base, 2*Base, 4*Base, ...
// with +/-20% jitter per attempt.
type Config struct {
	MaxAttempts int
	Base        time.Duration
}

func Default() Config {
	return Config{MaxAttempts: 3, Base: 2 * time.Second}
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. It returns
// nil on the first success, the last error otherwise. Permanent errors can be
// signalled by wrapping with Permanent; those abort immediately.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Base <= 0 {
		cfg.Base = 2 * time.Second
	}

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if werr := wait(ctx, backoffDelay(cfg.Base, attempt)); werr != nil {
				return werr
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if pe, ok := err.(*permanentError); ok {
			return pe.err
		}
	}
	return err
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	// +/- 20% jitter so synchronized workers don't hammer the upstream in lockstep
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

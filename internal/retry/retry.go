// Package retry provides a bounded polling helper with jittered waits.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config bounds a polling loop.
type Config struct {
	// Attempts is the maximum number of calls
	Attempts int
	// MinWait and MaxWait bound the uniformly jittered wait between calls
	MinWait time.Duration
	MaxWait time.Duration
}

// Poll calls fn up to cfg.Attempts times, waiting a jittered duration
// between calls, until fn reports it produced a result. Errors from fn
// are treated the same as "no result yet". Running out of attempts is
// not an error: the zero value and false are returned, leaving the
// caller to tolerate the absence.
func Poll[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, bool, error)) (T, bool) {
	var zero T
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitter(cfg.MinWait, cfg.MaxWait)):
			case <-ctx.Done():
				return zero, false
			}
		}
		if v, ok, err := fn(ctx); err == nil && ok {
			return v, true
		}
		if ctx.Err() != nil {
			return zero, false
		}
	}
	return zero, false
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

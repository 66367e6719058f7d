// Package retry runs a unit of work with bounded retries, exponential
// backoff with jitter and a per-attempt deadline.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Options configures a Retrier. Total attempts are Retries+1.
type Options struct {
	Retries int           `yaml:"retries"`
	Base    time.Duration `yaml:"base"`
	Factor  float64       `yaml:"factor"`
	Jitter  bool          `yaml:"jitter"`
	// Timeout bounds a single attempt. Zero means no deadline.
	Timeout time.Duration `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		Retries: 3,
		Base:    300 * time.Millisecond,
		Factor:  2,
		Jitter:  true,
	}
}

// Source yields uniform values in [0, 1). *math/rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// NotifyFunc is called before each backoff with the failed attempt index,
// its error and the delay about to be slept.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Retrier holds the retry policy. It has no mutable state, so one Retrier
// may serve concurrent calls as long as its Source is safe for that.
type Retrier struct {
	opts   Options
	rnd    Source
	sleep  SleepFunc
	notify NotifyFunc
}

// New creates a Retrier. A nil rnd uses the process-wide generator.
func New(opts Options, rnd Source) *Retrier {
	if rnd == nil {
		rnd = globalSource{}
	}
	return &Retrier{opts: opts, rnd: rnd, sleep: sleepContext}
}

// WithTimeout returns a copy of r whose attempts are bounded by d.
func (r *Retrier) WithTimeout(d time.Duration) *Retrier {
	cp := *r
	cp.opts.Timeout = d
	return &cp
}

// WithSleep returns a copy of r that suspends through fn.
func (r *Retrier) WithSleep(fn SleepFunc) *Retrier {
	cp := *r
	cp.sleep = fn
	return &cp
}

// WithNotify returns a copy of r that reports each retry to fn.
func (r *Retrier) WithNotify(fn NotifyFunc) *Retrier {
	cp := *r
	cp.notify = fn
	return &cp
}

func (r *Retrier) Options() Options { return r.opts }

// Backoff returns the delay before retry number n (n >= 1).
func (r *Retrier) Backoff(n int) time.Duration {
	delay := float64(r.opts.Base) * math.Pow(r.opts.Factor, float64(n-1))
	if r.opts.Jitter {
		delay *= 0.5 + r.rnd.Float64()/2
	}
	return time.Duration(delay)
}

// Func is one attempt. attempt is 0-based.
type Func[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs fn until it succeeds or the retry budget is spent. The error of the
// final attempt is returned as is. If ctx ends during a backoff, Do returns
// ctx.Err().
func Do[T any](ctx context.Context, r *Retrier, fn Func[T]) (T, error) {
	attempt := 0
	for {
		result, err := runAttempt(ctx, r.opts.Timeout, attempt, fn)
		if err == nil {
			return result, nil
		}

		attempt++
		if attempt > r.opts.Retries {
			var zero T
			return zero, err
		}

		delay := r.Backoff(attempt)
		if r.notify != nil {
			r.notify(attempt-1, err, delay)
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			var zero T
			return zero, serr
		}
	}
}

// runAttempt scopes one call to its own context, released on every return path.
func runAttempt[T any](ctx context.Context, timeout time.Duration, n int, fn Func[T]) (T, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	return fn(ctx, n)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

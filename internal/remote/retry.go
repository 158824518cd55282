package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff is the retry schedule, in multiples of Unit.
type Backoff struct {
	Unit time.Duration
	// Initial is the first delay; each later delay doubles, up to Max.
	Initial int
	Max     int
	// TotalCap stops retrying once the delays slept add up to it.
	TotalCap int
}

// DefaultBackoff waits 1, 2, 4, ... 32, 32 seconds, giving up after 600.
var DefaultBackoff = Backoff{Unit: time.Second, Initial: 1, Max: 32, TotalCap: 600}

// Schedule returns every delay, in units, the policy will sleep before it
// surfaces a failure: delays are issued while the accumulated total is
// below TotalCap.
func (b Backoff) Schedule() []int {
	var out []int
	total, next := 0, max(b.Initial, 1)
	for total < b.TotalCap {
		d := min(next, b.Max)
		out = append(out, d)
		total += d
		next = d * 2
	}
	return out
}

// Retrier runs remote calls under a Backoff.
//
// Thread-safety: safe for concurrent use.
type Retrier struct {
	backoff Backoff
	clock   clockwork.Clock
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithClock sleeps on clock instead of the real clock.
func WithClock(c clockwork.Clock) RetryOption {
	return func(r *Retrier) { r.clock = c }
}

// WithSleep replaces sleeping entirely, e.g. to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *Retrier) { r.logger = l }
}

// NewRetrier returns a Retrier for b.
func NewRetrier(b Backoff, opts ...RetryOption) *Retrier {
	r := &Retrier{backoff: b, clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.sleep == nil {
		r.sleep = r.clockSleep
	}
	return r
}

func (r *Retrier) clockSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}

// Do calls fn until it succeeds, fails with an error Classify rejects, or
// the schedule is exhausted. The last error is returned. A cancelled ctx
// stops retrying at once.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	schedule := r.backoff.Schedule()
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !Classify(err) {
			return err
		}
		if attempt >= len(schedule) {
			r.logger.Warn("giving up on remote call", "op", op, "attempts", attempt+1, "error", err)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempt+1, err)
		}
		delay := time.Duration(schedule[attempt]) * r.backoff.Unit
		r.logger.Debug("retrying remote call", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

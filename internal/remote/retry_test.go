package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/failure"
)

func recordingRetrier(delays *[]time.Duration) *Retrier {
	return NewRetrier(DefaultBackoff,
		WithRetryLogger(discard()),
		WithSleep(func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		}))
}

func TestBackoff_Schedule(t *testing.T) {
	got := DefaultBackoff.Schedule()

	require.GreaterOrEqual(t, len(got), 7)
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32, 32}, got[:7])
	total := 0
	for i, d := range got {
		if i >= 5 {
			assert.Equal(t, 32, d)
		}
		total += d
	}
	assert.Equal(t, 607, total)
	assert.Less(t, total-got[len(got)-1], 600, "the last delay starts below the cap")
	assert.Len(t, got, 23)
}

func TestRetrier_Consecutive503(t *testing.T) {
	var delays []time.Duration
	r := recordingRetrier(&delays)
	calls := 0

	err := r.Do(context.Background(), "pull", func(context.Context) error {
		calls++
		return &StatusError{Code: 503}
	})

	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Code)
	assert.Equal(t, 24, calls)
	require.Len(t, delays, 23)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 32 * time.Second}, delays[:7])
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	r := recordingRetrier(&delays)
	codes := []int{502, 429, 408}

	err := r.Do(context.Background(), "push", func(context.Context) error {
		if len(codes) == 0 {
			return nil
		}
		c := codes[0]
		codes = codes[1:]
		return &StatusError{Code: c}
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestRetrier_PermanentFailuresSurfaceImmediately(t *testing.T) {
	for _, err := range []error{
		failure.New(failure.KindNotFound, "pull", "x"),
		failure.New(failure.KindInvalidSignature, "pull", "x"),
		failure.New(failure.KindConflict, "push", "x"),
		&StatusError{Code: 404, Kind: failure.KindNotFound},
		&StatusError{Code: 400},
		errors.New("boom"),
	} {
		t.Run(err.Error(), func(t *testing.T) {
			var delays []time.Duration
			calls := 0
			got := recordingRetrier(&delays).Do(context.Background(), "op", func(context.Context) error {
				calls++
				return err
			})
			assert.Equal(t, err, got)
			assert.Equal(t, 1, calls)
			assert.Empty(t, delays)
		})
	}
}

func TestRetrier_TimeoutIsRetryable(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := recordingRetrier(&delays).Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("dial: %w", context.DeadlineExceeded)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetrier_CancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	r := NewRetrier(DefaultBackoff, WithClock(clock), WithRetryLogger(discard()))

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "op", func(context.Context) error { return &StatusError{Code: 503} })
	}()
	clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retrier did not stop on cancel")
	}
}

func TestRetrier_SleepsOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetrier(DefaultBackoff, WithClock(clock), WithRetryLogger(discard()))
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return &StatusError{Code: 500}
			}
			return nil
		})
	}()
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("retrier did not finish")
	}
}

func TestClassify(t *testing.T) {
	for _, code := range []int{500, 502, 503, 504, 408, 429} {
		assert.True(t, Classify(&StatusError{Code: code}), "code %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 409, 410, 501} {
		assert.False(t, Classify(&StatusError{Code: code}), "code %d", code)
	}
	assert.False(t, Classify(nil))
	assert.False(t, Classify(context.Canceled))
}

func TestStatusFromError_KeepsKind(t *testing.T) {
	se := StatusFromError(failure.New(failure.KindDeleted, "store.Get", "p"))
	assert.Equal(t, 410, se.Code)
	assert.ErrorIs(t, se, failure.ErrDeleted)
	assert.False(t, se.Retryable())

	assert.Equal(t, 500, StatusFromError(errors.New("disk on fire")).Code)
	assert.Equal(t, 504, CodeFor(context.DeadlineExceeded))
}

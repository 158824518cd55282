package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds how long a mutation waits for the root lock.
const DefaultLockTimeout = 5 * time.Second

// ErrLockTimeout is returned when the root lock cannot be acquired in time.
var ErrLockTimeout = errors.New("root lock: wait exceeded")

// RootLock serialises mutations under one storage root.
type RootLock struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewRootLock returns a lock whose Acquire waits at most timeout. A
// non-positive timeout waits until ctx is done.
func NewRootLock(timeout time.Duration) *RootLock {
	return &RootLock{sem: semaphore.NewWeighted(1), timeout: timeout}
}

// Acquire takes the lock. The returned release func is idempotent.
func (l *RootLock) Acquire(ctx context.Context) (release func(), err error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}

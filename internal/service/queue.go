package service

import (
	"sync"

	"github.com/roach88/syncvault/internal/remote"
)

// notificationQueue is an unbounded FIFO of received notifications.
//
// Enqueue may be called from any goroutine (the transport delivers
// notifications on its own goroutines); Run drains it. A buffered signal
// channel of size 1 coalesces wakeups so the drain can select on it
// alongside the context and the ticker.
type notificationQueue struct {
	mu     sync.Mutex
	items  []remote.Notification
	closed bool
	signal chan struct{}
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{
		items:  make([]remote.Notification, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds n to the back of the queue. It returns false once the queue
// is closed.
func (q *notificationQueue) Enqueue(n remote.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, n)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front notification without blocking.
func (q *notificationQueue) TryDequeue() (remote.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return remote.Notification{}, false
	}
	n := q.items[0]
	q.items[0] = remote.Notification{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return n, true
}

// Wait returns a channel that receives when notifications may be
// available. It is closed by Close.
func (q *notificationQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued notifications.
func (q *notificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes any waiter.
func (q *notificationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

package service

import "sync/atomic"

// sequence is a monotonic counter that stamps events.
//
// Thread-safety: safe for concurrent use.
type sequence struct {
	n atomic.Int64
}

// next returns the next value. Values start at 1.
func (s *sequence) next() int64 {
	return s.n.Add(1)
}

// current returns the last value handed out without advancing.
func (s *sequence) current() int64 {
	return s.n.Load()
}

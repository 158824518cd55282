package service

import (
	"context"

	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/remote"
)

// Run syncs paths every interval and handles queued notifications until
// ctx is cancelled or Close is called. A failing cycle is logged and the
// loop carries on.
func (s *Service) Run(ctx context.Context, paths []ident.Path) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sync service started", "paths", len(paths), "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service stopped")
			return ctx.Err()
		case _, ok := <-s.queue.Wait():
			s.Drain(ctx)
			if !ok {
				s.logger.Info("sync service closed")
				return nil
			}
		case <-ticker.Chan():
			s.Cycle(ctx, paths)
		}
	}
}

// Cycle runs one sync of every path.
func (s *Service) Cycle(ctx context.Context, paths []ident.Path) {
	for _, p := range paths {
		if _, err := s.SyncPath(ctx, p); err != nil {
			s.logger.Warn("sync cycle failed", "path", p.String(), "error", err)
		}
	}
}

// Drain handles queued notifications until the queue is empty.
func (s *Service) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, ok := s.queue.TryDequeue()
		if !ok {
			return
		}
		s.handle(ctx, n)
	}
}

// handle pulls the notified path unless it already matches.
func (s *Service) handle(ctx context.Context, n remote.Notification) {
	if h, err := s.store.Hash(ctx, n.Path); err == nil && h == n.NewHash {
		s.logger.Debug("notification already applied", "path", n.Path.String())
		return
	}
	if _, err := s.PullAll(ctx, n.Path); err != nil {
		s.logger.Warn("pull after notification failed", "path", n.Path.String(), "error", err)
	}
}

// Package service orchestrates sync between a local store and its remotes.
//
// A Service holds the configured remotes, each with a pull and a push
// predicate, runs sync cycles on a ticker, and reacts to change
// notifications by pulling. Every item a pull writes or a push sends is
// recorded in an append-only event log, as is every notification received.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/syncer"
)

// DefaultInterval is the time between sync cycles.
const DefaultInterval = 30 * time.Second

// DefaultConcurrency bounds how many remotes sync at once.
const DefaultConcurrency = 4

type peer struct {
	remote     remote.Remote
	shouldPull Predicate
	shouldPush Predicate
}

// Service coordinates one store with its remotes.
//
// Thread-safety: every method is safe for concurrent use. Run must be
// called at most once at a time.
type Service struct {
	store       *store.Store
	engine      *syncer.Engine
	clock       clockwork.Clock
	interval    time.Duration
	concurrency int
	deviceID    string
	logger      *slog.Logger

	mu    sync.RWMutex
	peers map[string]peer

	log   eventLog
	queue *notificationQueue
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock driving the sync ticker.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithInterval sets the time between sync cycles.
func WithInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithConcurrency bounds how many remotes are synced at once.
func WithConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

// WithDeviceID names this device in the notifications it sends.
func WithDeviceID(id string) Option {
	return func(s *Service) { s.deviceID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns a service syncing the engine's store.
func New(engine *syncer.Engine, opts ...Option) *Service {
	s := &Service{
		store:       engine.Store(),
		engine:      engine,
		clock:       clockwork.NewRealClock(),
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		peers:       make(map[string]peer),
		queue:       newNotificationQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRemote registers r. Nil predicates match every path.
func (s *Service) AddRemote(r remote.Remote, shouldPull, shouldPush Predicate) error {
	if shouldPull == nil {
		shouldPull = Always
	}
	if shouldPush == nil {
		shouldPush = Always
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[r.ID()]; ok {
		return failure.New(failure.KindAlreadyCreated, "service.AddRemote", r.ID())
	}
	s.peers[r.ID()] = peer{remote: r, shouldPull: shouldPull, shouldPush: shouldPush}
	s.logger.Debug("remote added", "remote", r.ID())
	return nil
}

// RemoveRemote unregisters a remote and drops its remembered hashes.
func (s *Service) RemoveRemote(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return failure.New(failure.KindNotFound, "service.RemoveRemote", id)
	}
	delete(s.peers, id)
	s.engine.Forget(id)
	return nil
}

// Remotes returns the registered remote ids in order.
func (s *Service) Remotes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// selectPeers returns, in id order, the remotes whose predicate accepts p.
func (s *Service) selectPeers(p ident.Path, pull bool) []peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []peer
	for _, pr := range s.peers {
		match := pr.shouldPush
		if pull {
			match = pr.shouldPull
		}
		if match(p) {
			out = append(out, pr)
		}
	}
	slices.SortFunc(out, func(a, b peer) int {
		if a.remote.ID() < b.remote.ID() {
			return -1
		}
		if a.remote.ID() > b.remote.ID() {
			return 1
		}
		return 0
	})
	return out
}

// PullFrom pulls p from one remote. A remote whose pull predicate rejects p
// is skipped with an idle result.
func (s *Service) PullFrom(ctx context.Context, remoteID string, p ident.Path) (syncer.Result, error) {
	s.mu.RLock()
	pr, ok := s.peers[remoteID]
	s.mu.RUnlock()
	if !ok {
		return syncer.Result{}, failure.New(failure.KindNotFound, "service.PullFrom", remoteID)
	}
	if !pr.shouldPull(p) {
		return syncer.Result{Path: p, Remote: remoteID, State: syncer.StateIdle}, nil
	}
	return s.pull(ctx, pr, p)
}

// PushTo pushes p to one remote, subject to its push predicate.
func (s *Service) PushTo(ctx context.Context, remoteID string, p ident.Path) (syncer.Result, error) {
	s.mu.RLock()
	pr, ok := s.peers[remoteID]
	s.mu.RUnlock()
	if !ok {
		return syncer.Result{}, failure.New(failure.KindNotFound, "service.PushTo", remoteID)
	}
	if !pr.shouldPush(p) {
		return syncer.Result{Path: p, Remote: remoteID, State: syncer.StateIdle}, nil
	}
	return s.push(ctx, pr, p)
}

func (s *Service) pull(ctx context.Context, pr peer, p ident.Path) (syncer.Result, error) {
	res, err := s.engine.Pull(ctx, pr.remote, p)
	for _, w := range res.Written {
		s.log.record(EventPull, w, pr.remote.ID())
	}
	return res, err
}

func (s *Service) push(ctx context.Context, pr peer, p ident.Path) (syncer.Result, error) {
	res, err := s.engine.Push(ctx, pr.remote, p)
	for _, sent := range res.Sent {
		s.log.record(EventPush, sent, pr.remote.ID())
	}
	return res, err
}

// PullAll pulls p from every remote whose pull predicate accepts it.
func (s *Service) PullAll(ctx context.Context, p ident.Path) ([]syncer.Result, error) {
	return s.fanOut(ctx, s.selectPeers(p, true), p, s.pull)
}

// PushToAll pushes p to every remote whose push predicate accepts it.
func (s *Service) PushToAll(ctx context.Context, p ident.Path) ([]syncer.Result, error) {
	return s.fanOut(ctx, s.selectPeers(p, false), p, s.push)
}

// SyncPath pulls p from the interested remotes, then pushes it to the
// interested remotes.
func (s *Service) SyncPath(ctx context.Context, p ident.Path) ([]syncer.Result, error) {
	pulled, pullErr := s.PullAll(ctx, p)
	if ctx.Err() != nil {
		return pulled, ctx.Err()
	}
	pushed, pushErr := s.PushToAll(ctx, p)
	return append(pulled, pushed...), errors.Join(pullErr, pushErr)
}

// fanOut runs fn against each peer with bounded concurrency. One remote
// failing does not stop the others; all failures are joined.
func (s *Service) fanOut(ctx context.Context, peers []peer, p ident.Path, fn func(context.Context, peer, ident.Path) (syncer.Result, error)) ([]syncer.Result, error) {
	results := make([]syncer.Result, len(peers))
	errs := make([]error, len(peers))
	var g errgroup.Group
	g.SetLimit(max(s.concurrency, 1))
	for i, pr := range peers {
		g.Go(func() error {
			res, err := fn(ctx, pr, p)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("remote %s: %w", pr.remote.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Notify tells every remote whose push predicate accepts p that the
// content at p now has its current local hash. No content is sent.
func (s *Service) Notify(ctx context.Context, p ident.Path) error {
	h, err := s.store.Hash(ctx, p)
	if err != nil {
		return err
	}
	n := remote.Notification{Root: s.store.StorageRoot(), Path: p, NewHash: h, From: s.deviceID}
	peers := s.selectPeers(p, false)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.concurrency, 1))
	for _, pr := range peers {
		g.Go(func() error {
			if err := pr.remote.Notify(gctx, n); err != nil {
				return fmt.Errorf("notify %s: %w", pr.remote.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// HandleNotification records n and queues it for Run, which pulls the path
// when the local hash differs. Notifications for another root are ignored.
func (s *Service) HandleNotification(n remote.Notification) {
	if n.Root != s.store.StorageRoot() {
		s.logger.Debug("notification for another root ignored", "root", string(n.Root))
		return
	}
	s.log.record(EventNotified, n.Path, n.From)
	if !s.queue.Enqueue(n) {
		s.logger.Warn("notification dropped after close", "path", n.Path.String())
	}
}

// Pending returns the number of queued notifications.
func (s *Service) Pending() int {
	return s.queue.Len()
}

// Events returns a snapshot of the event log.
func (s *Service) Events() []Event {
	return s.log.snapshot()
}

// EventsSince returns the events recorded after seq.
func (s *Service) EventsSince(seq int64) []Event {
	return s.log.since(seq)
}

// LastSeq returns the sequence number of the newest event.
func (s *Service) LastSeq() int64 {
	return s.log.seq.current()
}

// Close stops accepting notifications and ends Run.
func (s *Service) Close() {
	s.queue.Close()
}

// Package syncer runs pull and push between a local store and a remote.
//
// Both directions are merkle diffs applied in rounds, one tree level per
// round: a path whose hash matches on both sides is pruned with its whole
// subtree, and only differing children are visited. Pull writes children
// before it updates any existing parent's metadata.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/syncvault/internal/canon"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/store"
)

// State is the phase of one sync attempt.
type State string

const (
	StateIdle         State = "idle"
	StateComparing    State = "comparing"
	StateInSync       State = "in_sync"
	StateTransferring State = "transferring"
	StateApplied      State = "applied"
	StateFailed       State = "failed"
)

// Result describes one finished attempt.
type Result struct {
	Path   ident.Path
	Remote string
	State  State
	// Written lists local paths a pull wrote.
	Written []ident.Path
	// Sent lists the paths a push transmitted.
	Sent   []ident.Path
	Rounds int
}

// Merger combines local and incoming content of one file. ok false means
// the incoming content replaces local.
type Merger interface {
	Merge(ctx context.Context, p ident.Path, local, incoming []byte) (merged []byte, ok bool, err error)
}

// Verifier checks the stamp of a file received from a remote before the
// file is applied. Returning NotFound means the authority that would vouch
// for the stamp has not arrived yet; the file is retried once the rest of
// the pull is in.
type Verifier interface {
	VerifyFile(ctx context.Context, p ident.Path, data []byte, meta store.Metadata) error
}

// syncKinds are the failures a sync attempt reports to its caller.
var syncKinds = []failure.Kind{
	failure.KindNotFound,
	failure.KindConflict,
	failure.KindDeleted,
	failure.KindWrongType,
	failure.KindUntrusted,
	failure.KindInvalidSignature,
}

// Engine syncs one store with any number of remotes.
//
// Thread-safety: safe for concurrent use. Writes are serialised by the
// store's root lock.
type Engine struct {
	store    *store.Store
	retrier  *remote.Retrier
	merger   Merger
	verifier Verifier
	logger   *slog.Logger

	mu    sync.Mutex
	known map[string]map[string]canon.Hash
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetrier retries remote calls; without one each call is tried once.
func WithRetrier(r *remote.Retrier) Option {
	return func(e *Engine) { e.retrier = r }
}

// WithMerger merges incoming files instead of replacing them.
func WithMerger(m Merger) Option {
	return func(e *Engine) { e.merger = m }
}

// WithVerifier checks incoming stamps with v. Without one only the shape
// of a stamp is checked and unstamped files are accepted.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an engine for st.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		logger: slog.Default(),
		known:  make(map[string]map[string]canon.Hash),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the local store.
func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if e.retrier == nil {
		return fn(ctx)
	}
	return e.retrier.Do(ctx, op, fn)
}

// remember records the remote's hash at p.
func (e *Engine) remember(remoteID string, p ident.Path, h canon.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.known[remoteID]
	if !ok {
		m = make(map[string]canon.Hash)
		e.known[remoteID] = m
	}
	m[p.String()] = h
}

// LastKnown returns the remote's hash at p as of the last sync that saw it.
func (e *Engine) LastKnown(remoteID string, p ident.Path) (canon.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.known[remoteID][p.String()]
	return h, ok
}

// Forget drops everything remembered about a remote.
func (e *Engine) Forget(remoteID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.known, remoteID)
}

// checkStamp rejects an incoming file whose stamp does not bind it to its
// parent and content.
func (e *Engine) checkStamp(p ident.Path, data []byte, meta store.Metadata) error {
	const op = "syncer.checkStamp"
	t := meta.UpdatedAt
	if t.IsZero() {
		if e.verifier != nil {
			return failure.Wrap(failure.KindUntrusted, op, p.String(), fmt.Errorf("file is not stamped"))
		}
		return nil
	}
	parent, _ := p.Parent()
	switch {
	case t.ParentPath != parent.String():
		return failure.Wrap(failure.KindUntrusted, op, p.String(), fmt.Errorf("stamp belongs to %s", t.ParentPath))
	case t.ContentHash != canon.FileHash(data):
		return failure.Wrap(failure.KindUntrusted, op, p.String(), fmt.Errorf("stamp does not cover the content"))
	case meta.ContentHash != "" && meta.ContentHash != t.ContentHash:
		return failure.Wrap(failure.KindUntrusted, op, p.String(), fmt.Errorf("content hash disagrees with stamp"))
	case len(t.Signature) == 0:
		return failure.Wrap(failure.KindUntrusted, op, p.String(), fmt.Errorf("stamp by %s is unsigned", t.Signer))
	}
	return nil
}

// localTarget describes what the local store holds at p.
func (e *Engine) localTarget(ctx context.Context, p ident.Path) (remote.PullTarget, error) {
	t := remote.PullTarget{Path: p}
	rec, err := e.store.Record(ctx, p)
	if failure.Is(err, failure.KindNotFound) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	if t.KnownHash, err = e.store.Hash(ctx, p); err != nil {
		return t, err
	}
	if rec.Kind.IsContainer() && !rec.Deleted {
		children, err := e.store.ChildHashes(ctx, p)
		if err != nil {
			return t, err
		}
		t.KnownChildren = children
	}
	return t, nil
}

func (e *Engine) finish(op string, res *Result, err error) (Result, error) {
	if err != nil {
		res.State = StateFailed
		e.logger.Warn(op+" failed", "path", res.Path.String(), "remote", res.Remote, "rounds", res.Rounds, "error", err)
		return *res, failure.Generalize(err, syncKinds...)
	}
	e.logger.Info(op+" complete", "path", res.Path.String(), "remote", res.Remote, "state", string(res.State),
		"written", len(res.Written), "sent", len(res.Sent), "rounds", res.Rounds)
	return *res, nil
}

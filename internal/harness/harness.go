package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/syncvault/internal/acl"
	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/service"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/syncer"
	"github.com/roach88/syncvault/internal/testutil"
	"github.com/roach88/syncvault/internal/trustedtime"
	"github.com/roach88/syncvault/internal/vault"
)

// StepInterval is how far the shared clock moves before each step.
const StepInterval = time.Second

// device is one scenario client with its full local stack.
type device struct {
	name     string
	identity *keys.PrivateIdentity
	store    *store.Store
	vault    *vault.Vault
	svc      *service.Service
	remotes  []string
}

// Harness is the scenario execution engine.
type Harness struct {
	scenario *Scenario
	root     ident.StorageRootID
	clock    *clockwork.FakeClock
	logger   *slog.Logger

	servers map[string]*store.Store
	devices map[string]*device
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh in-memory stores. Step failures that
// were not expected and failed assertions are reported in Result.Errors;
// the returned error is for scenarios that could not be set up.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		h.clock.Advance(StepInterval)
		rec := h.runStep(ctx, i+1, step)
		if msg := checkExpect(rec, step.Expect); msg != "" {
			result.AddError(msg)
		}
		result.Steps = append(result.Steps, rec)
	}

	actx := &AssertionContext{Ctx: ctx, h: h}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	h := &Harness{
		scenario: scenario,
		root:     ident.StorageRootID(scenario.Root),
		clock:    testutil.NewFakeClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		servers:  map[string]*store.Store{},
		devices:  map[string]*device{},
	}
	handlers := map[string]*remote.Handler{}
	for _, name := range scenario.Servers {
		st := store.New(h.root, store.NewMemoryBacking(), store.WithLogger(h.logger))
		h.servers[name] = st
		handlers[name] = remote.NewHandler(st,
			remote.WithNotifySink(h.deliver(name)),
			remote.WithHandlerLogger(h.logger))
	}

	for _, d := range scenario.Devices {
		var seed [32]byte
		seed[0] = d.Seed
		id, err := keys.IdentityFromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		src := trustedtime.NewSource(id, h.clock)
		st := store.New(h.root, store.NewMemoryBacking(),
			store.WithTimeSource(src),
			store.WithLogger(h.logger))
		v := vault.New(st, src, vault.WithLogger(h.logger))
		eng := syncer.New(st,
			syncer.WithMerger(v.Merger()),
			syncer.WithVerifier(v),
			syncer.WithLogger(h.logger))
		svc := service.New(eng,
			service.WithClock(h.clock),
			service.WithDeviceID(d.Name),
			service.WithLogger(h.logger))
		for _, r := range d.Remotes {
			if err := svc.AddRemote(remote.NewLocal(r, handlers[r]), nil, nil); err != nil {
				return nil, fmt.Errorf("device %s: %w", d.Name, err)
			}
		}
		h.devices[d.Name] = &device{
			name:     d.Name,
			identity: id,
			store:    st,
			vault:    v,
			svc:      svc,
			remotes:  d.Remotes,
		}
	}
	return h, nil
}

// deliver forwards a notification received by server to every other device
// that syncs through it.
func (h *Harness) deliver(server string) func(remote.Notification) {
	return func(n remote.Notification) {
		for _, d := range h.scenario.Devices {
			dev := h.devices[d.Name]
			if dev == nil || d.Name == n.From || !slices.Contains(dev.remotes, server) {
				continue
			}
			dev.svc.HandleNotification(n)
		}
	}
}

func (h *Harness) close() {
	for _, d := range h.devices {
		d.svc.Close()
	}
}

// runStep executes one step and collects the events it caused on every
// device.
func (h *Harness) runStep(ctx context.Context, n int, step Step) StepRecord {
	marks := make(map[string]int64, len(h.devices))
	for name, d := range h.devices {
		marks[name] = d.svc.LastSeq()
	}

	rec := StepRecord{Step: n, Device: step.Device, Op: step.Op, Path: step.Path, Remote: step.Remote}
	state, err := h.execute(ctx, h.devices[step.Device], step)
	rec.State = state
	if err != nil {
		rec.Error = kindName(err)
		h.logger.Debug("step failed", "step", n, "op", step.Op, "error", err)
	}

	for _, d := range h.scenario.Devices {
		for _, ev := range h.devices[d.Name].svc.EventsSince(marks[d.Name]) {
			rec.Events = append(rec.Events, TraceEvent{Device: d.Name, Event: ev})
		}
	}
	return rec
}

func (h *Harness) execute(ctx context.Context, d *device, step Step) (string, error) {
	switch step.Op {
	case OpMkdir:
		p, err := h.path(step.Path, lastKind(step, ident.KindFolder))
		if err != nil {
			return "", err
		}
		parent, _ := p.Parent()
		id, _ := p.Last()
		if p.Kind() == ident.KindBundle {
			_, err = d.vault.CreateBundle(ctx, parent, id)
		} else {
			_, err = d.vault.CreateFolder(ctx, parent, id)
		}
		return "", err
	case OpWrite:
		p, err := h.path(step.Path, lastKind(step, ident.KindFile))
		if err != nil {
			return "", err
		}
		_, err = d.vault.WriteFile(ctx, p, []byte(step.Data))
		return "", err
	case OpDelete:
		p, err := h.path(step.Path, lastKind(step, ident.KindFile))
		if err != nil {
			return "", err
		}
		return "", d.store.Delete(ctx, p)
	case OpShare:
		folder, err := h.path(step.Path, ident.KindFolder)
		if err != nil {
			return "", err
		}
		role, err := acl.ParseStandardRole(step.Role)
		if err != nil {
			return "", err
		}
		return "", d.vault.Share(ctx, folder, h.devices[step.Member].identity.Public(), role)
	case OpRevoke:
		folder, err := h.path(step.Path, ident.KindFolder)
		if err != nil {
			return "", err
		}
		return "", d.vault.Revoke(ctx, folder, h.devices[step.Member].identity.MemberID())
	case OpPush, OpPull:
		p, err := h.path(step.Path, lastKind(step, ident.KindFolder))
		if err != nil {
			return "", err
		}
		var res syncer.Result
		if step.Op == OpPush {
			res, err = d.svc.PushTo(ctx, step.Remote, p)
		} else {
			res, err = d.svc.PullFrom(ctx, step.Remote, p)
		}
		return string(res.State), err
	case OpSync:
		p, err := h.path(step.Path, lastKind(step, ident.KindFolder))
		if err != nil {
			return "", err
		}
		_, err = d.svc.SyncPath(ctx, p)
		return "", err
	case OpNotify:
		p, err := h.path(step.Path, lastKind(step, ident.KindFolder))
		if err != nil {
			return "", err
		}
		return "", d.svc.Notify(ctx, p)
	case OpDrain:
		d.svc.Drain(ctx)
		return "", nil
	}
	return "", fmt.Errorf("unknown op %q", step.Op)
}

// path turns slash-separated names into a path under the scenario root.
// Names before the last are folders unless written "kind:name".
func (h *Harness) path(spec string, last ident.Kind) (ident.Path, error) {
	p := ident.Root(h.root)
	if spec == "" {
		return p, nil
	}
	names := strings.Split(spec, "/")
	for i, name := range names {
		kind := ident.KindFolder
		if i == len(names)-1 {
			kind = last
		}
		if k, rest, ok := strings.Cut(name, ":"); ok {
			kind, name = ident.Kind(k), rest
		}
		id, err := ident.Plain(kind, name)
		if err != nil {
			return ident.Path{}, fmt.Errorf("path %q: %w", spec, err)
		}
		p = p.Append(id)
	}
	return p, nil
}

func lastKind(step Step, def ident.Kind) ident.Kind {
	if step.Kind != "" {
		return ident.Kind(step.Kind)
	}
	return def
}

// kindName reports a failure kind, or "error" for failures outside the
// taxonomy.
func kindName(err error) string {
	if kind, ok := failure.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}

// checkExpect returns a message when rec does not match expect.
func checkExpect(rec StepRecord, expect *Expect) string {
	want := Expect{}
	if expect != nil {
		want = *expect
	}
	if rec.Error != want.Error {
		return fmt.Sprintf("step %d (%s %s): error %q, want %q", rec.Step, rec.Device, rec.Op, rec.Error, want.Error)
	}
	if want.State != "" && rec.State != want.State {
		return fmt.Sprintf("step %d (%s %s): state %q, want %q", rec.Step, rec.Device, rec.Op, rec.State, want.State)
	}
	return ""
}

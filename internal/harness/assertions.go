package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/service"
	"github.com/roach88/syncvault/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Events   []TraceEvent // Events of the inspected device, for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Events) > 0 {
		fmt.Fprintf(&buf, "\nEvents:\n")
		for _, ev := range e.Events {
			fmt.Fprintf(&buf, "  [%s %d] %s %s %s\n", ev.Device, ev.Seq, ev.Kind, ev.Path, ev.Remote)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the final stores.
type AssertionContext struct {
	Ctx context.Context
	h   *Harness
}

func (a *AssertionContext) store(name string) (*store.Store, error) {
	if a == nil || a.h == nil {
		return nil, fmt.Errorf("no stores to inspect")
	}
	if d, ok := a.h.devices[name]; ok {
		return d.store, nil
	}
	if st, ok := a.h.servers[name]; ok {
		return st, nil
	}
	return nil, fmt.Errorf("unknown device %q", name)
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertEventContains:
			err = assertEventContains(result, a)
		case AssertEventCount:
			err = assertEventCount(result, a)
		case AssertContent:
			err = assertContent(actx, a)
		case AssertAbsent:
			err = assertAbsent(actx, a)
		case AssertInSync:
			err = assertInSync(actx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// eventPathMatches reports whether the event path got names the scenario
// path spec. Elements are folders unless written "kind:name"; the last
// element matches any kind.
func eventPathMatches(root, spec, got string) bool {
	if spec == "" {
		return got == root+":/"
	}
	prefix := root + ":"
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	gotIDs := strings.Split(strings.TrimPrefix(got[len(prefix):], "/"), "/")
	names := strings.Split(spec, "/")
	if len(gotIDs) != len(names) {
		return false
	}
	for i, name := range names {
		id := ident.SyncableID(gotIDs[i])
		if k, rest, ok := strings.Cut(name, ":"); ok {
			if id.Kind() != ident.Kind(k) {
				return false
			}
			name = rest
		} else if i < len(names)-1 && id.Kind() != ident.KindFolder {
			return false
		}
		if id.Body() != name {
			return false
		}
	}
	return true
}

// scenarioRoot reads the storage root off the first traced event.
func scenarioRoot(result *Result) string {
	for _, st := range result.Steps {
		if len(st.Events) > 0 {
			root, _, _ := strings.Cut(st.Events[0].Path, ":")
			return root
		}
	}
	return ""
}

// assertEventContains checks that the device logged an event of the given
// kind for path, from the given remote when one is named.
func assertEventContains(result *Result, a Assertion) error {
	events := result.Events(a.Device)
	root := scenarioRoot(result)
	for _, ev := range events {
		if ev.Kind != service.EventKind(a.Kind) {
			continue
		}
		if a.Remote != "" && ev.Remote != a.Remote {
			continue
		}
		if eventPathMatches(root, a.Path, ev.Path) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertEventContains,
		Expected: fmt.Sprintf("%s logs %s of %s", a.Device, a.Kind, a.Path),
		Actual:   "not found in events",
		Events:   events,
	}
}

// assertEventCount checks that the device logged exactly Count events of
// the given kind.
func assertEventCount(result *Result, a Assertion) error {
	events := result.Events(a.Device)
	count := 0
	for _, ev := range events {
		if ev.Kind == service.EventKind(a.Kind) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d %s events on %s", a.Count, a.Kind, a.Device),
			Actual:   fmt.Sprintf("%d events", count),
			Events:   events,
		}
	}
	return nil
}

// assertContent decrypts the file at path on the device.
func assertContent(actx *AssertionContext, a Assertion) error {
	if actx == nil || actx.h == nil {
		return fmt.Errorf("no stores to inspect")
	}
	d, ok := actx.h.devices[a.Device]
	if !ok {
		return fmt.Errorf("%q is not a device", a.Device)
	}
	p, err := actx.h.path(a.Path, ident.KindFile)
	if err != nil {
		return err
	}
	data, err := d.vault.ReadFile(actx.Ctx, p)
	if err != nil {
		return &AssertionError{
			Type:     AssertContent,
			Expected: fmt.Sprintf("%s reads %q at %s", a.Device, a.Data, a.Path),
			Actual:   err.Error(),
		}
	}
	if string(data) != a.Data {
		return &AssertionError{
			Type:     AssertContent,
			Expected: fmt.Sprintf("%q at %s", a.Data, a.Path),
			Actual:   fmt.Sprintf("%q", data),
		}
	}
	return nil
}

// assertAbsent checks that path is missing or deleted.
func assertAbsent(actx *AssertionContext, a Assertion) error {
	st, err := actx.store(a.Device)
	if err != nil {
		return err
	}
	p, err := actx.h.path(a.Path, ident.KindFile)
	if err != nil {
		return err
	}
	_, err = st.Get(actx.Ctx, p)
	if failure.Is(err, failure.KindNotFound) || failure.Is(err, failure.KindDeleted) {
		return nil
	}
	actual := "present"
	if err != nil {
		actual = err.Error()
	}
	return &AssertionError{
		Type:     AssertAbsent,
		Expected: fmt.Sprintf("%s missing on %s", a.Path, a.Device),
		Actual:   actual,
	}
}

// assertInSync checks that every named store has the same hash at path.
func assertInSync(actx *AssertionContext, a Assertion) error {
	if actx == nil || actx.h == nil {
		return fmt.Errorf("no stores to inspect")
	}
	p, err := actx.h.path(a.Path, ident.KindFolder)
	if err != nil {
		return err
	}
	var first string
	for i, name := range a.Devices {
		st, err := actx.store(name)
		if err != nil {
			return err
		}
		h, err := st.Hash(actx.Ctx, p)
		if err != nil {
			return fmt.Errorf("hash %s on %s: %w", a.Path, name, err)
		}
		if i == 0 {
			first = string(h)
			continue
		}
		if string(h) != first {
			return &AssertionError{
				Type:     AssertInSync,
				Expected: fmt.Sprintf("%s equal on %s", a.Path, strings.Join(a.Devices, ", ")),
				Actual:   fmt.Sprintf("%s differs from %s", name, a.Devices[0]),
			}
		}
	}
	return nil
}

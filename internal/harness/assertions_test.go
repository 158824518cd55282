package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/service"
)

func event(device string, seq int64, kind service.EventKind, itemType ident.Kind, path, remote string) TraceEvent {
	return TraceEvent{Device: device, Event: service.Event{Seq: seq, Kind: kind, ItemType: itemType, Path: path, Remote: remote}}
}

func tracedResult() *Result {
	r := NewResult()
	r.Steps = []StepRecord{
		{Step: 1, Device: "laptop", Op: OpPush, Events: []TraceEvent{
			event("laptop", 1, service.EventPush, ident.KindFolder, "alice:/fop1-mail", "home"),
			event("laptop", 2, service.EventPush, ident.KindFile, "alice:/fop1-mail/fip1-note", "home"),
		}},
		{Step: 2, Device: "laptop", Op: OpNotify, Events: []TraceEvent{
			event("phone", 1, service.EventNotified, ident.KindFolder, "alice:/fop1-mail", "laptop"),
		}},
		{Step: 3, Device: "phone", Op: OpDrain, Events: []TraceEvent{
			event("phone", 2, service.EventPull, ident.KindFile, "alice:/fop1-mail/bup1-storage/fip1-email1", "home"),
		}},
	}
	return r
}

func TestResult_Events(t *testing.T) {
	r := tracedResult()
	phone := r.Events("phone")
	require.Len(t, phone, 2)
	assert.Equal(t, service.EventNotified, phone[0].Kind)
	assert.Equal(t, int64(2), phone[1].Seq)
	assert.Empty(t, r.Events("tablet"))
}

func TestAssertEventContains(t *testing.T) {
	r := tracedResult()
	tests := []struct {
		name string
		a    Assertion
		ok   bool
	}{
		{"folder", Assertion{Device: "laptop", Kind: "push", Path: "mail"}, true},
		{"file with remote", Assertion{Device: "laptop", Kind: "push", Path: "mail/note", Remote: "home"}, true},
		{"wrong remote", Assertion{Device: "laptop", Kind: "push", Path: "mail/note", Remote: "office"}, false},
		{"wrong kind", Assertion{Device: "laptop", Kind: "pull", Path: "mail"}, false},
		{"bundle element", Assertion{Device: "phone", Kind: "pull", Path: "mail/bundle:storage/email1"}, true},
		{"bundle taken for folder", Assertion{Device: "phone", Kind: "pull", Path: "mail/storage/email1"}, false},
		{"explicit last kind", Assertion{Device: "laptop", Kind: "push", Path: "mail/folder:note"}, false},
		{"other device", Assertion{Device: "phone", Kind: "push", Path: "mail"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.a.Type = AssertEventContains
			err := assertEventContains(r, tt.a)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var aerr *AssertionError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, AssertEventContains, aerr.Type)
		})
	}
}

func TestAssertEventCount(t *testing.T) {
	r := tracedResult()
	assert.NoError(t, assertEventCount(r, Assertion{Device: "laptop", Kind: "push", Count: 2}))
	assert.NoError(t, assertEventCount(r, Assertion{Device: "laptop", Kind: "notified", Count: 0}))

	err := assertEventCount(r, Assertion{Device: "phone", Kind: "pull", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 events")
}

func TestEvaluateAssertions(t *testing.T) {
	r := tracedResult()
	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertEventCount, Device: "laptop", Kind: "push", Count: 2},
		{Type: AssertEventCount, Device: "laptop", Kind: "push", Count: 5},
		{Type: AssertContent, Device: "phone", Path: "mail/note", Data: "x"},
		{Type: "final_state"},
	}, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "assertions[1]")
	assert.Contains(t, errs[1], "no stores to inspect")
	assert.Contains(t, errs[2], "unknown assertion type")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertEventCount,
		Expected: "2 push events on laptop",
		Actual:   "1 events",
		Events:   []TraceEvent{event("laptop", 1, service.EventPush, ident.KindFolder, "alice:/fop1-mail", "home")},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: event_count")
	assert.Contains(t, msg, "Expected: 2 push events on laptop")
	assert.Contains(t, msg, "Actual: 1 events")
	assert.Contains(t, msg, "[laptop 1] push alice:/fop1-mail home")
}

func TestEventPathMatches(t *testing.T) {
	assert.True(t, eventPathMatches("alice", "", "alice:/"))
	assert.False(t, eventPathMatches("alice", "", "alice:/fop1-mail"))
	assert.True(t, eventPathMatches("alice", "mail", "alice:/fop1-mail"))
	assert.False(t, eventPathMatches("bob", "mail", "alice:/fop1-mail"))
	assert.False(t, eventPathMatches("alice", "mail/note", "alice:/fop1-mail"))
}

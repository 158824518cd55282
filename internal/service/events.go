package service

import (
	"slices"
	"sync"

	"github.com/roach88/syncvault/internal/ident"
)

// EventKind names what happened.
type EventKind string

const (
	EventPush     EventKind = "push"
	EventPull     EventKind = "pull"
	EventNotified EventKind = "notified"
)

// Event is one entry of the service log.
type Event struct {
	Seq      int64      `json:"seq" yaml:"seq"`
	Kind     EventKind  `json:"kind" yaml:"kind"`
	ItemType ident.Kind `json:"item_type" yaml:"item_type"`
	Path     string     `json:"path" yaml:"path"`
	Remote   string     `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// eventLog is append-only. Entries are ordered by Seq.
type eventLog struct {
	seq    sequence
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(kind EventKind, p ident.Path, remoteID string) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := Event{
		Seq:      l.seq.next(),
		Kind:     kind,
		ItemType: p.Kind(),
		Path:     p.String(),
		Remote:   remoteID,
	}
	l.events = append(l.events, ev)
	return ev
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// since returns the events with Seq greater than seq.
func (l *eventLog) since(seq int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, _ := slices.BinarySearchFunc(l.events, seq+1, func(e Event, s int64) int {
		switch {
		case e.Seq < s:
			return -1
		case e.Seq > s:
			return 1
		}
		return 0
	})
	return slices.Clone(l.events[i:])
}

package testutil

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Epoch is the wall-clock time every deterministic fixture starts at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFakeClock returns a clockwork fake clock frozen at Epoch.
func NewFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}

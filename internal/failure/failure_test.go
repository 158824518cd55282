package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := Wrap(KindNotFound, "store.Get", "alice:/fop1-mail", errors.New("no row"))
	assert.Equal(t, "store.Get: NOT_FOUND (path=alice:/fop1-mail): no row", err.Error())

	bare := New(KindConflict, "", "")
	assert.Equal(t, "CONFLICT", bare.Error())
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindDeleted, "store.Delete", "r:/x"))

	assert.True(t, errors.Is(err, ErrDeleted))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, Is(err, KindDeleted))
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(fmt.Errorf("wrapped: %w", New(KindUntrusted, "op", "")))
	require.True(t, ok)
	assert.Equal(t, KindUntrusted, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)

	_, ok = KindOf(nil)
	assert.False(t, ok)
}

func TestGeneralize(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		allowed    []Kind
		wantDefect bool
	}{
		{name: "nil passes", err: nil},
		{name: "allowed kind passes", err: New(KindNotFound, "op", ""), allowed: []Kind{KindNotFound}},
		{name: "plain error passes", err: errors.New("disk full"), allowed: []Kind{KindNotFound}},
		{name: "undeclared kind is a defect", err: New(KindConflict, "op", ""), allowed: []Kind{KindNotFound}, wantDefect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Generalize(tt.err, tt.allowed...)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.Equal(t, tt.wantDefect, IsDefect(got))
			if tt.wantDefect {
				// The original kind is still reachable for diagnostics.
				assert.True(t, errors.Is(got, tt.err))
			} else {
				assert.Same(t, tt.err, got)
			}
		})
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyapps/lazycrud/apperr"
)

func TestExpired(t *testing.T) {
	start := time.Now()
	window := time.Minute

	tests := []struct {
		name     string
		now      time.Time
		expected bool
	}{
		{"inside", start.Add(30 * time.Second), false},
		{"at boundary", start.Add(window), true},
		{"past", start.Add(2 * window), true},
		{"just inside", start.Add(window - time.Millisecond), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Expired(start, window, tt.now))
		})
	}
}

func TestMemory_Allow(t *testing.T) {
	m := NewMemory()
	base := time.Now()
	now := base
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()
	rule := Rule{Limit: 2, Window: time.Minute}

	require.NoError(t, m.Allow(ctx, "notes", "u1", rule))
	require.NoError(t, m.Allow(ctx, "notes", "u1", rule))

	err := m.Allow(ctx, "notes", "u1", rule)
	assert.Equal(t, apperr.CodeRateLimited, apperr.CodeOf(err))

	// Other keys and scopes have their own windows.
	require.NoError(t, m.Allow(ctx, "notes", "u2", rule))
	require.NoError(t, m.Allow(ctx, "tasks", "u1", rule))

	// The window resets after it elapses.
	now = base.Add(time.Minute)
	require.NoError(t, m.Allow(ctx, "notes", "u1", rule))
}

func TestMemory_Allow_ZeroLimit(t *testing.T) {
	m := NewMemory()
	// A zero limit disables the rule rather than blocking everything.
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Allow(context.Background(), "notes", "u1", Rule{}))
	}
}

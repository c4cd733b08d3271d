// Package ratelimit guards generated write operations with fixed-window
// counters. The DB limiter performs check-and-increment inside the same
// transaction as the guarded write, so two concurrent calls cannot both pass
// the check before either increments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/lazyapps/lazycrud/apperr"
)

// Rule configures one limit: at most Limit events per Window. PerCaller
// scopes the counter to the calling user instead of the resource type.
type Rule struct {
	Limit     int
	Window    time.Duration
	PerCaller bool
}

// Limiter is the rate-limit counter contract. Allow returns a RATE_LIMITED
// error when the window is exhausted, nil otherwise.
type Limiter interface {
	Allow(ctx context.Context, scope, key string, rule Rule) error
}

// Expired reports whether a window that started at start has fully elapsed.
func Expired(start time.Time, window time.Duration, now time.Time) bool {
	return !start.Add(window).After(now)
}

// Memory is an in-process fixed-window limiter for tests and embedding.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	windowStart time.Time
	count       int
}

// NewMemory creates an in-process limiter.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*bucket), now: time.Now}
}

// SetClock overrides the clock, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

// Allow implements Limiter.
func (m *Memory) Allow(ctx context.Context, scope, key string, rule Rule) error {
	if rule.Limit <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	id := scope + ":" + key
	b, ok := m.buckets[id]
	if !ok || Expired(b.windowStart, rule.Window, now) {
		m.buckets[id] = &bucket{windowStart: now, count: 1}
		return nil
	}
	if b.count >= rule.Limit {
		return apperr.RateLimited("")
	}
	b.count++
	return nil
}

var _ Limiter = (*Memory)(nil)

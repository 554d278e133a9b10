// Package bundle memoizes a whole upstream payload that serves many symbols,
// such as a table of exchange rates. Concurrent refreshes are coalesced.
package bundle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Memo[T any] struct {
	TTL   time.Duration
	Fetch func(ctx context.Context) (T, error)
	Now   func() time.Time

	mu    sync.RWMutex
	value T
	until time.Time
	ok    bool

	sf singleflight.Group
}

func New[T any](ttl time.Duration, fetch func(ctx context.Context) (T, error)) *Memo[T] {
	return &Memo[T]{TTL: ttl, Fetch: fetch, Now: time.Now}
}

// Get returns the memoized payload, refreshing it once it expires.
// fresh reports whether this call triggered (or joined) an upstream request.
func (m *Memo[T]) Get(ctx context.Context) (v T, fresh bool, err error) {
	m.mu.RLock()
	if m.ok && m.Now().Before(m.until) {
		v = m.value
		m.mu.RUnlock()
		return v, false, nil
	}
	m.mu.RUnlock()

	res, err, _ := m.sf.Do("bundle", func() (any, error) {
		// Double check: another caller may have refreshed while we waited.
		m.mu.RLock()
		if m.ok && m.Now().Before(m.until) {
			cur := m.value
			m.mu.RUnlock()
			return cur, nil
		}
		m.mu.RUnlock()

		got, err := m.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.value, m.until, m.ok = got, m.Now().Add(m.TTL), true
		m.mu.Unlock()
		return got, nil
	})
	if err != nil {
		var zero T
		return zero, true, err
	}
	return res.(T), true, nil
}

// Invalidate forces the next Get to refetch.
func (m *Memo[T]) Invalidate() {
	m.mu.Lock()
	m.ok = false
	m.mu.Unlock()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSnapshotCorrupt  = errors.New("cache snapshot corrupt")
	ErrSnapshotVersion  = errors.New("cache snapshot version mismatch")
	ErrSnapshotPoisoned = errors.New("cache snapshot has no valid entries")
)

type snapshot[V any] struct {
	FormatVersion int                         `json:"format_version"`
	SavedAt       time.Time                   `json:"saved_at"`
	Entries       map[string]snapshotEntry[V] `json:"entries"`
}

type snapshotEntry[V any] struct {
	Value    V         `json:"value"`
	StoredAt time.Time `json:"stored_at"`
	TTLMs    int64     `json:"ttl_ms"`
}

// SaveSnapshot serializes the entries accepted by Config.Valid.
// It refuses to write a snapshot in which nothing is valid, so a run where
// every provider failed cannot overwrite good persisted data.
func (c *Cache[V]) SaveSnapshot() ([]byte, error) {
	c.mu.RLock()
	s := snapshot[V]{
		FormatVersion: c.cfg.Version,
		SavedAt:       c.cfg.Now(),
		Entries:       make(map[string]snapshotEntry[V], len(c.items)),
	}
	for k, e := range c.items {
		if c.cfg.Valid != nil && !c.cfg.Valid(e.value) {
			continue
		}
		s.Entries[k] = snapshotEntry[V]{Value: e.value, StoredAt: e.storedAt, TTLMs: e.ttl.Milliseconds()}
	}
	c.mu.RUnlock()

	if len(s.Entries) == 0 {
		return nil, ErrSnapshotPoisoned
	}
	return json.Marshal(s)
}

// LoadSnapshot merges a snapshot into the cache. It is all-or-nothing: a
// malformed blob or a version mismatch leaves the cache untouched.
// Entries keep their original store time, so freshness survives a round trip.
func (c *Cache[V]) LoadSnapshot(blob []byte) error {
	var s snapshot[V]
	if err := json.Unmarshal(blob, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if s.FormatVersion != c.cfg.Version {
		return fmt.Errorf("%w: got %d, want %d", ErrSnapshotVersion, s.FormatVersion, c.cfg.Version)
	}
	for k, e := range s.Entries {
		if k == "" || e.StoredAt.IsZero() || e.TTLMs <= 0 {
			return fmt.Errorf("%w: bad entry %q", ErrSnapshotCorrupt, k)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range s.Entries {
		c.items[k] = entry[V]{value: e.Value, storedAt: e.StoredAt, ttl: time.Duration(e.TTLMs) * time.Millisecond}
	}
	c.evictLocked()
	return nil
}

// KV is the persistent tier behind the cache.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Restore loads the snapshot stored under key. A missing key is not an error.
func (c *Cache[V]) Restore(ctx context.Context, kv KV, key string) error {
	blob, ok, err := kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read snapshot %q: %w", key, err)
	}
	if !ok {
		return nil
	}
	return c.LoadSnapshot(blob)
}

// Persist writes the current snapshot under key.
func (c *Cache[V]) Persist(ctx context.Context, kv KV, key string) error {
	blob, err := c.SaveSnapshot()
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, key, blob); err != nil {
		return fmt.Errorf("write snapshot %q: %w", key, err)
	}
	return nil
}

// Package store holds the key-value collaborators behind the persistent cache tier.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Store is a minimal byte-oriented key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Open builds a store from its kind and DSN:
//
//	memory
//	file     dsn = directory
//	sqlite   dsn = database path
//	redis    dsn = redis://[:password@]host:port/db
func Open(ctx context.Context, kind, dsn string) (Store, error) {
	switch strings.ToLower(kind) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(dsn)
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "redis":
		return OpenRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemory() *Memory { return &Memory{m: make(map[string][]byte)} }

func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Memory) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.m[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

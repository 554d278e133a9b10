package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/store"
)

func exercise(t *testing.T, s store.Store) {
	t.Helper()
	ctx := t.Context()

	_, ok, err := s.Get(ctx, "finans_cache_v3")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "finans_cache_v3", []byte(`{"a":1}`)))
	require.NoError(t, s.Set(ctx, "finans_cache_v3", []byte(`{"a":2}`)))

	v, ok, err := s.Get(ctx, "finans_cache_v3")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"a":2}`, string(v))
}

func TestMemory(t *testing.T) {
	t.Parallel()

	exercise(t, store.NewMemory())
}

func TestFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := store.NewFile(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	exercise(t, s)

	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
}

func TestSQLite(t *testing.T) {
	t.Parallel()

	s, err := store.OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exercise(t, s)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("MARKETFEED_TEST_REDIS_URL")
	if addr == "" {
		t.Skip("MARKETFEED_TEST_REDIS_URL not set")
	}

	s, err := store.OpenRedis(t.Context(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exercise(t, s)
}

func TestOpenUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := store.Open(t.Context(), "etcd", "")

	require.Error(t, err)
}

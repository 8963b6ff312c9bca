package metastore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metastore.db")
	s, err := NewFromDSN(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "nodes/node-a", []byte("endpoint-a")))
	value, err := s.Get(ctx, "nodes/node-a")
	require.NoError(t, err)
	require.Equal(t, "endpoint-a", string(value))

	require.NoError(t, s.Put(ctx, "nodes/node-a", []byte("endpoint-a-v2")))
	value, err = s.Get(ctx, "nodes/node-a")
	require.NoError(t, err)
	require.Equal(t, "endpoint-a-v2", string(value))
}

func TestPutRejectsDisallowedPrefix(t *testing.T) {
	s := newTestStore(t)
	err := s.Put(context.Background(), "instances/i1", []byte("Running"))
	require.True(t, errors.Is(err, ErrDisallowedKey))
}

func TestDeleteRejectsDisallowedPrefix(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(context.Background(), "event_log/i1")
	require.True(t, errors.Is(err, ErrDisallowedKey))
}

func TestGetMissingKeyReturnsNoRows(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nodes/ghost")
	require.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestListByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "providers/kv-1", []byte("node-a")))
	require.NoError(t, s.Put(ctx, "providers/kv-2", []byte("node-b")))
	require.NoError(t, s.Put(ctx, "nodes/node-a", []byte("endpoint-a")))

	found, err := s.ListByPrefix(ctx, "providers/")
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "node-a", string(found["providers/kv-1"]))
}

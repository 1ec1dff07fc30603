package localkv

import (
	"context"
	"testing"

	"github.com/richardartoul/deferdb/kv"

	"github.com/stretchr/testify/require"
)

func TestLocalKV(t *testing.T) {
	kv.TestAllCommon(t, New)
}

func TestLocalKVSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close(ctx)

	reader, err := s.BeginTransaction(ctx, false)
	require.NoError(t, err)

	_, err = kv.Transact(ctx, s, true, func(tr kv.Transaction) (any, error) {
		return nil, tr.Put(ctx, []byte("a"), []byte("1"))
	})
	require.NoError(t, err)

	// The reader began before the write committed so it must not observe it.
	_, ok, err := reader.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, reader.Commit(ctx))

	// Writes are rejected in read-only transactions.
	reader, err = s.BeginTransaction(ctx, false)
	require.NoError(t, err)
	require.Error(t, reader.Put(ctx, []byte("b"), []byte("1")))
	require.NoError(t, reader.Cancel(ctx))
}

func TestLocalKVClosed(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close(ctx))

	_, err := s.BeginTransaction(ctx, true)
	require.ErrorIs(t, err, kv.ErrClosed)

	// A failed writable begin must not leave the write lock held.
	_, err = s.BeginTransaction(ctx, true)
	require.ErrorIs(t, err, kv.ErrClosed)
}

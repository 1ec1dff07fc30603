package boltkv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/richardartoul/deferdb/kv"

	"github.com/stretchr/testify/require"
)

func TestBoltKV(t *testing.T) {
	kv.TestAllCommon(t, func() kv.Store {
		s, err := New(filepath.Join(t.TempDir(), "bolt.db"))
		require.NoError(t, err)
		return s
	})
}

func TestBoltKVPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bolt.db")

	s, err := New(path)
	require.NoError(t, err)
	require.True(t, kv.IsExclusive(s))
	_, err = kv.Transact(ctx, s, true, func(tr kv.Transaction) (any, error) {
		return nil, tr.Put(ctx, []byte("a"), []byte("1"))
	})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close(ctx)
	v, err := kv.Transact(ctx, s, false, func(tr kv.Transaction) (any, error) {
		v, _, err := tr.Get(ctx, []byte("a"))
		return v, err
	})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

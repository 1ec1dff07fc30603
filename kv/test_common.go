package kv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAllCommon runs the test suite that every Store implementation must pass.
// This is called from the specific backend subpackages like localkv, boltkv,
// pebblekv, sqlkv, etc.
func TestAllCommon(t *testing.T, storeCtor func() Store) {
	t.Run("put get delete", func(t *testing.T) {
		testPutGetDelete(t, storeCtor())
	})

	t.Run("iter range", func(t *testing.T) {
		testIterRange(t, storeCtor())
	})

	t.Run("cancel rolls back", func(t *testing.T) {
		testCancelRollsBack(t, storeCtor())
	})

	t.Run("transact", func(t *testing.T) {
		testTransact(t, storeCtor())
	})

	t.Run("wipe", func(t *testing.T) {
		testWipe(t, storeCtor())
	})
}

func testPutGetDelete(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	tr, err := s.BeginTransaction(ctx, true)
	require.NoError(t, err)

	_, ok, err := tr.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	value := []byte("hello world")
	require.NoError(t, tr.Put(ctx, []byte("a"), value))
	// Mutating the caller's slice must not affect the stored value.
	value[0] = 'j'

	// Read your own writes.
	v, ok, err := tr.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), v)
	require.NoError(t, tr.Commit(ctx))

	tr, err = s.BeginTransaction(ctx, false)
	require.NoError(t, err)
	v, ok, err = tr.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), v)
	require.NoError(t, tr.Commit(ctx))

	tr, err = s.BeginTransaction(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tr.Delete(ctx, []byte("a")))
	// Deleting a missing key is not an error.
	require.NoError(t, tr.Delete(ctx, []byte("missing")))
	_, ok, err = tr.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tr.Commit(ctx))

	tr, err = s.BeginTransaction(ctx, false)
	require.NoError(t, err)
	_, ok, err = tr.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tr.Commit(ctx))
}

func testIterRange(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	_, err := Transact(ctx, s, true, func(tr Transaction) (any, error) {
		for i := 0; i < 10; i++ {
			k := []byte(fmt.Sprintf("p/%d", i))
			if err := tr.Put(ctx, k, []byte{byte(i + 1)}); err != nil {
				return nil, err
			}
		}
		return nil, tr.Put(ctx, []byte("q/0"), []byte{0xFF})
	})
	require.NoError(t, err)

	tr, err := s.BeginTransaction(ctx, false)
	require.NoError(t, err)
	defer tr.Cancel(ctx)

	var keys []string
	err = IterPrefix(ctx, tr, []byte("p/"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"p/0", "p/1", "p/2", "p/3", "p/4", "p/5", "p/6", "p/7", "p/8", "p/9",
	}, keys)

	// [start, end) semantics.
	keys = nil
	err = tr.IterRange(ctx, []byte("p/3"), []byte("p/5"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"p/3", "p/4"}, keys)

	// Unbounded end.
	keys = nil
	err = tr.IterRange(ctx, []byte("p/9"), nil, func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"p/9", "q/0"}, keys)

	// Early stop.
	k, v, ok, err := First(ctx, tr, KeyAfter([]byte("p/4")), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("p/5"), k)
	require.Equal(t, []byte{6}, v)

	// Errors from the callback are propagated.
	boom := errors.New("boom")
	err = IterPrefix(ctx, tr, []byte("p/"), func(k, v []byte) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func testCancelRollsBack(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	_, err := Transact(ctx, s, true, func(tr Transaction) (any, error) {
		return nil, tr.Put(ctx, []byte("keep"), []byte("1"))
	})
	require.NoError(t, err)

	tr, err := s.BeginTransaction(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tr.Put(ctx, []byte("discard"), []byte("1")))
	require.NoError(t, tr.Delete(ctx, []byte("keep")))
	require.NoError(t, tr.Cancel(ctx))

	tr, err = s.BeginTransaction(ctx, false)
	require.NoError(t, err)
	defer tr.Cancel(ctx)

	_, ok, err := tr.Get(ctx, []byte("discard"))
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = tr.Get(ctx, []byte("keep"))
	require.NoError(t, err)
	require.True(t, ok)
}

func testTransact(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	boom := errors.New("boom")
	_, err := Transact(ctx, s, true, func(tr Transaction) (any, error) {
		if err := tr.Put(ctx, []byte("a"), []byte("1")); err != nil {
			return nil, err
		}
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	result, err := Transact(ctx, s, false, func(tr Transaction) (any, error) {
		_, ok, err := tr.Get(ctx, []byte("a"))
		return ok, err
	})
	require.NoError(t, err)
	require.False(t, result.(bool))

	_, err = Transact(ctx, s, true, func(tr Transaction) (any, error) {
		if err := tr.Put(ctx, []byte("b"), []byte("1")); err != nil {
			return nil, err
		}
		return nil, DeleteRange(ctx, tr, []byte("a"), []byte("c"))
	})
	require.NoError(t, err)

	result, err = Transact(ctx, s, false, func(tr Transaction) (any, error) {
		_, _, ok, err := First(ctx, tr, []byte("a"), []byte("c"))
		return ok, err
	})
	require.NoError(t, err)
	require.False(t, result.(bool))
}

func testWipe(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	_, err := Transact(ctx, s, true, func(tr Transaction) (any, error) {
		return nil, tr.Put(ctx, []byte{0x01, 0x02}, []byte("1"))
	})
	require.NoError(t, err)
	require.NoError(t, s.UnsafeWipeAll())

	result, err := Transact(ctx, s, false, func(tr Transaction) (any, error) {
		_, _, ok, err := First(ctx, tr, []byte{0x00}, nil)
		return ok, err
	})
	require.NoError(t, err)
	require.False(t, result.(bool))
}

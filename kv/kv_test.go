package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("b"), PrefixEnd([]byte("a")))
	require.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xFF}))
	require.Nil(t, PrefixEnd([]byte{0xFF, 0xFF}))
	require.Nil(t, PrefixEnd(nil))

	start, end := PrefixRange([]byte("p/"))
	require.Equal(t, []byte("p/"), start)
	require.Equal(t, []byte("p0"), end)
}

func TestKeyAfter(t *testing.T) {
	k := []byte("a")
	after := KeyAfter(k)
	require.Equal(t, []byte{'a', 0x00}, after)
	// Must not alias the input.
	after[0] = 'z'
	require.Equal(t, []byte("a"), k)
}

package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrStopIteration can be returned from an IterRange callback to stop iterating
// early. IterRange implementations swallow it and return nil.
var ErrStopIteration = errors.New("kv: stop iteration")

// ErrClosed is returned by operations against a closed Store.
var ErrClosed = errors.New("kv: store is closed")

// Store is a generic interface for a transactional, sorted KV store. It is used to
// abstract over various KV implementations so the record store can be implemented
// once and still run on top of multiple KV backends.
type Store interface {
	// BeginTransaction starts a new transaction. Writable transactions may block
	// until any other writable transaction has been committed or cancelled.
	BeginTransaction(ctx context.Context, writable bool) (Transaction, error)
	Close(ctx context.Context) error
	// UnsafeWipeAll wipes the entire store. Only used for tests.
	UnsafeWipeAll() error
}

// Exclusive is implemented by stores that cannot safely hold a read transaction
// open while a write transaction is committing on the same goroutine.
type Exclusive interface {
	ExclusiveTransactions() bool
}

// Transaction is a single transaction against a Store. Reads observe the writes
// previously performed in the same transaction.
type Transaction interface {
	Put(ctx context.Context, key []byte, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Delete(ctx context.Context, key []byte) error
	// IterRange calls fn for every key in [start, end) in ascending order. A nil
	// end means no upper bound. fn must not mutate the transaction.
	IterRange(ctx context.Context, start, end []byte, fn func(k, v []byte) error) error
	Commit(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// IsExclusive returns whether s requires fully serialized transactions.
func IsExclusive(s Store) bool {
	e, ok := s.(Exclusive)
	return ok && e.ExclusiveTransactions()
}

// Transact runs fn in a new transaction and commits it if fn succeeds. The
// transaction is cancelled if fn returns an error.
func Transact(
	ctx context.Context,
	s Store,
	writable bool,
	fn func(Transaction) (any, error),
) (any, error) {
	tr, err := s.BeginTransaction(ctx, writable)
	if err != nil {
		return nil, fmt.Errorf("Transact: error beginning transaction: %w", err)
	}

	result, err := fn(tr)
	if err != nil {
		if cErr := tr.Cancel(ctx); cErr != nil {
			return nil, fmt.Errorf("Transact: error: %v, and error cancelling: %w", err, cErr)
		}
		return nil, err
	}

	if err := tr.Commit(ctx); err != nil {
		return nil, fmt.Errorf("Transact: error committing: %w", err)
	}
	return result, nil
}

// IterPrefix calls fn for every key that starts with prefix.
func IterPrefix(
	ctx context.Context,
	tr Transaction,
	prefix []byte,
	fn func(k, v []byte) error,
) error {
	start, end := PrefixRange(prefix)
	return tr.IterRange(ctx, start, end, fn)
}

// First returns the first key/value pair in [start, end), if any.
func First(
	ctx context.Context,
	tr Transaction,
	start, end []byte,
) (k, v []byte, ok bool, err error) {
	err = tr.IterRange(ctx, start, end, func(currK, currV []byte) error {
		k, v, ok = currK, currV, true
		return ErrStopIteration
	})
	return k, v, ok, err
}

// DeleteRange deletes every key in [start, end).
func DeleteRange(ctx context.Context, tr Transaction, start, end []byte) error {
	var keys [][]byte
	err := tr.IterRange(ctx, start, end, func(k, v []byte) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tr.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// PrefixRange returns the [start, end) range that covers every key with the
// provided prefix.
func PrefixRange(prefix []byte) (start, end []byte) {
	return append([]byte(nil), prefix...), PrefixEnd(prefix)
}

// PrefixEnd returns the smallest key that is greater than every key with the
// provided prefix, or nil if there is no such key (prefix is empty or all 0xFF).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// KeyAfter returns the smallest key that is strictly greater than k.
func KeyAfter(k []byte) []byte {
	return append(append([]byte(nil), k...), 0x00)
}

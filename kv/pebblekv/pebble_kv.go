// Package pebblekv implements kv.Store on top of Pebble. Writable transactions are
// indexed batches so they can read their own writes; read-only transactions are
// snapshots.
package pebblekv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/richardartoul/deferdb/kv"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrTransactionDone = errors.New("pebblekv: transaction already committed or cancelled")
	ErrReadOnly        = errors.New("pebblekv: write in read-only transaction")
)

type pebbleKV struct {
	db *pebble.DB
	// Held for the lifetime of a writable transaction. Pebble batches do not
	// detect conflicts, so writers are serialized.
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// New opens (or creates) a Pebble database in dir.
func New(dir string) (kv.Store, error) {
	return open(dir, &pebble.Options{
		Cache:        pebble.NewCache(64 * 1024 * 1024), // 64MB
		MemTableSize: 32 * 1024 * 1024,                  // 32MB
	})
}

// NewInMemory creates a Pebble database backed by an in-memory filesystem.
func NewInMemory() (kv.Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (kv.Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebblekv: failed to open %q: %w", dir, err)
	}
	return &pebbleKV{db: db}, nil
}

func (p *pebbleKV) BeginTransaction(ctx context.Context, writable bool) (kv.Transaction, error) {
	if writable {
		p.writeMu.Lock()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		if writable {
			p.writeMu.Unlock()
		}
		return nil, kv.ErrClosed
	}

	if writable {
		return &batchTransaction{p: p, batch: p.db.NewIndexedBatch()}, nil
	}
	return &snapshotTransaction{snap: p.db.NewSnapshot()}, nil
}

func (p *pebbleKV) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *pebbleKV) UnsafeWipeAll() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return kv.ErrClosed
	}
	return p.db.DeleteRange([]byte{0x00}, []byte{0xFF}, pebble.Sync)
}

// reader is the subset of methods shared by *pebble.Batch and *pebble.Snapshot.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func get(r reader, key []byte) ([]byte, bool, error) {
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, true, nil
}

func iterRange(r reader, start, end []byte, fn func(k, v []byte) error) (err error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return fmt.Errorf("pebblekv: error creating iterator: %w", err)
	}
	defer func() {
		if cErr := iter.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	for valid := iter.First(); valid; valid = iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v, vErr := iter.ValueAndErr()
		if vErr != nil {
			return fmt.Errorf("pebblekv: error reading value: %w", vErr)
		}
		if err := fn(k, append([]byte(nil), v...)); err != nil {
			if errors.Is(err, kv.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

type batchTransaction struct {
	p     *pebbleKV
	batch *pebble.Batch
	done  atomic.Bool
}

func (b *batchTransaction) Put(ctx context.Context, key, value []byte) error {
	if b.done.Load() {
		return ErrTransactionDone
	}
	return b.batch.Set(key, value, nil)
}

func (b *batchTransaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if b.done.Load() {
		return nil, false, ErrTransactionDone
	}
	return get(b.batch, key)
}

func (b *batchTransaction) Delete(ctx context.Context, key []byte) error {
	if b.done.Load() {
		return ErrTransactionDone
	}
	return b.batch.Delete(key, nil)
}

func (b *batchTransaction) IterRange(
	ctx context.Context,
	start, end []byte,
	fn func(k, v []byte) error,
) error {
	if b.done.Load() {
		return ErrTransactionDone
	}
	return iterRange(b.batch, start, end, fn)
}

func (b *batchTransaction) Commit(ctx context.Context) error {
	if !b.done.CompareAndSwap(false, true) {
		return ErrTransactionDone
	}
	defer b.p.writeMu.Unlock()
	defer b.batch.Close()

	if err := b.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblekv: failed to commit batch: %w", err)
	}
	return nil
}

func (b *batchTransaction) Cancel(ctx context.Context) error {
	if !b.done.CompareAndSwap(false, true) {
		return nil
	}
	defer b.p.writeMu.Unlock()
	return b.batch.Close()
}

type snapshotTransaction struct {
	snap *pebble.Snapshot
	done atomic.Bool
}

func (s *snapshotTransaction) Put(ctx context.Context, key, value []byte) error {
	return ErrReadOnly
}

func (s *snapshotTransaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if s.done.Load() {
		return nil, false, ErrTransactionDone
	}
	return get(s.snap, key)
}

func (s *snapshotTransaction) Delete(ctx context.Context, key []byte) error {
	return ErrReadOnly
}

func (s *snapshotTransaction) IterRange(
	ctx context.Context,
	start, end []byte,
	fn func(k, v []byte) error,
) error {
	if s.done.Load() {
		return ErrTransactionDone
	}
	return iterRange(s.snap, start, end, fn)
}

func (s *snapshotTransaction) Commit(ctx context.Context) error {
	return s.Cancel(ctx)
}

func (s *snapshotTransaction) Cancel(ctx context.Context) error {
	if !s.done.CompareAndSwap(false, true) {
		return nil
	}
	return s.snap.Close()
}

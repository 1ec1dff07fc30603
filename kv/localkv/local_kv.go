// Package localkv implements kv.Store in memory on top of a copy-on-write btree.
// It is primarily used for tests and for the CLI's "memory" backend.
package localkv

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/richardartoul/deferdb/kv"

	"github.com/google/btree"
)

var errTransactionDone = errors.New("localkv: transaction already committed or cancelled")

// localKV is an implementation of kv.Store backed by local memory.
type localKV struct {
	// Held for the lifetime of a writable transaction.
	writeMu sync.Mutex

	sync.Mutex
	b      *btree.BTreeG[btreeKV]
	closed bool
}

// New creates a new in-memory kv.Store.
func New() kv.Store {
	return &localKV{
		b: btree.NewG(16, func(a, b btreeKV) bool {
			return bytes.Compare(a.k, b.k) < 0
		}),
	}
}

func (l *localKV) BeginTransaction(ctx context.Context, writable bool) (kv.Transaction, error) {
	if writable {
		l.writeMu.Lock()
	}

	l.Lock()
	defer l.Unlock()
	if l.closed {
		if writable {
			l.writeMu.Unlock()
		}
		return nil, kv.ErrClosed
	}

	return &localTransaction{
		l:        l,
		writable: writable,
		// Readers get a snapshot, writers get a private copy that is swapped in on
		// commit. Either way the clone is lazy so this is cheap.
		b: l.b.Clone(),
	}, nil
}

func (l *localKV) UnsafeWipeAll() error {
	l.Lock()
	defer l.Unlock()

	l.b.Clear(false)
	return nil
}

func (l *localKV) Close(ctx context.Context) error {
	l.Lock()
	defer l.Unlock()

	l.closed = true
	return nil
}

type localTransaction struct {
	l        *localKV
	writable bool
	b        *btree.BTreeG[btreeKV]
	done     bool
}

func (tr *localTransaction) Put(ctx context.Context, k, v []byte) error {
	if err := tr.checkWritable(); err != nil {
		return err
	}

	// Copy k and v in case the caller reuses or mutates them.
	tr.b.ReplaceOrInsert(btreeKV{
		k: append([]byte(nil), k...),
		v: append([]byte(nil), v...),
	})
	return nil
}

func (tr *localTransaction) Get(ctx context.Context, k []byte) ([]byte, bool, error) {
	if tr.done {
		return nil, false, errTransactionDone
	}

	v, ok := tr.b.Get(btreeKV{k, nil})
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v.v...), true, nil
}

func (tr *localTransaction) Delete(ctx context.Context, k []byte) error {
	if err := tr.checkWritable(); err != nil {
		return err
	}

	tr.b.Delete(btreeKV{k, nil})
	return nil
}

func (tr *localTransaction) IterRange(
	ctx context.Context,
	start, end []byte,
	fn func(k, v []byte) error,
) error {
	if tr.done {
		return errTransactionDone
	}

	var globalErr error
	tr.b.AscendGreaterOrEqual(btreeKV{start, nil}, func(currKV btreeKV) bool {
		if end != nil && bytes.Compare(currKV.k, end) >= 0 {
			return false
		}
		if err := fn(
			append([]byte(nil), currKV.k...),
			append([]byte(nil), currKV.v...),
		); err != nil {
			globalErr = err
			return false
		}
		return true
	})
	if errors.Is(globalErr, kv.ErrStopIteration) {
		return nil
	}
	return globalErr
}

func (tr *localTransaction) Commit(ctx context.Context) error {
	if tr.done {
		return errTransactionDone
	}
	tr.done = true
	if !tr.writable {
		return nil
	}
	defer tr.l.writeMu.Unlock()

	tr.l.Lock()
	defer tr.l.Unlock()
	if tr.l.closed {
		return kv.ErrClosed
	}
	tr.l.b = tr.b
	return nil
}

func (tr *localTransaction) Cancel(ctx context.Context) error {
	if tr.done {
		return nil
	}
	tr.done = true
	if tr.writable {
		tr.l.writeMu.Unlock()
	}
	return nil
}

func (tr *localTransaction) checkWritable() error {
	if tr.done {
		return errTransactionDone
	}
	if !tr.writable {
		return errors.New("localkv: write in read-only transaction")
	}
	return nil
}

type btreeKV struct {
	k []byte
	v []byte
}

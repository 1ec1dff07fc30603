package records

import (
	"context"
	"errors"
	"sync"

	"github.com/richardartoul/deferdb/kv"
)

var (
	errInjectedDelete = errors.New("injected delete failure")
	errInjectedCommit = errors.New("injected commit failure")
)

// faultKV wraps a kv.Store and fails selected operations of writable
// transactions.
type faultKV struct {
	kv.Store

	mu sync.Mutex
	// failDeleteAt fails the Nth Delete (1-based) across all transactions. Zero
	// disables it.
	failDeleteAt int
	deletes      int
	failCommits  bool
}

func (f *faultKV) setFailDeleteAt(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDeleteAt, f.deletes = n, 0
}

func (f *faultKV) setFailCommits(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCommits = fail
}

func (f *faultKV) BeginTransaction(ctx context.Context, writable bool) (kv.Transaction, error) {
	tr, err := f.Store.BeginTransaction(ctx, writable)
	if err != nil {
		return nil, err
	}
	return &faultTx{Transaction: tr, kv: f, writable: writable}, nil
}

type faultTx struct {
	kv.Transaction
	kv       *faultKV
	writable bool
}

func (t *faultTx) Delete(ctx context.Context, key []byte) error {
	t.kv.mu.Lock()
	t.kv.deletes++
	fail := t.kv.failDeleteAt > 0 && t.kv.deletes == t.kv.failDeleteAt
	t.kv.mu.Unlock()
	if fail {
		return errInjectedDelete
	}
	return t.Transaction.Delete(ctx, key)
}

func (t *faultTx) Commit(ctx context.Context) error {
	t.kv.mu.Lock()
	fail := t.writable && t.kv.failCommits
	t.kv.mu.Unlock()
	if fail {
		return errInjectedCommit
	}
	return t.Transaction.Commit(ctx)
}

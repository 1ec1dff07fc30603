// Package fdbkv implements kv.Store on top of FoundationDB. It lives in its own
// module because the FoundationDB bindings require cgo and libfdb_c.
package fdbkv

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardartoul/deferdb/kv"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
)

// fdbKV is an implementation of kv.Store backed by FoundationDB.
type fdbKV struct {
	db fdb.Database
}

// New connects to the FoundationDB cluster described by clusterFile. An empty
// clusterFile uses the default cluster file.
func New(clusterFile string) (kv.Store, error) {
	fdb.MustAPIVersion(710)
	db, err := fdb.OpenDatabase(clusterFile)
	if err != nil {
		return nil, fmt.Errorf("error opening FDB database: %w", err)
	}
	return &fdbKV{db: db}, nil
}

func (f *fdbKV) BeginTransaction(ctx context.Context, writable bool) (kv.Transaction, error) {
	tr, err := f.db.CreateTransaction()
	if err != nil {
		return nil, fmt.Errorf("fdbKV: beginTransaction: error creating transaction: %w", err)
	}
	return &fdbTransaction{tr: tr, writable: writable}, nil
}

func (f *fdbKV) Close(ctx context.Context) error {
	// TODO: Why does f.db.Close() not exist?
	// https://pkg.go.dev/github.com/apple/foundationdb/bindings/go/src/fdb#Database.Close
	return nil
}

func (f *fdbKV) UnsafeWipeAll() error {
	_, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
		tr.ClearRange(fdb.KeyRange{Begin: fdb.Key{0x00}, End: fdb.Key{0xFF}})
		return nil, nil
	})
	return err
}

type fdbTransaction struct {
	tr       fdb.Transaction
	writable bool
}

func (tr *fdbTransaction) Put(ctx context.Context, k, v []byte) error {
	if !tr.writable {
		return errors.New("fdbKV: write in read-only transaction")
	}
	tr.tr.Set(fdb.Key(k), v)
	return nil
}

func (tr *fdbTransaction) Get(ctx context.Context, k []byte) ([]byte, bool, error) {
	v, err := tr.tr.Get(fdb.Key(k)).Get()
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (tr *fdbTransaction) Delete(ctx context.Context, k []byte) error {
	if !tr.writable {
		return errors.New("fdbKV: write in read-only transaction")
	}
	tr.tr.Clear(fdb.Key(k))
	return nil
}

func (tr *fdbTransaction) IterRange(
	ctx context.Context,
	start, end []byte,
	fn func(k, v []byte) error,
) error {
	if end == nil {
		end = []byte{0xFF}
	}
	iter := tr.tr.GetRange(
		fdb.KeyRange{Begin: fdb.Key(start), End: fdb.Key(end)},
		fdb.RangeOptions{},
	).Iterator()
	for iter.Advance() {
		pair, err := iter.Get()
		if err != nil {
			return err
		}
		if err := fn(pair.Key, pair.Value); err != nil {
			if errors.Is(err, kv.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (tr *fdbTransaction) Commit(ctx context.Context) error {
	if !tr.writable {
		tr.tr.Cancel()
		return nil
	}
	return tr.tr.Commit().Get()
}

func (tr *fdbTransaction) Cancel(ctx context.Context) error {
	tr.tr.Cancel()
	return nil
}

// Package boltkv implements kv.Store on top of a single bbolt bucket.
package boltkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardartoul/deferdb/kv"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("deferdb")

// boltKV wraps bbolt.DB with transaction adapters.
type boltKV struct {
	db *bbolt.DB
}

// New opens (or creates) a bbolt database file at path.
func New(path string) (kv.Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltkv: failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltkv: failed to create bucket: %w", err)
	}

	return &boltKV{db: db}, nil
}

func (b *boltKV) BeginTransaction(ctx context.Context, writable bool) (kv.Transaction, error) {
	tx, err := b.db.Begin(writable)
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, kv.ErrClosed
		}
		return nil, fmt.Errorf("boltkv: beginTransaction: %w", err)
	}
	return &boltTransaction{tx: tx}, nil
}

// ExclusiveTransactions implements kv.Exclusive. bbolt cannot remap its data file
// for a committing writer while a reader on the same goroutine holds it mapped.
func (b *boltKV) ExclusiveTransactions() bool {
	return true
}

func (b *boltKV) Close(ctx context.Context) error {
	return b.db.Close()
}

func (b *boltKV) UnsafeWipeAll() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
}

type boltTransaction struct {
	tx *bbolt.Tx
}

func (b *boltTransaction) bucket() (*bbolt.Bucket, error) {
	buck := b.tx.Bucket(bucketName)
	if buck == nil {
		return nil, fmt.Errorf("boltkv: bucket %s does not exist", bucketName)
	}
	return buck, nil
}

func (b *boltTransaction) Put(ctx context.Context, key, value []byte) error {
	buck, err := b.bucket()
	if err != nil {
		return err
	}
	// bbolt requires key and value to stay valid for the life of the transaction.
	return buck.Put(append([]byte(nil), key...), append([]byte(nil), value...))
}

func (b *boltTransaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	buck, err := b.bucket()
	if err != nil {
		return nil, false, err
	}
	value := buck.Get(key)
	if value == nil {
		return nil, false, nil
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, true, nil
}

func (b *boltTransaction) Delete(ctx context.Context, key []byte) error {
	buck, err := b.bucket()
	if err != nil {
		return err
	}
	return buck.Delete(key)
}

func (b *boltTransaction) IterRange(
	ctx context.Context,
	start, end []byte,
	fn func(k, v []byte) error,
) error {
	buck, err := b.bucket()
	if err != nil {
		return err
	}

	c := buck.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		kCopy := make([]byte, len(k))
		copy(kCopy, k)
		vCopy := make([]byte, len(v))
		copy(vCopy, v)
		if err := fn(kCopy, vCopy); err != nil {
			if errors.Is(err, kv.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (b *boltTransaction) Commit(ctx context.Context) error {
	if !b.tx.Writable() {
		return b.tx.Rollback()
	}
	return b.tx.Commit()
}

func (b *boltTransaction) Cancel(ctx context.Context) error {
	err := b.tx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return nil
	}
	return err
}

package records

import (
	"fmt"
	"time"

	"github.com/richardartoul/deferdb/futures"
	"github.com/richardartoul/deferdb/store"

	"golang.org/x/exp/slog"
)

// txResult folds the callbacks of one transaction into a single settlement. The
// first failure is kept as the cause and reported once the transaction has
// aborted. It is only accessed on the event loop.
type txResult[T any] struct {
	future   futures.Future[T]
	value    T
	cause    error
	stage    Stage
	settled  bool
	wrap     func(stage Stage, err error) error
	onSettle func(err error)
}

func (r *txResult[T]) fail(stage Stage, err error) {
	if r.cause == nil {
		r.cause, r.stage = err, stage
	}
}

// abort records the failure and aborts tx. The future settles from the
// transaction's abort callback.
func (r *txResult[T]) abort(tx *store.Transaction, stage Stage, err error) {
	r.fail(stage, err)
	if abortErr := tx.Abort(); abortErr != nil {
		r.reject(stage, err)
	}
}

func (r *txResult[T]) resolve() {
	if r.settled {
		return
	}
	r.settled = true
	r.future.Resolve(r.value)
	r.onSettle(nil)
}

func (r *txResult[T]) reject(stage Stage, err error) {
	if r.settled {
		return
	}
	r.settled = true
	wrapped := r.wrap(stage, err)
	r.future.Reject(wrapped)
	r.onSettle(wrapped)
}

// runTx runs body inside a new transaction over storeName on db's event loop.
// The returned future resolves with the result's value once the transaction
// commits and rejects once it aborts. Panics in body become failures.
func runTx[T any](
	c *Client,
	operation string,
	db *store.Database,
	storeName string,
	mode store.Mode,
	wrap func(stage Stage, err error) error,
	body func(tx *store.Transaction, r *txResult[T]) error,
) futures.Future[T] {
	var (
		start = time.Now()
		log   = c.log.With(slog.String("op", operation), slog.String("store", storeName))
		r     = &txResult[T]{future: futures.New[T](), wrap: wrap}
	)
	r.onSettle = func(err error) { c.observe(operation, start, err) }

	if db == nil {
		r.reject(StageTransaction, errNilDatabase)
		return r.future
	}

	err := db.Post(func() {
		tx, err := db.Transaction([]string{storeName}, mode, store.TxHandlers{
			OnComplete: func() {
				log.Debug("transaction successful")
				r.resolve()
			},
			OnError: func(err error) {
				r.fail(StageTransaction, err)
			},
			OnAbort: func(err error) {
				r.fail(StageTransaction, err)
				log.Debug("transaction aborted", slog.String("error", r.cause.Error()))
				r.reject(r.stage, r.cause)
			},
		})
		if err != nil {
			r.reject(StageTransaction, err)
			return
		}

		if err := callBody(tx, r, body); err != nil {
			r.abort(tx, StageRequest, err)
		}
	})
	if err != nil {
		r.reject(StageTransaction, err)
	}
	return r.future
}

func callBody[T any](
	tx *store.Transaction,
	r *txResult[T],
	body func(tx *store.Transaction, r *txResult[T]) error,
) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic issuing requests: %v", p)
		}
	}()
	return body(tx, r)
}

// guard converts a panic inside a request handler into an abort of tx.
func guard[T any](tx *store.Transaction, r *txResult[T], stage Stage, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.abort(tx, stage, fmt.Errorf("panic in %s handler: %v", stage, p))
		}
	}()
	fn()
}

// AddRecord inserts record into storeName in its own readwrite transaction. The
// future resolves once the transaction has committed. It fails with a WriteError
// if the insert fails (for example because the key already exists) or the
// transaction aborts, in which case nothing was written.
func (c *Client) AddRecord(db *store.Database, storeName string, record any) futures.Future[struct{}] {
	// Only accessed on the event loop.
	var key store.Key
	wrap := func(stage Stage, err error) error {
		return NewWriteError(storeName, key, stage, err)
	}

	return runTx(c, opAddRecord, db, storeName, store.ReadWrite, wrap,
		func(tx *store.Transaction, r *txResult[struct{}]) error {
			objectStore, err := tx.ObjectStore(storeName)
			if err != nil {
				return err
			}
			if normalized, err := store.NormalizeRecord(record); err == nil {
				if k, ok := store.ExtractKey(objectStore.KeyPath(), normalized); ok {
					key = k
				}
			}

			_, err = objectStore.Add(record, store.Handlers[store.Key]{
				OnSuccess: func(k store.Key) {
					key = k
					c.log.Debug("add request successful", slog.String("store", storeName), slog.Any("key", k))
				},
				OnError: func(ev *store.ErrorEvent) {
					r.fail(StageRequest, ev.Err)
				},
			})
			return err
		})
}

// DeleteByIndex deletes every record of storeName whose indexName key equals
// key. It walks the whole index with a cursor inside one readwrite transaction,
// issuing a delete for each matching entry before advancing. The future resolves
// with the number of deleted records once the transaction commits. If any step
// fails the transaction aborts, nothing is deleted and the future fails with a
// DeleteError.
func (c *Client) DeleteByIndex(db *store.Database, storeName, indexName string, key any) futures.Future[int] {
	wrap := func(stage Stage, err error) error {
		return NewDeleteError(storeName, indexName, key, stage, err)
	}
	log := c.log.With(slog.String("store", storeName), slog.String("index", indexName))

	return runTx(c, opDeleteByIndex, db, storeName, store.ReadWrite, wrap,
		func(tx *store.Transaction, r *txResult[int]) error {
			target, err := store.ValidateKey(key)
			if err != nil {
				return err
			}
			objectStore, err := tx.ObjectStore(storeName)
			if err != nil {
				return err
			}
			idx, err := objectStore.Index(indexName)
			if err != nil {
				return err
			}

			_, err = idx.OpenCursor(nil, store.Handlers[*store.Cursor]{
				OnSuccess: func(cursor *store.Cursor) {
					guard(tx, r, StageCursor, func() {
						if cursor == nil {
							log.Debug("delete scan finished")
							return
						}
						c.deleteIfMatch(tx, r, log, cursor, target)
					})
				},
				OnError: func(ev *store.ErrorEvent) {
					r.fail(StageCursor, ev.Err)
				},
			})
			return err
		})
}

// deleteIfMatch issues a delete for the cursor's record if its index key equals
// target, then advances the cursor regardless.
func (c *Client) deleteIfMatch(
	tx *store.Transaction,
	r *txResult[int],
	log *slog.Logger,
	cursor *store.Cursor,
	target store.Key,
) {
	cmp, err := store.CompareKeys(cursor.Key(), target)
	if err != nil {
		r.abort(tx, StageCursor, err)
		return
	}
	if cmp == 0 {
		primaryKey := cursor.PrimaryKey()
		_, err := cursor.Delete(store.Handlers[struct{}]{
			OnSuccess: func(struct{}) {
				r.value++
				log.Debug("record deleted", slog.Any("key", primaryKey))
			},
			OnError: func(ev *store.ErrorEvent) {
				r.fail(StageRequest, ev.Err)
			},
		})
		if err != nil {
			r.abort(tx, StageRequest, err)
			return
		}
	}
	if err := cursor.Continue(); err != nil {
		r.abort(tx, StageCursor, err)
	}
}

// GetByIndex returns, in index order, every record of storeName whose indexName
// key matches key. key is either an exact key or a *store.KeyRange; nil matches
// every indexed record. The future resolves with an empty slice if nothing
// matches, and fails with a ReadError if the read or its transaction fails.
func (c *Client) GetByIndex(db *store.Database, storeName, indexName string, key any) futures.Future[[]store.Record] {
	wrap := func(stage Stage, err error) error {
		return NewReadError(storeName, indexName, key, stage, err)
	}

	return runTx(c, opGetByIndex, db, storeName, store.ReadOnly, wrap,
		func(tx *store.Transaction, r *txResult[[]store.Record]) error {
			objectStore, err := tx.ObjectStore(storeName)
			if err != nil {
				return err
			}
			idx, err := objectStore.Index(indexName)
			if err != nil {
				return err
			}

			_, err = idx.GetAll(key, store.Handlers[[]store.Record]{
				OnSuccess: func(records []store.Record) {
					r.value = records
					c.log.Debug(
						"get all request successful",
						slog.String("store", storeName),
						slog.String("index", indexName),
						slog.Int("count", len(records)))
				},
				OnError: func(ev *store.ErrorEvent) {
					r.fail(StageRequest, ev.Err)
				},
			})
			return err
		})
}

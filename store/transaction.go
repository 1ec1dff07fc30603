package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/richardartoul/deferdb/kv"

	"golang.org/x/exp/slog"
)

// Mode is the mode of a Transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	VersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) writable() bool {
	return m == ReadWrite || m == VersionChange
}

// TxHandlers are the callbacks of a Transaction. Exactly one of OnComplete and
// OnAbort is called, after every other callback of the transaction.
type TxHandlers struct {
	OnComplete func()
	// OnError is called with every request failure that was not prevented by
	// the request's own error handler. The transaction aborts right after.
	OnError func(err error)
	OnAbort func(err error)
}

type txState int

const (
	txWaiting txState = iota
	txRunning
	txCommitted
	txAborted
)

// Transaction groups requests against a set of object stores. It commits
// automatically once every issued request has completed and no more requests
// are pending, or aborts on the first unhandled request failure.
type Transaction struct {
	f     *Factory
	id    string
	db    *Database
	scope []string
	mode  Mode
	h     TxHandlers
	log   *slog.Logger

	state      txState
	kvTx       kv.Transaction
	ops        []*op
	stepPosted bool
	pins       int
	err        error

	// Version change transactions only.
	prevMeta *databaseMeta
	onStart  func()
}

func (f *Factory) newTransaction(db *Database, scope []string, mode Mode, h TxHandlers) *Transaction {
	scope = append([]string(nil), scope...)
	sort.Strings(scope)
	dedup := scope[:0]
	for i, name := range scope {
		if i > 0 && name == scope[i-1] {
			continue
		}
		dedup = append(dedup, name)
	}

	id := uuid.NewString()
	return &Transaction{
		f:     f,
		id:    id,
		db:    db,
		scope: dedup,
		mode:  mode,
		h:     h,
		log: f.log.With(
			slog.String("tx", id),
			slog.String("db", db.name),
			slog.String("mode", mode.String())),
	}
}

func (tx *Transaction) ID() string {
	return tx.id
}

func (tx *Transaction) Mode() Mode {
	return tx.mode
}

func (tx *Transaction) DB() *Database {
	return tx.db
}

// Scope returns the names of the object stores the transaction can access.
func (tx *Transaction) Scope() []string {
	if tx.mode == VersionChange {
		return tx.db.meta.storeNames()
	}
	return append([]string(nil), tx.scope...)
}

// Err returns the reason the transaction aborted, if it did.
func (tx *Transaction) Err() error {
	return tx.err
}

// ObjectStore returns the object store called name, which must be in scope.
func (tx *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	const op = "Transaction.ObjectStore"

	if tx.finished() {
		return nil, newError(CodeInvalidState, op, "transaction has finished")
	}
	if !tx.inScope(name) {
		return nil, newError(CodeNotFound, op, "object store: %s is not in the transaction's scope", name)
	}
	if _, ok := tx.db.meta.Stores[name]; !ok {
		return nil, newError(CodeNotFound, op, "no object store named: %s", name)
	}
	return &ObjectStore{tx: tx, name: name}, nil
}

// Abort aborts the transaction. Pending requests fail with an AbortError.
func (tx *Transaction) Abort() error {
	if tx.finished() {
		return newError(CodeInvalidState, "Transaction.Abort", "transaction has finished")
	}
	tx.f.abort(tx, newError(CodeAbort, "Transaction.Abort", "transaction was aborted"))
	return nil
}

// Pin keeps the transaction from committing until the returned function is
// called. This lets asynchronous work issue requests against the transaction
// after the current handler returns. The release function may be called from any
// goroutine; calls after the first are no-ops.
func (tx *Transaction) Pin() (release func()) {
	if tx.finished() {
		return func() {}
	}
	tx.pins++
	released := false
	return func() {
		tx.f.Post(func() {
			if released {
				return
			}
			released = true
			tx.pins--
			tx.f.kick(tx)
		})
	}
}

func (tx *Transaction) finished() bool {
	return tx.state == txCommitted || tx.state == txAborted
}

func (tx *Transaction) inScope(name string) bool {
	if tx.mode == VersionChange {
		return true
	}
	i := sort.SearchStrings(tx.scope, name)
	return i < len(tx.scope) && tx.scope[i] == name
}

func (tx *Transaction) overlaps(other *Transaction) bool {
	if tx.db.name != other.db.name {
		return false
	}
	if tx.mode == VersionChange || other.mode == VersionChange {
		return true
	}
	for _, name := range tx.scope {
		if other.inScope(name) {
			return true
		}
	}
	return false
}

// checkActive returns an error if requests can no longer be issued.
func (tx *Transaction) checkActive(op string) error {
	if tx.finished() {
		return newError(CodeTransactionInactive, op, "transaction has finished")
	}
	return nil
}

func (tx *Transaction) issue(o *op) error {
	if err := tx.checkActive(o.req.op); err != nil {
		return err
	}
	o.req.state = RequestPending
	tx.ops = append(tx.ops, o)
	tx.f.kick(tx)
	return nil
}

func (f *Factory) enqueue(tx *Transaction) {
	f.txs = append(f.txs, tx)
	tx.db.activeTxs++
	tx.log.Debug("transaction created", slog.Any("scope", tx.scope))
	f.schedule()
}

// schedule starts every waiting transaction that does not conflict with an
// unfinished transaction created before it.
func (f *Factory) schedule() {
	for _, tx := range append([]*Transaction(nil), f.txs...) {
		if tx.state != txWaiting || f.blocked(tx) {
			continue
		}
		f.start(tx)
	}
}

func (f *Factory) blocked(tx *Transaction) bool {
	for _, other := range f.txs {
		if other == tx {
			return false
		}
		if f.conflicts(other, tx) {
			return true
		}
	}
	return false
}

func (f *Factory) conflicts(a, b *Transaction) bool {
	if !a.mode.writable() && !b.mode.writable() {
		return false
	}
	if a.mode.writable() && b.mode.writable() {
		// The KV store has a single writer.
		return true
	}
	return f.exclusive || a.overlaps(b)
}

func (f *Factory) start(tx *Transaction) {
	tx.state = txRunning
	kvTx, err := f.kv.BeginTransaction(f.ctx, tx.mode.writable())
	if err != nil {
		f.abort(tx, wrapError(CodeBackend, "Transaction.Begin", err, "error beginning KV transaction"))
		return
	}
	tx.kvTx = kvTx
	tx.log.Debug("transaction started")

	if tx.onStart != nil {
		tx.onStart()
	}
	f.kick(tx)
}

// kick posts a step for tx unless one is already pending.
func (f *Factory) kick(tx *Transaction) {
	if tx.state != txRunning || tx.stepPosted {
		return
	}
	tx.stepPosted = true
	f.loop.post(func() { f.step(tx) })
}

// step executes the next queued request of tx, or commits tx if there is none.
// Every request runs in its own task so that the callbacks of one request can
// issue more requests before the transaction decides to commit.
func (f *Factory) step(tx *Transaction) {
	tx.stepPosted = false
	if tx.state != txRunning {
		return
	}

	if len(tx.ops) > 0 {
		o := tx.ops[0]
		tx.ops[0] = nil
		tx.ops = tx.ops[1:]
		f.runOp(tx, o)
		f.kick(tx)
		return
	}

	if tx.pins > 0 {
		return
	}
	f.commit(tx)
}

func (f *Factory) runOp(tx *Transaction, o *op) {
	onSuccess, err := f.execOp(tx, o)
	o.req.state = RequestDone
	if err == nil {
		f.dispatch(tx, o.req.op+".OnSuccess", onSuccess)
		return
	}

	o.req.err = err
	tx.log.Debug(
		"request failed",
		slog.String("op", o.req.op),
		slog.String("source", o.req.source),
		slog.String("error", err.Error()))

	ev := &ErrorEvent{Err: err, Request: o.req}
	if o.onError != nil {
		f.dispatch(tx, o.req.op+".OnError", func() { o.onError(ev) })
	}
	if tx.state != txRunning || ev.prevented {
		return
	}
	if tx.h.OnError != nil {
		f.dispatch(tx, "Transaction.OnError", func() { tx.h.OnError(err) })
	}
	if tx.state != txRunning {
		return
	}
	f.abort(tx, err)
}

func (f *Factory) execOp(tx *Transaction, o *op) (onSuccess func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(CodeBackend, o.req.op, "panic executing request: %v", r)
		}
	}()
	onSuccess, err = o.exec(f.ctx, tx.kvTx)
	if err != nil {
		return nil, asStoreError(o.req.op, err)
	}
	return onSuccess, nil
}

func (f *Factory) commit(tx *Transaction) {
	if tx.mode == VersionChange {
		if err := saveMeta(f.ctx, tx.kvTx, tx.db.meta); err != nil {
			f.abort(tx, wrapError(CodeBackend, "Transaction.Commit", err, "error saving metadata"))
			return
		}
	}
	if err := tx.kvTx.Commit(f.ctx); err != nil {
		f.abort(tx, wrapError(CodeBackend, "Transaction.Commit", err, "error committing KV transaction"))
		return
	}

	tx.state = txCommitted
	f.finish(tx)
	tx.log.Debug("transaction committed")
	if tx.h.OnComplete != nil {
		f.dispatch(tx, "Transaction.OnComplete", tx.h.OnComplete)
	}
	f.schedule()
}

func (f *Factory) abort(tx *Transaction, err error) {
	if tx.finished() {
		return
	}
	tx.state = txAborted
	tx.err = err

	if tx.kvTx != nil {
		if cErr := tx.kvTx.Cancel(f.ctx); cErr != nil {
			tx.log.Error("error cancelling KV transaction", slog.String("error", cErr.Error()))
		}
	}
	if tx.prevMeta != nil {
		tx.db.meta = tx.prevMeta
	}

	pending := tx.ops
	tx.ops = nil
	f.finish(tx)
	tx.log.Debug("transaction aborted", slog.String("error", err.Error()))

	for _, o := range pending {
		o.req.state = RequestDone
		o.req.err = wrapError(CodeAbort, o.req.op, err, "transaction was aborted")
		if o.onError != nil {
			o := o
			f.dispatch(tx, o.req.op+".OnError", func() {
				o.onError(&ErrorEvent{Err: o.req.err, Request: o.req})
			})
		}
	}
	if tx.h.OnAbort != nil {
		f.dispatch(tx, "Transaction.OnAbort", func() { tx.h.OnAbort(err) })
	}
	f.schedule()
}

// finish removes a committed or aborted transaction from the schedule.
func (f *Factory) finish(tx *Transaction) {
	for i, other := range f.txs {
		if other == tx {
			f.txs = append(f.txs[:i:i], f.txs[i+1:]...)
			break
		}
	}
	tx.db.activeTxs--
	f.finishClose(tx.db)
}

// dispatch calls a user handler. A panic inside the handler aborts tx, if it is
// still unfinished, with a HandlerPanic error.
func (f *Factory) dispatch(tx *Transaction, handler string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := newError(CodeHandlerPanic, handler, "handler panicked: %v", r)
		if e, ok := r.(error); ok {
			err.Err = e
		}
		f.log.Warn("handler panicked", slog.String("handler", handler), slog.String("error", err.Error()))
		if tx != nil && !tx.finished() {
			f.abort(tx, err)
		}
	}()
	fn()
}

// IsTransactionInactive returns whether err is a TransactionInactiveError.
func IsTransactionInactive(err error) bool {
	return errors.Is(err, ErrTransactionInactive)
}

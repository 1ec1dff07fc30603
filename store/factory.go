// Package store implements a callback-driven, versioned, transactional record
// store on top of any kv.Store.
//
// A Factory owns a single event loop. Every handler passed to the store runs on
// that loop, one at a time, and the store's objects (Database, Transaction,
// ObjectStore, Index, Cursor) may only be used from the loop. Code running
// elsewhere uses Factory.Post or Database.Post to get onto it.
//
// Records live in named object stores inside named, versioned databases. Object
// stores and indexes are created and deleted only while a database is being
// upgraded, inside the version change transaction started by Factory.Open.
package store

import (
	"context"
	"sync/atomic"

	"github.com/richardartoul/deferdb/kv"

	"golang.org/x/exp/slog"
)

// ErrFactoryClosed is returned when work is submitted to a closed Factory.
var ErrFactoryClosed = newError(CodeInvalidState, "Factory", "factory is closed")

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	Logger *slog.Logger
	// Context is used for every KV operation. Defaults to context.Background().
	Context context.Context
}

// OpenHandlers are the callbacks of a Factory.Open call.
type OpenHandlers struct {
	// OnUpgradeNeeded is called when the requested version is greater than the
	// stored version. It runs inside the version change transaction, which commits
	// once the handler returns and every request it issued has completed, unless
	// the transaction is pinned.
	OnUpgradeNeeded func(ev *VersionChangeEvent)
	OnSuccess       func(db *Database)
	OnError         func(err error)
	// OnBlocked is called once if other connections to the database remain open
	// after being notified of the version change.
	OnBlocked func(oldVersion, newVersion uint64)
	// OnVersionChange is called on the opened connection when another Open call
	// wants to upgrade the database. The connection should be closed.
	OnVersionChange func(db *Database, oldVersion, newVersion uint64)
}

// VersionChangeEvent is passed to OnUpgradeNeeded.
type VersionChangeEvent struct {
	OldVersion uint64
	NewVersion uint64
	DB         *Database
	Tx         *Transaction
}

type openRequest struct {
	name      string
	version   uint64
	h         OpenHandlers
	db        *Database
	blocked   bool
	upgrading bool
}

// Factory opens databases stored in a kv.Store. A kv.Store should be used by at
// most one Factory at a time.
type Factory struct {
	kv        kv.Store
	exclusive bool
	ctx       context.Context
	log       *slog.Logger
	loop      *loop
	closed    atomic.Bool

	// Only accessed on the loop.
	txs   []*Transaction
	conns map[string][]*Database
	opens map[string][]*openRequest
}

// NewFactory creates a new Factory on top of store.
func NewFactory(store kv.Store, opts FactoryOptions) *Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	log := opts.Logger.With(slog.String("module", "store"))

	return &Factory{
		kv:        store,
		exclusive: kv.IsExclusive(store),
		ctx:       opts.Context,
		log:       log,
		loop:      newLoop(log),
		conns:     make(map[string][]*Database),
		opens:     make(map[string][]*openRequest),
	}
}

// Post schedules fn to run on the event loop.
func (f *Factory) Post(fn func()) error {
	if !f.loop.post(fn) {
		return ErrFactoryClosed
	}
	return nil
}

// Close aborts every unfinished transaction, stops the event loop and closes the
// underlying kv.Store. It must not be called from the event loop.
func (f *Factory) Close(ctx context.Context) error {
	if f.closed.Swap(true) {
		return nil
	}
	f.loop.post(func() {
		for _, tx := range append([]*Transaction(nil), f.txs...) {
			f.abort(tx, newError(CodeInvalidState, "Factory.Close", "factory was closed"))
		}
	})
	f.loop.close()
	return f.kv.Close(ctx)
}

// Open opens a connection to the database called name at version. If the stored
// version is lower the database is upgraded first (see OpenHandlers). Opens of the
// same database are processed one at a time in the order they were made.
func (f *Factory) Open(name string, version uint64, h OpenHandlers) error {
	req := &openRequest{name: name, version: version, h: h}
	return f.Post(func() {
		queue := append(f.opens[name], req)
		f.opens[name] = queue
		if len(queue) == 1 {
			f.runOpen(req)
		}
	})
}

func (f *Factory) runOpen(req *openRequest) {
	const op = "Factory.Open"

	f.log.Debug(
		"opening database",
		slog.String("name", req.name),
		slog.Uint64("version", req.version))

	if req.version == 0 {
		f.failOpen(req, newError(CodeInvalidAccess, op, "version must be greater than zero"))
		return
	}

	meta, err := loadMeta(f.ctx, f.kv, req.name)
	if err != nil {
		f.failOpen(req, wrapError(CodeBackend, op, err, "error loading database: %s", req.name))
		return
	}
	if meta == nil {
		meta = newDatabaseMeta(req.name)
	}
	if req.version < meta.Version {
		f.failOpen(req, newError(
			CodeVersion, op, "requested version (%d) is less than the existing version (%d)",
			req.version, meta.Version))
		return
	}

	req.db = newDatabase(f, meta, req.h)
	if req.version == meta.Version {
		f.conns[req.name] = append(f.conns[req.name], req.db)
		f.succeedOpen(req)
		return
	}

	oldVersion := meta.Version
	for _, conn := range f.conns[req.name] {
		if conn.closeRequested.Load() || conn.h.OnVersionChange == nil {
			continue
		}
		conn := conn
		f.dispatch(nil, "OnVersionChange", func() {
			conn.h.OnVersionChange(conn, oldVersion, req.version)
		})
	}
	// Connections closed by OnVersionChange finish closing in tasks posted by
	// Close, so check for blockers after them.
	f.loop.post(func() { f.maybeStartUpgrade(req) })
}

func (f *Factory) maybeStartUpgrade(req *openRequest) {
	if req.upgrading {
		return
	}
	if len(f.conns[req.name]) > 0 {
		if !req.blocked {
			req.blocked = true
			f.log.Debug(
				"database upgrade blocked by open connections",
				slog.String("name", req.name),
				slog.Int("connections", len(f.conns[req.name])))
			if req.h.OnBlocked != nil {
				f.dispatch(nil, "OnBlocked", func() {
					req.h.OnBlocked(req.db.meta.Version, req.version)
				})
			}
		}
		return
	}
	f.startUpgrade(req)
}

func (f *Factory) startUpgrade(req *openRequest) {
	const op = "Factory.Open"

	req.upgrading = true
	db := req.db
	f.conns[req.name] = append(f.conns[req.name], db)

	oldVersion := db.meta.Version
	tx := f.newTransaction(db, nil, VersionChange, TxHandlers{})
	tx.prevMeta = db.meta.clone()
	db.meta.Version = req.version
	db.upgradeTx = tx

	tx.onStart = func() {
		f.log.Debug(
			"upgrading database",
			slog.String("name", req.name),
			slog.Uint64("oldVersion", oldVersion),
			slog.Uint64("newVersion", req.version),
			slog.String("tx", tx.id))
		if req.h.OnUpgradeNeeded == nil {
			return
		}
		ev := &VersionChangeEvent{
			OldVersion: oldVersion,
			NewVersion: req.version,
			DB:         db,
			Tx:         tx,
		}
		f.dispatch(tx, "OnUpgradeNeeded", func() { req.h.OnUpgradeNeeded(ev) })
	}
	tx.h = TxHandlers{
		OnComplete: func() {
			db.upgradeTx = nil
			if db.closeRequested.Load() {
				f.failOpen(req, newError(CodeAbort, op, "connection was closed before the upgrade completed"))
				return
			}
			f.succeedOpen(req)
		},
		OnAbort: func(err error) {
			db.upgradeTx = nil
			db.closeRequested.Store(true)
			f.finishClose(db)
			f.failOpen(req, wrapError(CodeAbort, op, err, "version change transaction was aborted"))
		},
	}
	f.enqueue(tx)
}

func (f *Factory) succeedOpen(req *openRequest) {
	f.log.Debug(
		"database opened",
		slog.String("name", req.name),
		slog.Uint64("version", req.version))
	if req.h.OnSuccess != nil {
		f.dispatch(nil, "OnSuccess", func() { req.h.OnSuccess(req.db) })
	}
	f.openDone(req)
}

func (f *Factory) failOpen(req *openRequest, err error) {
	f.log.Debug(
		"error opening database",
		slog.String("name", req.name),
		slog.Uint64("version", req.version),
		slog.String("error", err.Error()))
	if req.h.OnError != nil {
		f.dispatch(nil, "OnError", func() { req.h.OnError(err) })
	}
	f.openDone(req)
}

func (f *Factory) openDone(req *openRequest) {
	queue := f.opens[req.name]
	if len(queue) == 0 || queue[0] != req {
		f.log.Error(
			"[invariant violated] finished open request is not at the head of its queue",
			slog.String("name", req.name))
		return
	}
	queue = queue[1:]
	if len(queue) == 0 {
		delete(f.opens, req.name)
		return
	}
	f.opens[req.name] = queue
	next := queue[0]
	f.loop.post(func() { f.runOpen(next) })
}

// finishClose completes the close of db once it has no unfinished transactions.
func (f *Factory) finishClose(db *Database) {
	if db.closed || !db.closeRequested.Load() || db.activeTxs > 0 {
		return
	}
	db.closed = true

	conns := f.conns[db.name]
	for i, conn := range conns {
		if conn == db {
			conns = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(f.conns, db.name)
	} else {
		f.conns[db.name] = conns
	}
	f.log.Debug("database connection closed", slog.String("name", db.name))

	if queue := f.opens[db.name]; len(queue) > 0 && queue[0].blocked {
		f.maybeStartUpgrade(queue[0])
	}
}

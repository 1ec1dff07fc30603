package store

import (
	"sync/atomic"

	"github.com/richardartoul/deferdb/kv"
)

// StoreOptions configures a new object store. KeyPath is a dotted path to the
// primary key inside each record; an empty KeyPath means keys are provided out of
// line. AutoIncrement attaches a key generator to the store.
type StoreOptions struct {
	KeyPath       string
	AutoIncrement bool
}

// Database is a connection to a versioned database.
type Database struct {
	f    *Factory
	name string
	h    OpenHandlers

	meta           *databaseMeta
	upgradeTx      *Transaction
	activeTxs      int
	closeRequested atomic.Bool
	closed         bool
}

func newDatabase(f *Factory, meta *databaseMeta, h OpenHandlers) *Database {
	return &Database{f: f, name: meta.Name, h: h, meta: meta}
}

func (db *Database) Name() string {
	return db.name
}

func (db *Database) Version() uint64 {
	return db.meta.Version
}

// ObjectStoreNames returns the sorted names of the database's object stores.
func (db *Database) ObjectStoreNames() []string {
	return db.meta.storeNames()
}

// Post schedules fn on the event loop of the Factory that owns db.
func (db *Database) Post(fn func()) error {
	return db.f.Post(fn)
}

// Close closes the connection. New transactions can no longer be created and the
// connection is released once its unfinished transactions are done. Close may be
// called from any goroutine.
func (db *Database) Close() {
	if db.closeRequested.Swap(true) {
		return
	}
	db.f.Post(func() { db.f.finishClose(db) })
}

// Transaction creates a transaction over the named object stores. Mode must be
// ReadOnly or ReadWrite.
func (db *Database) Transaction(scope []string, mode Mode, h TxHandlers) (*Transaction, error) {
	const op = "Database.Transaction"

	if db.closeRequested.Load() {
		return nil, newError(CodeInvalidState, op, "connection to database: %s is closing", db.name)
	}
	if db.upgradeTx != nil {
		return nil, newError(CodeInvalidState, op, "database: %s is being upgraded", db.name)
	}
	if mode != ReadOnly && mode != ReadWrite {
		return nil, newError(CodeInvalidAccess, op, "invalid transaction mode: %s", mode)
	}
	if len(scope) == 0 {
		return nil, newError(CodeInvalidAccess, op, "transaction scope must not be empty")
	}
	for _, name := range scope {
		if _, ok := db.meta.Stores[name]; !ok {
			return nil, newError(CodeNotFound, op, "no object store named: %s in database: %s", name, db.name)
		}
	}

	tx := db.f.newTransaction(db, scope, mode, h)
	db.f.enqueue(tx)
	return tx, nil
}

// CreateObjectStore creates a new object store. It may only be called while the
// database's version change transaction is running.
func (db *Database) CreateObjectStore(name string, opts StoreOptions) (*ObjectStore, error) {
	const op = "Database.CreateObjectStore"

	tx, err := db.versionChange(op)
	if err != nil {
		return nil, err
	}
	if _, ok := db.meta.Stores[name]; ok {
		return nil, newError(CodeConstraint, op, "object store: %s already exists", name)
	}
	if opts.KeyPath != "" && !validKeyPath(opts.KeyPath) {
		return nil, newError(CodeSyntax, op, "invalid key path: %q", opts.KeyPath)
	}

	db.meta.Stores[name] = &storeMeta{
		Name:          name,
		KeyPath:       opts.KeyPath,
		AutoIncrement: opts.AutoIncrement,
		Indexes:       map[string]*indexMeta{},
	}
	return &ObjectStore{tx: tx, name: name}, nil
}

// DeleteObjectStore deletes an object store along with its records and indexes.
// It may only be called while the database's version change transaction is
// running.
func (db *Database) DeleteObjectStore(name string) error {
	const op = "Database.DeleteObjectStore"

	tx, err := db.versionChange(op)
	if err != nil {
		return err
	}
	if _, ok := db.meta.Stores[name]; !ok {
		return newError(CodeNotFound, op, "no object store named: %s", name)
	}

	var (
		ctx = db.f.ctx
		tr  = tx.kvTx
	)
	start, end := subspaceRange(recordsPrefix(db.name, name))
	if err := kv.DeleteRange(ctx, tr, start, end); err != nil {
		return wrapError(CodeBackend, op, err, "error deleting records")
	}
	start, end = subspaceRange(storeIndexesPrefix(db.name, name))
	if err := kv.DeleteRange(ctx, tr, start, end); err != nil {
		return wrapError(CodeBackend, op, err, "error deleting index entries")
	}
	if err := tr.Delete(ctx, generatorKey(db.name, name)); err != nil {
		return wrapError(CodeBackend, op, err, "error deleting key generator")
	}

	delete(db.meta.Stores, name)
	return nil
}

func (db *Database) versionChange(op string) (*Transaction, error) {
	tx := db.upgradeTx
	if tx == nil || tx.state != txRunning {
		return nil, newError(CodeInvalidState, op, "not inside a running version change transaction")
	}
	return tx, nil
}

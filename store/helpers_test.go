package store

import (
	"context"
	"testing"
	"time"

	"github.com/richardartoul/deferdb/kv"
	"github.com/richardartoul/deferdb/kv/localkv"

	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the event loop")
		var zero T
		return zero
	}
}

// must panics on error. Panics inside handlers abort the running transaction so
// the failure surfaces in the test goroutine.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

func newTestFactory(t *testing.T, store kv.Store) *Factory {
	if store == nil {
		store = localkv.New()
	}
	f := NewFactory(store, FactoryOptions{})
	t.Cleanup(func() {
		f.Close(context.Background())
	})
	return f
}

// onLoop runs fn on the factory's event loop and waits for it to return.
func onLoop(t *testing.T, f *Factory, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.Post(func() {
		defer close(done)
		fn()
	}))
	waitFor(t, done)
}

func openWith(t *testing.T, f *Factory, name string, version uint64, h OpenHandlers) (*Database, error) {
	t.Helper()
	type result struct {
		db  *Database
		err error
	}
	ch := make(chan result, 1)
	h.OnSuccess = func(db *Database) { ch <- result{db: db} }
	h.OnError = func(err error) { ch <- result{err: err} }
	require.NoError(t, f.Open(name, version, h))
	r := waitFor(t, ch)
	return r.db, r.err
}

func openDB(
	t *testing.T,
	f *Factory,
	name string,
	version uint64,
	upgrade func(ev *VersionChangeEvent),
) (*Database, error) {
	t.Helper()
	return openWith(t, f, name, version, OpenHandlers{OnUpgradeNeeded: upgrade})
}

// runTx runs fn with a new transaction on the event loop and returns once the
// transaction has finished. The result is the abort error, if any.
func runTx(t *testing.T, db *Database, scope []string, mode Mode, fn func(tx *Transaction)) error {
	t.Helper()
	ch := make(chan error, 1)
	onLoop(t, db.f, func() {
		tx, err := db.Transaction(scope, mode, TxHandlers{
			OnComplete: func() { ch <- nil },
			OnAbort:    func(err error) { ch <- err },
		})
		if err != nil {
			ch <- err
			return
		}
		fn(tx)
	})
	return waitFor(t, ch)
}

func mustStore(tx *Transaction, name string) *ObjectStore {
	s, err := tx.ObjectStore(name)
	must(err)
	return s
}

func mustIndex(tx *Transaction, store, index string) *Index {
	idx, err := mustStore(tx, store).Index(index)
	must(err)
	return idx
}

// peopleUpgrade creates the "people" store keyed by an auto-incremented "id"
// with a non-unique "email" index.
func peopleUpgrade(ev *VersionChangeEvent) {
	s, err := ev.DB.CreateObjectStore("people", StoreOptions{KeyPath: "id", AutoIncrement: true})
	must(err)
	_, err = s.CreateIndex("email", "email", IndexOptions{})
	must(err)
}

func openPeople(t *testing.T, f *Factory) *Database {
	t.Helper()
	db, err := openDB(t, f, "users", 1, peopleUpgrade)
	require.NoError(t, err)
	return db
}

func addAll(t *testing.T, db *Database, store string, records ...any) error {
	t.Helper()
	return runTx(t, db, []string{store}, ReadWrite, func(tx *Transaction) {
		s := mustStore(tx, store)
		for _, r := range records {
			_, err := s.Add(r, Handlers[Key]{})
			must(err)
		}
	})
}

func getAllByIndex(t *testing.T, db *Database, store, index string, query any) []Record {
	t.Helper()
	var out []Record
	err := runTx(t, db, []string{store}, ReadOnly, func(tx *Transaction) {
		_, err := mustIndex(tx, store, index).GetAll(query, Handlers[[]Record]{
			OnSuccess: func(r []Record) { out = r },
		})
		must(err)
	})
	require.NoError(t, err)
	return out
}

func getAll(t *testing.T, db *Database, store string) []Record {
	t.Helper()
	var out []Record
	err := runTx(t, db, []string{store}, ReadOnly, func(tx *Transaction) {
		_, err := mustStore(tx, store).GetAll(nil, Handlers[[]Record]{
			OnSuccess: func(r []Record) { out = r },
		})
		must(err)
	})
	require.NoError(t, err)
	return out
}

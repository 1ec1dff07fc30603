package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/richardartoul/deferdb/futures"
	"github.com/richardartoul/deferdb/kv"
	"github.com/richardartoul/deferdb/kv/localkv"
	"github.com/richardartoul/deferdb/store"

	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func newTestClient(t *testing.T, s kv.Store, opts Options) *Client {
	if s == nil {
		s = localkv.New()
	}
	f := store.NewFactory(s, store.FactoryOptions{})
	t.Cleanup(func() {
		f.Close(context.Background())
	})
	return New(f, opts)
}

func wait[T any](t *testing.T, f futures.Future[T]) (T, error) {
	t.Helper()
	ctx, cc := context.WithTimeout(context.Background(), testTimeout)
	defer cc()
	result, err := f.WaitCtx(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not settle")
	return result, err
}

// peopleSchema creates the "people" store, keyed by an auto-incremented "id",
// with a non-unique "email" index.
func peopleSchema(ev *store.VersionChangeEvent) error {
	s, err := ev.DB.CreateObjectStore("people", store.StoreOptions{KeyPath: "id", AutoIncrement: true})
	if err != nil {
		return err
	}
	_, err = s.CreateIndex("email", "email", store.IndexOptions{})
	return err
}

func openUsers(t *testing.T, c *Client) *store.Database {
	t.Helper()
	db, err := wait(t, c.Open("users", 1, SyncUpgrade(peopleSchema)))
	require.NoError(t, err)
	return db
}

func TestUsersScenario(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db := openUsers(t, c)

	_, err := wait(t, c.AddRecord(db, "people", map[string]any{"name": "A", "email": "a@x.com"}))
	require.NoError(t, err)

	records, err := wait(t, c.GetByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Equal(t, []store.Record{{"id": 1.0, "name": "A", "email": "a@x.com"}}, records)

	deleted, err := wait(t, c.DeleteByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	records, err = wait(t, c.GetByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Equal(t, []store.Record{}, records)
}

func TestOpenCallsUpgradeOncePerVersion(t *testing.T) {
	c := newTestClient(t, nil, Options{CloseOnVersionChange: true})

	var calls []uint64
	upgrade := SyncUpgrade(func(ev *store.VersionChangeEvent) error {
		calls = append(calls, ev.NewVersion)
		if ev.OldVersion == 0 {
			return peopleSchema(ev)
		}
		return nil
	})

	db, err := wait(t, c.Open("users", 1, upgrade))
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, calls)
	db.Close()

	db, err = wait(t, c.Open("users", 1, upgrade))
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, calls)

	// The open connection is closed automatically so the upgrade can proceed.
	db2, err := wait(t, c.Open("users", 2, upgrade))
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, calls)
	require.Equal(t, uint64(2), db2.Version())
	require.Equal(t, []string{"people"}, db2.ObjectStoreNames())

	_, err = wait(t, c.AddRecord(db, "people", map[string]any{"email": "a@x.com"}))
	var writeErr WriteError
	require.True(t, errors.As(err, &writeErr))
	require.Equal(t, StageTransaction, writeErr.Stage)
	require.Equal(t, store.CodeInvalidState, writeErr.Code())
}

func TestOpenWaitsForOpenConnections(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db := openUsers(t, c)

	upgrade := c.Open("users", 2, nil)
	time.Sleep(50 * time.Millisecond)
	require.False(t, upgrade.Settled())

	// The existing connection stays usable until it is closed.
	_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": "a@x.com"}))
	require.NoError(t, err)
	require.False(t, upgrade.Settled())

	db.Close()
	db2, err := wait(t, upgrade)
	require.NoError(t, err)
	require.Equal(t, uint64(2), db2.Version())

	people, err := wait(t, c.GetByIndex(db2, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Len(t, people, 1)
}

func TestOpenFailsWhenUpgradeFails(t *testing.T) {
	c := newTestClient(t, nil, Options{})

	upgradeErr := errors.New("schema is not ready")
	_, err := wait(t, c.Open("users", 1, SyncUpgrade(func(ev *store.VersionChangeEvent) error {
		if err := peopleSchema(ev); err != nil {
			return err
		}
		return upgradeErr
	})))
	require.Error(t, err)
	require.True(t, IsConnectionError(err))
	require.ErrorIs(t, err, upgradeErr)
	require.ErrorIs(t, err, store.ErrAbort)

	var connErr ConnectionError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, "users", connErr.Name)
	require.Equal(t, uint64(1), connErr.Version)
	require.Equal(t, StageUpgrade, connErr.Stage)
	require.Equal(t, upgradeErr, connErr.UpgradeErr)
	require.Equal(t, store.CodeAbort, connErr.Code())
	require.Contains(t, err.Error(), "ConnectionError(Name:users, Version:1, Stage:upgrade): upgrade failed: schema is not ready")

	// Nothing from the failed upgrade persisted.
	var (
		upgraded   bool
		oldVersion uint64
		storeNames []string
	)
	db, err := wait(t, c.Open("users", 1, SyncUpgrade(func(ev *store.VersionChangeEvent) error {
		upgraded, oldVersion, storeNames = true, ev.OldVersion, ev.DB.ObjectStoreNames()
		return nil
	})))
	require.NoError(t, err)
	require.True(t, upgraded)
	require.Equal(t, uint64(0), oldVersion)
	require.Empty(t, storeNames)
	require.Empty(t, db.ObjectStoreNames())
}

func TestOpenUpgradePanicIsCaptured(t *testing.T) {
	c := newTestClient(t, nil, Options{})

	_, err := wait(t, c.Open("users", 1, func(ev *store.VersionChangeEvent) futures.Future[struct{}] {
		panic("upgrade exploded")
	}))
	var connErr ConnectionError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, StageUpgrade, connErr.Stage)
	require.ErrorContains(t, connErr.UpgradeErr, "upgrade exploded")

	_, err = wait(t, c.Open("users", 1, func(ev *store.VersionChangeEvent) futures.Future[struct{}] {
		return nil
	}))
	require.True(t, IsConnectionError(err))
	require.ErrorContains(t, err, "nil future")
}

func TestOpenAsyncUpgrade(t *testing.T) {
	c := newTestClient(t, nil, Options{})

	asyncUpgrade := func(fail bool) UpgradeFunc {
		return func(ev *store.VersionChangeEvent) futures.Future[struct{}] {
			result := futures.New[struct{}]()
			go func() {
				time.Sleep(10 * time.Millisecond)
				err := ev.DB.Post(func() {
					if fail {
						result.Reject(errors.New("async upgrade failed"))
						return
					}
					result.ResolveOrReject(struct{}{}, peopleSchema(ev))
				})
				if err != nil {
					result.Reject(err)
				}
			}()
			return result
		}
	}

	_, err := wait(t, c.Open("users", 1, asyncUpgrade(true)))
	require.True(t, IsConnectionError(err))
	require.ErrorContains(t, err, "async upgrade failed")

	db, err := wait(t, c.Open("users", 1, asyncUpgrade(false)))
	require.NoError(t, err)
	require.Equal(t, []string{"people"}, db.ObjectStoreNames())
}

func TestOpenVersionError(t *testing.T) {
	c := newTestClient(t, nil, Options{})

	db, err := wait(t, c.Open("users", 3, nil))
	require.NoError(t, err)
	db.Close()

	_, err = wait(t, c.Open("users", 2, nil))
	var connErr ConnectionError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, StageOpen, connErr.Stage)
	require.Nil(t, connErr.UpgradeErr)
	require.Equal(t, store.CodeVersion, connErr.Code())
	require.Contains(t, connErr.Message(), "less than the existing version")
}

func TestAddRecordThenGetReturnsItOnce(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db := openUsers(t, c)

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": email}))
		require.NoError(t, err)
	}
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		records, err := wait(t, c.GetByIndex(db, "people", "email", email))
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, email, records[0]["email"])
	}
}

type person struct {
	ID    int    `json:"id"`
	Email string `json:"email"`
}

func TestAddRecordKeyCollision(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db, err := wait(t, c.Open("users", 1, SyncUpgrade(func(ev *store.VersionChangeEvent) error {
		_, err := ev.DB.CreateObjectStore("people", store.StoreOptions{KeyPath: "id"})
		return err
	})))
	require.NoError(t, err)

	_, err = wait(t, c.AddRecord(db, "people", person{ID: 1, Email: "a@x.com"}))
	require.NoError(t, err)

	_, err = wait(t, c.AddRecord(db, "people", person{ID: 1, Email: "b@x.com"}))
	require.True(t, IsWriteError(err))
	require.ErrorIs(t, err, store.ErrConstraint)

	var writeErr WriteError
	require.True(t, errors.As(err, &writeErr))
	require.Equal(t, "people", writeErr.Store)
	require.Equal(t, 1.0, writeErr.Key)
	require.Equal(t, StageRequest, writeErr.Stage)
	require.Equal(t, store.CodeConstraint, writeErr.Code())

	_, err = wait(t, c.AddRecord(db, "missing", person{ID: 2}))
	require.True(t, IsWriteError(err))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = wait(t, c.AddRecord(db, "people", "not a record"))
	require.True(t, IsWriteError(err))
	require.ErrorIs(t, err, store.ErrData)
}

func TestAddRecordSettlesOnCommit(t *testing.T) {
	fault := &faultKV{Store: localkv.New()}
	c := newTestClient(t, fault, Options{})
	db := openUsers(t, c)

	// The insert request succeeds but the commit does not, so the add fails
	// and nothing is visible.
	fault.setFailCommits(true)
	_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": "a@x.com"}))
	require.True(t, IsWriteError(err))
	require.ErrorIs(t, err, errInjectedCommit)

	var writeErr WriteError
	require.True(t, errors.As(err, &writeErr))
	require.Equal(t, StageTransaction, writeErr.Stage)
	require.Equal(t, 1.0, writeErr.Key)
	require.Equal(t, store.CodeBackend, writeErr.Code())

	fault.setFailCommits(false)
	records, err := wait(t, c.GetByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDeleteByIndexIsIdempotent(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db := openUsers(t, c)

	for _, email := range []string{"a@x.com", "b@x.com", "a@x.com", "c@x.com", "a@x.com"} {
		_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": email}))
		require.NoError(t, err)
	}

	deleted, err := wait(t, c.DeleteByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Equal(t, 3, deleted)

	records, err := wait(t, c.GetByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Empty(t, records)

	deleted, err = wait(t, c.DeleteByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Equal(t, 0, deleted)

	records, err = wait(t, c.GetByIndex(db, "people", "email", nil))
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestDeleteByIndexIsAllOrNothing(t *testing.T) {
	fault := &faultKV{Store: localkv.New()}
	c := newTestClient(t, fault, Options{})
	db := openUsers(t, c)

	for i := 0; i < 4; i++ {
		_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": "a@x.com", "n": i}))
		require.NoError(t, err)
	}

	// Each record delete removes its index entry and then the record. Failing
	// the fifth KV delete fails the third record after two were already gone.
	fault.setFailDeleteAt(5)
	_, err := wait(t, c.DeleteByIndex(db, "people", "email", "a@x.com"))
	require.True(t, IsDeleteError(err))
	require.ErrorIs(t, err, errInjectedDelete)

	var deleteErr DeleteError
	require.True(t, errors.As(err, &deleteErr))
	require.Equal(t, "people", deleteErr.Store)
	require.Equal(t, "email", deleteErr.Index)
	require.Equal(t, "a@x.com", deleteErr.Key)
	require.Equal(t, StageRequest, deleteErr.Stage)
	require.Equal(t, store.CodeBackend, deleteErr.Code())

	fault.setFailDeleteAt(0)
	records, err := wait(t, c.GetByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Len(t, records, 4)
}

func TestDeleteByIndexUsesStrictEquality(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db, err := wait(t, c.Open("things", 1, SyncUpgrade(func(ev *store.VersionChangeEvent) error {
		s, err := ev.DB.CreateObjectStore("things", store.StoreOptions{KeyPath: "id", AutoIncrement: true})
		if err != nil {
			return err
		}
		_, err = s.CreateIndex("code", "code", store.IndexOptions{})
		return err
	})))
	require.NoError(t, err)

	for _, code := range []any{1, "1", 1.5, []any{1}, 1} {
		_, err := wait(t, c.AddRecord(db, "things", map[string]any{"code": code}))
		require.NoError(t, err)
	}

	deleted, err := wait(t, c.DeleteByIndex(db, "things", "code", 1))
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	records, err := wait(t, c.GetByIndex(db, "things", "code", nil))
	require.NoError(t, err)
	var codes []any
	for _, r := range records {
		codes = append(codes, r["code"])
	}
	require.Equal(t, []any{1.5, "1", []any{1.0}}, codes)
}

func TestDeleteByIndexErrors(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db := openUsers(t, c)

	_, err := wait(t, c.DeleteByIndex(db, "people", "missing", "a@x.com"))
	require.True(t, IsDeleteError(err))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = wait(t, c.DeleteByIndex(db, "people", "email", nil))
	require.True(t, IsDeleteError(err))
	require.ErrorIs(t, err, store.ErrData)
}

func TestGetByIndex(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db := openUsers(t, c)

	for _, email := range []string{"c@x.com", "a@x.com", "b@x.com", "d@x.com"} {
		_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": email}))
		require.NoError(t, err)
	}

	records, err := wait(t, c.GetByIndex(db, "people", "email", "nobody@x.com"))
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)

	records, err = wait(t, c.GetByIndex(db, "people", "email", store.Bound("a@x.com", "c@x.com", false, true)))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a@x.com", records[0]["email"])
	require.Equal(t, "b@x.com", records[1]["email"])

	_, err = wait(t, c.GetByIndex(db, "people", "missing", "a@x.com"))
	require.True(t, IsReadError(err))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = wait(t, c.GetByIndex(db, "people", "email", true))
	var readErr ReadError
	require.True(t, errors.As(err, &readErr))
	require.Equal(t, store.CodeData, readErr.Code())
	require.Equal(t, true, readErr.Key)

	_, err = wait(t, c.GetByIndex(nil, "people", "email", "a@x.com"))
	require.True(t, IsReadError(err))
	require.ErrorIs(t, err, errNilDatabase)
}

func TestConcurrentOperations(t *testing.T) {
	c := newTestClient(t, nil, Options{})
	db := openUsers(t, c)

	const n = 50
	var (
		mu   sync.Mutex
		adds []futures.Future[struct{}]
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := c.AddRecord(db, "people", map[string]any{
				"email": fmt.Sprintf("user%d@x.com", i%5),
				"n":     i,
			})
			mu.Lock()
			adds = append(adds, f)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	_, err := futures.WaitAllSlice(adds)
	require.NoError(t, err)

	var (
		gets    []futures.Future[[]store.Record]
		deletes []futures.Future[int]
	)
	for i := 0; i < 5; i++ {
		gets = append(gets, c.GetByIndex(db, "people", "email", fmt.Sprintf("user%d@x.com", i)))
	}
	results, err := futures.WaitAllSlice(gets)
	require.NoError(t, err)
	for _, r := range results {
		require.Len(t, r, n/5)
	}

	for i := 0; i < 5; i++ {
		deletes = append(deletes, c.DeleteByIndex(db, "people", "email", fmt.Sprintf("user%d@x.com", i)))
	}
	counts, err := futures.WaitAllSlice(deletes)
	require.NoError(t, err)
	require.Equal(t, []int{n / 5, n / 5, n / 5, n / 5, n / 5}, counts)
}

type recordingObserver struct {
	sync.Mutex
	outcomes map[string][]string
}

func (o *recordingObserver) ObserveOperation(operation, outcome string, d time.Duration) {
	o.Lock()
	defer o.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string][]string{}
	}
	o.outcomes[operation] = append(o.outcomes[operation], outcome)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestClient(t, nil, Options{Observer: obs})
	db := openUsers(t, c)

	_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": "a@x.com"}))
	require.NoError(t, err)
	_, err = wait(t, c.GetByIndex(db, "people", "missing", "a@x.com"))
	require.Error(t, err)
	_, err = wait(t, c.DeleteByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)

	obs.Lock()
	defer obs.Unlock()
	require.Equal(t, map[string][]string{
		"open":            {OutcomeSuccess},
		"add_record":      {OutcomeSuccess},
		"get_by_index":    {OutcomeError},
		"delete_by_index": {OutcomeSuccess},
	}, obs.outcomes)
}

type panicObserver struct{}

func (panicObserver) ObserveOperation(operation, outcome string, d time.Duration) {
	panic("observer failed for " + operation)
}

func TestObserverPanicStillSettles(t *testing.T) {
	c := newTestClient(t, nil, Options{Observer: panicObserver{}})
	db := openUsers(t, c)

	_, err := wait(t, c.AddRecord(db, "people", map[string]any{"email": "a@x.com"}))
	require.NoError(t, err)

	_, err = wait(t, c.AddRecord(db, "missing", map[string]any{"email": "a@x.com"}))
	require.True(t, IsWriteError(err))

	deleted, err := wait(t, c.DeleteByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	people, err := wait(t, c.GetByIndex(db, "people", "email", "a@x.com"))
	require.NoError(t, err)
	require.Empty(t, people)
}

func TestClosedFactory(t *testing.T) {
	f := store.NewFactory(localkv.New(), store.FactoryOptions{})
	c := New(f, Options{})
	db, err := wait(t, c.Open("users", 1, SyncUpgrade(peopleSchema)))
	require.NoError(t, err)
	require.NoError(t, f.Close(context.Background()))

	_, err = wait(t, c.Open("users", 1, nil))
	require.True(t, IsConnectionError(err))
	require.ErrorIs(t, err, store.ErrInvalidState)

	_, err = wait(t, c.AddRecord(db, "people", map[string]any{"email": "a@x.com"}))
	require.True(t, IsWriteError(err))
	require.ErrorIs(t, err, store.ErrFactoryClosed)
}

// Package records exposes a record store through four operations whose results
// are delivered as futures: Open, AddRecord, DeleteByIndex and GetByIndex.
//
// Every operation runs in its own transaction and its future settles exactly
// once, after that transaction has committed or aborted. Request level success
// is never reported on its own, so a resolved future always means the
// operation's effects are durable and a rejected one means none of them are.
package records

import (
	"errors"
	"fmt"
	"time"

	"github.com/richardartoul/deferdb/futures"
	"github.com/richardartoul/deferdb/store"

	"golang.org/x/exp/slog"
)

const (
	opOpen          = "open"
	opAddRecord     = "add_record"
	opDeleteByIndex = "delete_by_index"
	opGetByIndex    = "get_by_index"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var errNilDatabase = errors.New("database handle is nil")

// Observer is notified of the outcome of every operation.
type Observer interface {
	ObserveOperation(operation, outcome string, duration time.Duration)
}

// Options configures a Client.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
	// CloseOnVersionChange closes connections returned by Open as soon as
	// another Open needs to upgrade the same database. Otherwise a connection
	// stays valid until it is closed and the upgrade waits for that.
	CloseOnVersionChange bool
}

// Client runs the operations against the databases of a store.Factory.
type Client struct {
	factory              *store.Factory
	log                  *slog.Logger
	observer             Observer
	closeOnVersionChange bool
}

// New creates a new Client.
func New(factory *store.Factory, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		factory:              factory,
		log:                  opts.Logger.With(slog.String("module", "records")),
		observer:             opts.Observer,
		closeOnVersionChange: opts.CloseOnVersionChange,
	}
}

// UpgradeFunc creates or alters object stores and indexes while a database is
// being upgraded. It runs on the store's event loop and the version change
// transaction stays open until the returned future settles. Work done after
// UpgradeFunc returns must be posted back onto the loop with ev.DB.Post.
type UpgradeFunc func(ev *store.VersionChangeEvent) futures.Future[struct{}]

// SyncUpgrade adapts a synchronous upgrade step into an UpgradeFunc.
func SyncUpgrade(fn func(ev *store.VersionChangeEvent) error) UpgradeFunc {
	return func(ev *store.VersionChangeEvent) futures.Future[struct{}] {
		f := futures.New[struct{}]()
		f.ResolveOrReject(struct{}{}, fn(ev))
		return f
	}
}

// Open opens the database called name at version. If the stored version is
// lower, upgrade is called exactly once inside the version change transaction
// and the future only resolves after upgrade succeeded and the schema change
// committed. If upgrade fails the open fails too and no schema change persists.
//
// A connection returned by Open stays valid until db.Close is called. While it
// is open, an Open that needs to upgrade the same database waits for it. With
// Options.CloseOnVersionChange the connection is instead closed as soon as such
// an upgrade is requested; operations on it then fail with a WriteError,
// DeleteError or ReadError at StageTransaction with code
// store.CodeInvalidState.
func (c *Client) Open(name string, version uint64, upgrade UpgradeFunc) futures.Future[*store.Database] {
	var (
		result = futures.New[*store.Database]()
		start  = time.Now()
		log    = c.log.With(slog.String("db", name), slog.Uint64("version", version))

		// Only accessed on the event loop.
		upgrading  bool
		upgradeErr error
	)
	settle := func(db *store.Database, err error) {
		result.ResolveOrReject(db, err)
		c.observe(opOpen, start, err)
	}

	err := c.factory.Open(name, version, store.OpenHandlers{
		OnUpgradeNeeded: func(ev *store.VersionChangeEvent) {
			upgrading = true
			log.Debug("upgrade needed", slog.Uint64("oldVersion", ev.OldVersion))
			if upgrade == nil {
				return
			}

			release := ev.Tx.Pin()
			fut, err := callUpgrade(upgrade, ev)
			if err != nil {
				upgradeErr = err
				abortUpgrade(log, ev.Tx)
				release()
				return
			}
			fut.OnSettle(func(_ struct{}, err error) {
				postErr := ev.DB.Post(func() {
					if err != nil {
						upgradeErr = err
						abortUpgrade(log, ev.Tx)
						return
					}
					log.Debug("database upgrade successful")
				})
				if postErr != nil {
					log.Error("error posting upgrade result", slog.String("error", postErr.Error()))
				}
				release()
			})
		},
		OnSuccess: func(db *store.Database) {
			log.Debug("database opened successfully")
			settle(db, nil)
		},
		OnError: func(err error) {
			stage := StageOpen
			if upgrading {
				stage = StageUpgrade
			}
			settle(nil, NewConnectionError(name, version, stage, upgradeErr, err))
		},
		OnBlocked: func(oldVersion, newVersion uint64) {
			log.Warn(
				"upgrade blocked by open connections",
				slog.Uint64("oldVersion", oldVersion))
		},
		OnVersionChange: func(db *store.Database, oldVersion, newVersion uint64) {
			if !c.closeOnVersionChange {
				log.Info(
					"version change requested, upgrade waits until this connection is closed",
					slog.Uint64("newVersion", newVersion))
				return
			}
			log.Info(
				"closing connection for version change",
				slog.Uint64("newVersion", newVersion))
			db.Close()
		},
	})
	if err != nil {
		settle(nil, NewConnectionError(name, version, StageOpen, nil, err))
	}
	return result
}

// callUpgrade calls upgrade, converting a panic or a nil future into an error.
func callUpgrade(upgrade UpgradeFunc, ev *store.VersionChangeEvent) (fut futures.Future[struct{}], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upgrade panicked: %v", r)
		}
	}()
	fut = upgrade(ev)
	if fut == nil {
		return nil, errors.New("upgrade returned a nil future")
	}
	return fut, nil
}

func abortUpgrade(log *slog.Logger, tx *store.Transaction) {
	if err := tx.Abort(); err != nil {
		log.Error("error aborting version change transaction", slog.String("error", err.Error()))
	}
}

// observe reports a settled operation to the Observer. It must only be called
// after the operation's future has settled: a panicking Observer is logged and
// otherwise ignored.
func (c *Client) observe(operation string, start time.Time, err error) {
	if c.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn(
				"observer panicked",
				slog.String("operation", operation),
				slog.Any("panic", r))
		}
	}()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	c.observer.ObserveOperation(operation, outcome, time.Since(start))
}

// Package sqlkv implements kv.Store on top of a single SQL table. Both SQLite
// (github.com/mattn/go-sqlite3) and Postgres (github.com/lib/pq) are supported.
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/richardartoul/deferdb/kv"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverSQLite is the database/sql driver name for SQLite.
	DriverSQLite = "sqlite3"
	// DriverPostgres is the database/sql driver name for Postgres.
	DriverPostgres = "postgres"

	defaultTableName = "deferdb_kv"
)

type sqlKV struct {
	db        *sql.DB
	driver    string
	tableName string
	queries   queries
}

type queries struct {
	set      string
	get      string
	del      string
	rangeAll string
	rangeTo  string
}

// NewSQLite opens (or creates) a SQLite database file at path.
func NewSQLite(ctx context.Context, path string) (kv.Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them. WAL lets
	// read transactions run while a writer is active.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	return New(ctx, DriverSQLite, dsn)
}

// NewPostgres connects to the Postgres database identified by dsn.
func NewPostgres(ctx context.Context, dsn string) (kv.Store, error) {
	return New(ctx, DriverPostgres, dsn)
}

// New opens a SQL backed kv.Store using the provided driver and DSN.
func New(ctx context.Context, driver, dsn string) (kv.Store, error) {
	var blobType string
	switch driver {
	case DriverSQLite:
		blobType = "BLOB"
	case DriverPostgres:
		blobType = "BYTEA"
	default:
		return nil, fmt.Errorf("sqlkv: unsupported driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlkv: failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlkv: failed to connect to database: %w", err)
	}

	tableName := defaultTableName
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (k %s PRIMARY KEY, v %s NOT NULL)",
		tableName, blobType, blobType))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlkv: failed to create table: %w", err)
	}

	s := &sqlKV{
		db:        db,
		driver:    driver,
		tableName: tableName,
	}
	s.queries = queries{
		set: s.rebind(fmt.Sprintf(
			"INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v",
			tableName)),
		get:      s.rebind(fmt.Sprintf("SELECT v FROM %s WHERE k = ?", tableName)),
		del:      s.rebind(fmt.Sprintf("DELETE FROM %s WHERE k = ?", tableName)),
		rangeAll: s.rebind(fmt.Sprintf("SELECT k, v FROM %s WHERE k >= ? ORDER BY k", tableName)),
		rangeTo: s.rebind(fmt.Sprintf(
			"SELECT k, v FROM %s WHERE k >= ? AND k < ? ORDER BY k", tableName)),
	}
	return s, nil
}

// rebind rewrites ? placeholders into the $N form Postgres expects.
func (s *sqlKV) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var (
		b strings.Builder
		n = 0
	)
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *sqlKV) BeginTransaction(ctx context.Context, writable bool) (kv.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: !writable})
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return nil, kv.ErrClosed
		}
		return nil, fmt.Errorf("sqlkv: beginTransaction: %w", err)
	}
	return &sqlTransaction{tx: tx, queries: &s.queries}, nil
}

func (s *sqlKV) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *sqlKV) UnsafeWipeAll() error {
	_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", s.tableName))
	return err
}

type sqlTransaction struct {
	tx      *sql.Tx
	queries *queries
}

func (st *sqlTransaction) Put(ctx context.Context, key []byte, value []byte) error {
	if value == nil {
		// NULL would violate the NOT NULL constraint.
		value = []byte{}
	}
	_, err := st.tx.ExecContext(ctx, st.queries.set, key, value)
	return err
}

func (st *sqlTransaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var data []byte
	err := st.tx.QueryRowContext(ctx, st.queries.get, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, true, nil
}

func (st *sqlTransaction) Delete(ctx context.Context, key []byte) error {
	_, err := st.tx.ExecContext(ctx, st.queries.del, key)
	return err
}

func (st *sqlTransaction) IterRange(
	ctx context.Context,
	start, end []byte,
	fn func(k, v []byte) error,
) error {
	if start == nil {
		start = []byte{}
	}

	var (
		rows *sql.Rows
		err  error
	)
	if end == nil {
		rows, err = st.tx.QueryContext(ctx, st.queries.rangeAll, start)
	} else {
		rows, err = st.tx.QueryContext(ctx, st.queries.rangeTo, start, end)
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	// Drain the result set before invoking fn so callers are free to issue
	// other statements on the same transaction.
	type row struct{ k, v []byte }
	var results []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.k, &r.v); err != nil {
			return err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, r := range results {
		if err := fn(r.k, r.v); err != nil {
			if errors.Is(err, kv.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (st *sqlTransaction) Commit(ctx context.Context) error {
	return st.tx.Commit()
}

func (st *sqlTransaction) Cancel(ctx context.Context) error {
	err := st.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

package store

import (
	"context"

	"github.com/richardartoul/deferdb/kv"
)

// Index is an index of an object store accessed through a Transaction. Index
// entries are ordered by index key and then by primary key.
type Index struct {
	store *ObjectStore
	name  string
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) ObjectStore() *ObjectStore {
	return i.store
}

func (i *Index) KeyPath() string {
	if m, err := i.meta("Index.KeyPath"); err == nil {
		return m.KeyPath
	}
	return ""
}

func (i *Index) Unique() bool {
	m, err := i.meta("Index.Unique")
	return err == nil && m.Unique
}

func (i *Index) MultiEntry() bool {
	m, err := i.meta("Index.MultiEntry")
	return err == nil && m.MultiEntry
}

func (i *Index) meta(op string) (*indexMeta, error) {
	sm, err := i.store.meta(op)
	if err != nil {
		return nil, err
	}
	m, ok := sm.Indexes[i.name]
	if !ok {
		return nil, newError(CodeInvalidState, op, "index: %s has been deleted", i.name)
	}
	return m, nil
}

func (i *Index) source() string {
	return i.store.name + "." + i.name
}

func (i *Index) entriesPrefix() []byte {
	return indexEntriesPrefix(i.store.dbName(), i.store.name, i.name)
}

func (i *Index) readPrecondition(op string, query any) (*KeyRange, error) {
	if err := i.store.tx.checkActive(op); err != nil {
		return nil, err
	}
	if _, err := i.meta(op); err != nil {
		return nil, err
	}
	return toKeyRange(op, query)
}

// Get fetches the first record, in index order, whose index key matches query.
// The result is nil if there is none.
func (i *Index) Get(query any, h Handlers[Record]) (*Request, error) {
	const op = "Index.Get"

	r, err := i.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}
	req := newRequest(i.store.tx, op, i.source())
	return req, i.store.tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) (Record, error) {
		start, end, err := r.bounds(i.entriesPrefix())
		if err != nil {
			return nil, err
		}
		_, encPK, ok, err := first(ctx, tr, start, end)
		if err != nil || !ok {
			return nil, err
		}
		return i.loadRecord(ctx, tr, op, encPK)
	}))
}

// GetAll fetches every record whose index key matches query, in index order. A
// nil query matches every indexed record.
func (i *Index) GetAll(query any, h Handlers[[]Record]) (*Request, error) {
	const op = "Index.GetAll"

	r, err := i.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}
	req := newRequest(i.store.tx, op, i.source())
	return req, i.store.tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) ([]Record, error) {
		pks, err := i.primaryKeys(ctx, tr, r)
		if err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(pks))
		for _, encPK := range pks {
			rec, err := i.loadRecord(ctx, tr, op, encPK)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}))
}

// Count counts the index entries that match query.
func (i *Index) Count(query any, h Handlers[int]) (*Request, error) {
	const op = "Index.Count"

	r, err := i.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}
	req := newRequest(i.store.tx, op, i.source())
	return req, i.store.tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) (int, error) {
		pks, err := i.primaryKeys(ctx, tr, r)
		return len(pks), err
	}))
}

// OpenCursor opens a cursor over the index entries matching query in index order.
// The success handler is called with the cursor positioned on each entry in turn,
// and with nil once the cursor is exhausted.
func (i *Index) OpenCursor(query any, h Handlers[*Cursor]) (*Request, error) {
	const op = "Index.OpenCursor"

	r, err := i.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}
	prefix := i.entriesPrefix()
	start, end, err := r.bounds(prefix)
	if err != nil {
		return nil, err
	}
	c := &Cursor{
		store:  i.store,
		index:  i,
		prefix: prefix,
		start:  start,
		end:    end,
		h:      h,
	}
	return c.open(op)
}

func (i *Index) primaryKeys(ctx context.Context, tr kv.Transaction, r *KeyRange) ([][]byte, error) {
	start, end, err := r.bounds(i.entriesPrefix())
	if err != nil {
		return nil, err
	}
	var pks [][]byte
	err = iterRange(ctx, tr, start, end, func(k, v []byte) error {
		pks = append(pks, v)
		return nil
	})
	return pks, err
}

func (i *Index) loadRecord(ctx context.Context, tr kv.Transaction, op string, encPK []byte) (Record, error) {
	v, ok, err := tr.Get(ctx, concat(recordsPrefix(i.store.dbName(), i.store.name), encPK))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(
			CodeBackend, op, "index: %s refers to missing record: %s",
			i.name, describeEncoded(encPK))
	}
	return decodeRecord(v)
}

package store

import (
	"context"

	"github.com/richardartoul/deferdb/kv"
	"github.com/richardartoul/deferdb/tuple"
)

// Cursor iterates over the records of an object store or the entries of an
// index. Advancing always seeks strictly past the current entry, so records
// deleted through the cursor are never skipped over or visited twice.
type Cursor struct {
	store      *ObjectStore
	index      *Index
	prefix     []byte
	start, end []byte
	h          Handlers[*Cursor]
	req        *Request

	pos        []byte
	key        Key
	primaryKey Key
	encPK      []byte
	value      Record
	gotValue   bool
	done       bool
}

// Key returns the current key: the index key for index cursors and the primary
// key for object store cursors.
func (c *Cursor) Key() Key {
	return c.key
}

func (c *Cursor) PrimaryKey() Key {
	return c.primaryKey
}

// Value returns the current record.
func (c *Cursor) Value() Record {
	return c.value
}

// Source returns the name of the object store or "store.index" the cursor
// iterates over.
func (c *Cursor) Source() string {
	if c.index != nil {
		return c.index.source()
	}
	return c.store.name
}

// Request returns the request that delivers the cursor's results.
func (c *Cursor) Request() *Request {
	return c.req
}

func (c *Cursor) open(op string) (*Request, error) {
	c.req = newRequest(c.store.tx, op, c.Source())
	if err := c.store.tx.issue(c.advanceOp()); err != nil {
		return nil, err
	}
	return c.req, nil
}

// Continue advances the cursor to the next entry. The request's success handler
// is called again with the cursor, or with nil at the end.
func (c *Cursor) Continue() error {
	const op = "Cursor.Continue"

	if err := c.store.tx.checkActive(op); err != nil {
		return err
	}
	if c.done {
		return newError(CodeInvalidState, op, "cursor is exhausted")
	}
	if !c.gotValue {
		return newError(CodeInvalidState, op, "cursor is already advancing")
	}
	c.gotValue = false
	return c.store.tx.issue(c.advanceOp())
}

// Delete deletes the record the cursor is positioned on. It does not move the
// cursor.
func (c *Cursor) Delete(h Handlers[struct{}]) (*Request, error) {
	const op = "Cursor.Delete"

	tx := c.store.tx
	if err := tx.checkActive(op); err != nil {
		return nil, err
	}
	if !tx.mode.writable() {
		return nil, newError(CodeReadOnly, op, "transaction is readonly")
	}
	if !c.gotValue {
		return nil, newError(CodeInvalidState, op, "cursor is not positioned on a record")
	}

	encPK := c.encPK
	req := newRequest(tx, op, c.Source())
	return req, tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) (struct{}, error) {
		m, err := c.store.meta(op)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, deleteRecord(ctx, tr, c.store.dbName(), m, encPK)
	}))
}

func (c *Cursor) advanceOp() *op {
	return newOp(c.req, c.h, func(ctx context.Context, tr kv.Transaction) (*Cursor, error) {
		from := c.start
		if c.pos != nil {
			from = kv.KeyAfter(c.pos)
		}
		k, v, ok, err := first(ctx, tr, from, c.end)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.done = true
			c.key, c.primaryKey, c.encPK, c.value = nil, nil, nil, nil
			return nil, nil
		}
		if err := c.load(ctx, tr, k, v); err != nil {
			return nil, err
		}
		c.gotValue = true
		return c, nil
	})
}

func (c *Cursor) load(ctx context.Context, tr kv.Transaction, k, v []byte) error {
	const op = "Cursor.Continue"

	t, err := tuple.Unpack(k[len(c.prefix):])
	if err != nil {
		return wrapError(CodeBackend, op, err, "corrupt key")
	}

	if c.index == nil {
		if len(t) != 1 {
			return newError(CodeBackend, op, "corrupt record key with %d elements", len(t))
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		c.pos, c.key, c.primaryKey, c.value = k, t[0], t[0], rec
		c.encPK = k[len(c.prefix):]
		return nil
	}

	if len(t) != 2 {
		return newError(CodeBackend, op, "corrupt index key with %d elements", len(t))
	}
	rec, err := c.index.loadRecord(ctx, tr, op, v)
	if err != nil {
		return err
	}
	c.pos, c.key, c.primaryKey, c.value = k, t[0], t[1], rec
	c.encPK = v
	return nil
}

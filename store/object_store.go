package store

import (
	"bytes"
	"context"
	"encoding/json"
	"math"

	"github.com/richardartoul/deferdb/kv"
	"github.com/richardartoul/deferdb/tuple"
)

// maxGeneratedKey is the largest key a key generator produces (2^53).
const maxGeneratedKey = 1 << 53

// IndexOptions configures a new index.
type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

// ObjectStore is an object store accessed through a Transaction.
type ObjectStore struct {
	tx   *Transaction
	name string
}

func (s *ObjectStore) Name() string {
	return s.name
}

func (s *ObjectStore) Transaction() *Transaction {
	return s.tx
}

func (s *ObjectStore) KeyPath() string {
	if m, err := s.meta("ObjectStore.KeyPath"); err == nil {
		return m.KeyPath
	}
	return ""
}

func (s *ObjectStore) AutoIncrement() bool {
	if m, err := s.meta("ObjectStore.AutoIncrement"); err == nil {
		return m.AutoIncrement
	}
	return false
}

// IndexNames returns the sorted names of the store's indexes.
func (s *ObjectStore) IndexNames() []string {
	m, err := s.meta("ObjectStore.IndexNames")
	if err != nil {
		return nil
	}
	var out []string
	for _, idx := range m.sortedIndexes() {
		out = append(out, idx.Name)
	}
	return out
}

func (s *ObjectStore) meta(op string) (*storeMeta, error) {
	m, ok := s.tx.db.meta.Stores[s.name]
	if !ok {
		return nil, newError(CodeInvalidState, op, "object store: %s has been deleted", s.name)
	}
	return m, nil
}

func (s *ObjectStore) dbName() string {
	return s.tx.db.name
}

// Index returns the index called name.
func (s *ObjectStore) Index(name string) (*Index, error) {
	const op = "ObjectStore.Index"

	if s.tx.finished() {
		return nil, newError(CodeInvalidState, op, "transaction has finished")
	}
	m, err := s.meta(op)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Indexes[name]; !ok {
		return nil, newError(CodeNotFound, op, "no index named: %s in object store: %s", name, s.name)
	}
	return &Index{store: s, name: name}, nil
}

// CreateIndex creates an index over keyPath and populates it from the records
// already in the store. It may only be called during a version change.
func (s *ObjectStore) CreateIndex(name, keyPath string, opts IndexOptions) (*Index, error) {
	const op = "ObjectStore.CreateIndex"

	if _, err := s.tx.db.versionChange(op); err != nil {
		return nil, err
	}
	m, err := s.meta(op)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Indexes[name]; ok {
		return nil, newError(CodeConstraint, op, "index: %s already exists in object store: %s", name, s.name)
	}
	if !validKeyPath(keyPath) {
		return nil, newError(CodeSyntax, op, "invalid key path: %q", keyPath)
	}

	var (
		ctx    = s.tx.f.ctx
		tr     = s.tx.kvTx
		idx    = &indexMeta{Name: name, KeyPath: keyPath, Unique: opts.Unique, MultiEntry: opts.MultiEntry}
		prefix = indexEntriesPrefix(s.dbName(), s.name, name)
		recPfx = recordsPrefix(s.dbName(), s.name)
		seen   = map[string][]byte{}
		puts   [][2][]byte
	)
	start, end := subspaceRange(recPfx)
	err = iterRange(ctx, tr, start, end, func(k, v []byte) error {
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		encPK := append([]byte(nil), k[len(recPfx):]...)
		for _, ik := range indexKeys(idx, rec) {
			if opts.Unique {
				if other, ok := seen[string(ik)]; ok && !bytes.Equal(other, encPK) {
					return newError(CodeConstraint, op, "unique index: %s cannot be created, duplicate key: %s", name, describeEncoded(ik))
				}
				seen[string(ik)] = encPK
			}
			puts = append(puts, [2][]byte{concat(prefix, ik, encPK), encPK})
		}
		return nil
	})
	if err != nil {
		return nil, asStoreError(op, err)
	}
	for _, p := range puts {
		if err := tr.Put(ctx, p[0], p[1]); err != nil {
			return nil, wrapError(CodeBackend, op, err, "error writing index entry")
		}
	}

	m.Indexes[name] = idx
	return &Index{store: s, name: name}, nil
}

// DeleteIndex deletes the index called name. It may only be called during a
// version change.
func (s *ObjectStore) DeleteIndex(name string) error {
	const op = "ObjectStore.DeleteIndex"

	if _, err := s.tx.db.versionChange(op); err != nil {
		return err
	}
	m, err := s.meta(op)
	if err != nil {
		return err
	}
	if _, ok := m.Indexes[name]; !ok {
		return newError(CodeNotFound, op, "no index named: %s in object store: %s", name, s.name)
	}

	start, end := subspaceRange(indexEntriesPrefix(s.dbName(), s.name, name))
	if err := kv.DeleteRange(s.tx.f.ctx, s.tx.kvTx, start, end); err != nil {
		return wrapError(CodeBackend, op, err, "error deleting index entries")
	}
	delete(m.Indexes, name)
	return nil
}

// Add inserts value. The key comes from the store's key path or key generator.
// It fails with a ConstraintError if a record with the same key already exists.
func (s *ObjectStore) Add(value any, h Handlers[Key]) (*Request, error) {
	return s.write("ObjectStore.Add", value, nil, false, false, h)
}

// AddWithKey is like Add for stores with out-of-line keys.
func (s *ObjectStore) AddWithKey(value any, key Key, h Handlers[Key]) (*Request, error) {
	return s.write("ObjectStore.Add", value, key, true, false, h)
}

// Put inserts or replaces value.
func (s *ObjectStore) Put(value any, h Handlers[Key]) (*Request, error) {
	return s.write("ObjectStore.Put", value, nil, false, true, h)
}

// PutWithKey is like Put for stores with out-of-line keys.
func (s *ObjectStore) PutWithKey(value any, key Key, h Handlers[Key]) (*Request, error) {
	return s.write("ObjectStore.Put", value, key, true, true, h)
}

func (s *ObjectStore) write(
	op string,
	value any,
	key Key,
	hasKey bool,
	overwrite bool,
	h Handlers[Key],
) (*Request, error) {
	if err := s.tx.checkActive(op); err != nil {
		return nil, err
	}
	if !s.tx.mode.writable() {
		return nil, newError(CodeReadOnly, op, "transaction is readonly")
	}
	m, err := s.meta(op)
	if err != nil {
		return nil, err
	}
	rec, err := normalizeRecord(op, value)
	if err != nil {
		return nil, err
	}

	switch {
	case hasKey:
		if m.KeyPath != "" {
			return nil, newError(CodeData, op, "object store: %s uses in-line keys and a key was provided", s.name)
		}
		if key, err = ValidateKey(key); err != nil {
			return nil, wrapError(CodeData, op, err, "invalid key")
		}
	case m.KeyPath != "":
		v, ok := evaluateKeyPath(rec, m.KeyPath)
		if ok {
			if key, err = ValidateKey(v); err != nil {
				return nil, wrapError(CodeData, op, err, "key path: %s does not yield a valid key", m.KeyPath)
			}
		} else if !m.AutoIncrement {
			return nil, newError(CodeData, op, "key path: %s does not yield a value", m.KeyPath)
		}
	case !m.AutoIncrement:
		return nil, newError(CodeData, op, "object store: %s uses out-of-line keys without a key generator and no key was provided", s.name)
	}

	req := newRequest(s.tx, op, s.name)
	return req, s.tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) (Key, error) {
		m, err := s.meta(op)
		if err != nil {
			return nil, err
		}
		return putRecord(ctx, tr, op, s.dbName(), m, rec, key, overwrite)
	}))
}

func putRecord(
	ctx context.Context,
	tr kv.Transaction,
	op string,
	db string,
	m *storeMeta,
	rec Record,
	key Key,
	overwrite bool,
) (Key, error) {
	var (
		genKey      = generatorKey(db, m.Name)
		nextGen     float64
		updateGen   bool
		currGen     float64
		currGenRead bool
	)
	readGen := func() (float64, error) {
		if currGenRead {
			return currGen, nil
		}
		v, ok, err := tr.Get(ctx, genKey)
		if err != nil {
			return 0, err
		}
		currGen, currGenRead = 1, true
		if ok {
			if err := json.Unmarshal(v, &currGen); err != nil {
				return 0, wrapError(CodeBackend, op, err, "key generator is corrupt")
			}
		}
		return currGen, nil
	}

	if key == nil {
		gen, err := readGen()
		if err != nil {
			return nil, err
		}
		if gen > maxGeneratedKey {
			return nil, newError(CodeConstraint, op, "key generator for object store: %s is exhausted", m.Name)
		}
		key = gen
		if m.KeyPath != "" {
			if err := injectKeyPath(rec, m.KeyPath, key); err != nil {
				return nil, err
			}
		}
		nextGen, updateGen = gen+1, true
	} else if num, ok := key.(float64); ok && m.AutoIncrement {
		gen, err := readGen()
		if err != nil {
			return nil, err
		}
		if num >= gen {
			nextGen, updateGen = math.Min(math.Floor(num)+1, maxGeneratedKey+1), true
		}
	}

	encPK, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	recKey := concat(recordsPrefix(db, m.Name), encPK)
	oldV, exists, err := tr.Get(ctx, recKey)
	if err != nil {
		return nil, err
	}
	if exists && !overwrite {
		return nil, newError(CodeConstraint, op, "key: %v already exists in object store: %s", key, m.Name)
	}

	indexes := m.sortedIndexes()
	newEntries := make([][][]byte, len(indexes))
	for i, idx := range indexes {
		newEntries[i] = indexKeys(idx, rec)
		if !idx.Unique {
			continue
		}
		prefix := indexEntriesPrefix(db, m.Name, idx.Name)
		for _, ik := range newEntries[i] {
			taken, err := indexKeyTaken(ctx, tr, concat(prefix, ik), encPK)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, newError(
					CodeConstraint, op, "unique index: %s already contains key: %s",
					idx.Name, describeEncoded(ik))
			}
		}
	}

	if exists {
		if err := deleteIndexEntries(ctx, tr, db, m, encPK, oldV); err != nil {
			return nil, err
		}
	}
	marshaled, err := json.Marshal(rec)
	if err != nil {
		return nil, wrapError(CodeData, op, err, "record cannot be serialized")
	}
	if err := tr.Put(ctx, recKey, marshaled); err != nil {
		return nil, err
	}
	for i, idx := range indexes {
		prefix := indexEntriesPrefix(db, m.Name, idx.Name)
		for _, ik := range newEntries[i] {
			if err := tr.Put(ctx, concat(prefix, ik, encPK), encPK); err != nil {
				return nil, err
			}
		}
	}
	if updateGen {
		marshaledGen, _ := json.Marshal(nextGen)
		if err := tr.Put(ctx, genKey, marshaledGen); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// indexKeyTaken reports whether an index entry under entryPrefix belongs to a
// record other than encPK.
func indexKeyTaken(ctx context.Context, tr kv.Transaction, entryPrefix, encPK []byte) (bool, error) {
	taken := false
	start, end := subspaceRange(entryPrefix)
	err := iterRange(ctx, tr, start, end, func(k, v []byte) error {
		if !bytes.Equal(k[len(entryPrefix):], encPK) {
			taken = true
			return kv.ErrStopIteration
		}
		return nil
	})
	return taken, err
}

func deleteIndexEntries(ctx context.Context, tr kv.Transaction, db string, m *storeMeta, encPK, recordV []byte) error {
	rec, err := decodeRecord(recordV)
	if err != nil {
		return err
	}
	for _, idx := range m.sortedIndexes() {
		prefix := indexEntriesPrefix(db, m.Name, idx.Name)
		for _, ik := range indexKeys(idx, rec) {
			if err := tr.Delete(ctx, concat(prefix, ik, encPK)); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteRecord deletes the record stored under encPK along with its index
// entries. Deleting a missing record is a no-op.
func deleteRecord(ctx context.Context, tr kv.Transaction, db string, m *storeMeta, encPK []byte) error {
	recKey := concat(recordsPrefix(db, m.Name), encPK)
	v, ok, err := tr.Get(ctx, recKey)
	if err != nil || !ok {
		return err
	}
	if err := deleteIndexEntries(ctx, tr, db, m, encPK, v); err != nil {
		return err
	}
	return tr.Delete(ctx, recKey)
}

// Get fetches the first record matching query (a key or a *KeyRange). The result
// is nil if there is none.
func (s *ObjectStore) Get(query any, h Handlers[Record]) (*Request, error) {
	const op = "ObjectStore.Get"

	r, err := s.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}
	req := newRequest(s.tx, op, s.name)
	return req, s.tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) (Record, error) {
		start, end, err := r.bounds(recordsPrefix(s.dbName(), s.name))
		if err != nil {
			return nil, err
		}
		_, v, ok, err := first(ctx, tr, start, end)
		if err != nil || !ok {
			return nil, err
		}
		return decodeRecord(v)
	}))
}

// GetAll fetches every record matching query in key order. A nil query matches
// every record.
func (s *ObjectStore) GetAll(query any, h Handlers[[]Record]) (*Request, error) {
	const op = "ObjectStore.GetAll"

	r, err := s.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}
	req := newRequest(s.tx, op, s.name)
	return req, s.tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) ([]Record, error) {
		start, end, err := r.bounds(recordsPrefix(s.dbName(), s.name))
		if err != nil {
			return nil, err
		}
		out := []Record{}
		err = iterRange(ctx, tr, start, end, func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
		return out, err
	}))
}

// Delete deletes every record matching query (a key or a *KeyRange). Deleting
// keys that do not exist is not an error.
func (s *ObjectStore) Delete(query any, h Handlers[struct{}]) (*Request, error) {
	const op = "ObjectStore.Delete"

	if err := s.tx.checkActive(op); err != nil {
		return nil, err
	}
	if !s.tx.mode.writable() {
		return nil, newError(CodeReadOnly, op, "transaction is readonly")
	}
	if query == nil {
		return nil, newError(CodeData, op, "a key or key range is required")
	}
	r, err := s.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}

	req := newRequest(s.tx, op, s.name)
	return req, s.tx.issue(newOp(req, h, func(ctx context.Context, tr kv.Transaction) (struct{}, error) {
		m, err := s.meta(op)
		if err != nil {
			return struct{}{}, err
		}
		prefix := recordsPrefix(s.dbName(), s.name)
		start, end, err := r.bounds(prefix)
		if err != nil {
			return struct{}{}, err
		}
		var pks [][]byte
		err = iterRange(ctx, tr, start, end, func(k, v []byte) error {
			pks = append(pks, append([]byte(nil), k[len(prefix):]...))
			return nil
		})
		if err != nil {
			return struct{}{}, err
		}
		for _, pk := range pks {
			if err := deleteRecord(ctx, tr, s.dbName(), m, pk); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}))
}

// OpenCursor opens a cursor over the records matching query in key order. The
// success handler is called with the cursor positioned on each record in turn,
// and with nil once the cursor is exhausted.
func (s *ObjectStore) OpenCursor(query any, h Handlers[*Cursor]) (*Request, error) {
	const op = "ObjectStore.OpenCursor"

	r, err := s.readPrecondition(op, query)
	if err != nil {
		return nil, err
	}
	prefix := recordsPrefix(s.dbName(), s.name)
	start, end, err := r.bounds(prefix)
	if err != nil {
		return nil, err
	}
	c := &Cursor{
		store:  s,
		prefix: prefix,
		start:  start,
		end:    end,
		h:      h,
	}
	return c.open(op)
}

func (s *ObjectStore) readPrecondition(op string, query any) (*KeyRange, error) {
	if err := s.tx.checkActive(op); err != nil {
		return nil, err
	}
	if _, err := s.meta(op); err != nil {
		return nil, err
	}
	return toKeyRange(op, query)
}

func first(ctx context.Context, tr kv.Transaction, start, end []byte) (k, v []byte, ok bool, err error) {
	if bytes.Compare(start, end) >= 0 {
		return nil, nil, false, nil
	}
	return kv.First(ctx, tr, start, end)
}

func iterRange(ctx context.Context, tr kv.Transaction, start, end []byte, fn func(k, v []byte) error) error {
	if bytes.Compare(start, end) >= 0 {
		return nil
	}
	return tr.IterRange(ctx, start, end, fn)
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// describeEncoded renders an encoded key for error messages.
func describeEncoded(enc []byte) string {
	t, err := tuple.Unpack(enc)
	if err != nil || len(t) != 1 {
		return "<invalid>"
	}
	b, err := json.Marshal(t[0])
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}

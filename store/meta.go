package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/richardartoul/deferdb/kv"
	"github.com/richardartoul/deferdb/tuple"
)

// KV layout. Every key starts with a one byte keyspace followed by a packed tuple:
//
//	metaPrefix      | (db)                              -> JSON databaseMeta
//	recordPrefix    | (db, store, primaryKey)           -> JSON record
//	indexPrefix     | (db, store, index, key, primaryKey) -> packed primaryKey
//	generatorPrefix | (db, store)                       -> JSON float64
const (
	metaPrefix      byte = 0x01
	recordPrefix    byte = 0x02
	indexPrefix     byte = 0x03
	generatorPrefix byte = 0x04
)

func keyspace(space byte, elems ...any) []byte {
	return append([]byte{space}, tuple.Tuple(elems).MustPack()...)
}

func metaKey(db string) []byte {
	return keyspace(metaPrefix, db)
}

func recordsPrefix(db, store string) []byte {
	return keyspace(recordPrefix, db, store)
}

func storeIndexesPrefix(db, store string) []byte {
	return keyspace(indexPrefix, db, store)
}

func indexEntriesPrefix(db, store, index string) []byte {
	return keyspace(indexPrefix, db, store, index)
}

func generatorKey(db, store string) []byte {
	return keyspace(generatorPrefix, db, store)
}

// subspaceRange returns the range of keys that extend the packed tuple prefix
// with more elements. Every element encoding starts with a type code below 0xFF,
// while a longer string sharing the prefix continues with the 0xFF escape.
func subspaceRange(prefix []byte) (start, end []byte) {
	start = append([]byte(nil), prefix...)
	end = append(append([]byte(nil), prefix...), 0xFF)
	return start, end
}

type indexMeta struct {
	Name       string `json:"name"`
	KeyPath    string `json:"keyPath"`
	Unique     bool   `json:"unique,omitempty"`
	MultiEntry bool   `json:"multiEntry,omitempty"`
}

type storeMeta struct {
	Name          string                `json:"name"`
	KeyPath       string                `json:"keyPath,omitempty"`
	AutoIncrement bool                  `json:"autoIncrement,omitempty"`
	Indexes       map[string]*indexMeta `json:"indexes"`
}

func (s *storeMeta) sortedIndexes() []*indexMeta {
	out := make([]*indexMeta, 0, len(s.Indexes))
	for _, idx := range s.Indexes {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type databaseMeta struct {
	Name    string                `json:"name"`
	Version uint64                `json:"version"`
	Stores  map[string]*storeMeta `json:"stores"`
}

func newDatabaseMeta(name string) *databaseMeta {
	return &databaseMeta{Name: name, Stores: map[string]*storeMeta{}}
}

func (m *databaseMeta) clone() *databaseMeta {
	out := &databaseMeta{
		Name:    m.Name,
		Version: m.Version,
		Stores:  make(map[string]*storeMeta, len(m.Stores)),
	}
	for name, s := range m.Stores {
		sc := &storeMeta{
			Name:          s.Name,
			KeyPath:       s.KeyPath,
			AutoIncrement: s.AutoIncrement,
			Indexes:       make(map[string]*indexMeta, len(s.Indexes)),
		}
		for iname, idx := range s.Indexes {
			ic := *idx
			sc.Indexes[iname] = &ic
		}
		out.Stores[name] = sc
	}
	return out
}

func (m *databaseMeta) storeNames() []string {
	out := make([]string, 0, len(m.Stores))
	for name := range m.Stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func loadMeta(ctx context.Context, s kv.Store, name string) (*databaseMeta, error) {
	result, err := kv.Transact(ctx, s, false, func(tr kv.Transaction) (any, error) {
		v, ok, err := tr.Get(ctx, metaKey(name))
		if err != nil || !ok {
			return nil, err
		}
		meta := newDatabaseMeta(name)
		if err := json.Unmarshal(v, meta); err != nil {
			return nil, fmt.Errorf("error unmarshaling metadata for database: %s: %w", name, err)
		}
		for _, st := range meta.Stores {
			if st.Indexes == nil {
				st.Indexes = map[string]*indexMeta{}
			}
		}
		return meta, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loadMeta: %w", err)
	}
	if result == nil {
		return nil, nil
	}
	return result.(*databaseMeta), nil
}

func saveMeta(ctx context.Context, tr kv.Transaction, meta *databaseMeta) error {
	marshaled, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("saveMeta: error marshaling metadata: %w", err)
	}
	return tr.Put(ctx, metaKey(meta.Name), marshaled)
}

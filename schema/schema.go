// Package schema describes databases in YAML documents and turns them into
// upgrade steps for records.Client.Open.
//
//	name: users
//	version: 2
//	stores:
//	  - name: people
//	    keyPath: id
//	    autoIncrement: true
//	    indexes:
//	      - name: email
//	        keyPath: email
//
// Applying a document is idempotent: stores and indexes that already match are
// left alone, so the same document can be applied on every version bump.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/richardartoul/deferdb/records"
	"github.com/richardartoul/deferdb/store"

	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"
)

// Database is the desired schema of one database.
type Database struct {
	Name    string  `yaml:"name"`
	Version uint64  `yaml:"version"`
	Stores  []Store `yaml:"stores"`
	// Prune deletes object stores that exist but are not listed.
	Prune bool `yaml:"prune,omitempty"`
}

// Store is the desired definition of an object store.
type Store struct {
	Name          string  `yaml:"name"`
	KeyPath       string  `yaml:"keyPath,omitempty"`
	AutoIncrement bool    `yaml:"autoIncrement,omitempty"`
	Indexes       []Index `yaml:"indexes,omitempty"`
	// Prune deletes indexes that exist but are not listed.
	Prune bool `yaml:"prune,omitempty"`
}

// Index is the desired definition of an index.
type Index struct {
	Name       string `yaml:"name"`
	KeyPath    string `yaml:"keyPath"`
	Unique     bool   `yaml:"unique,omitempty"`
	MultiEntry bool   `yaml:"multiEntry,omitempty"`
}

// Load reads and validates the schema document at path.
func Load(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a schema document. Unknown fields are rejected.
func Parse(r io.Reader) (*Database, error) {
	var db Database
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&db); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := db.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &db, nil
}

// Validate checks that required fields are present and names are unique.
func (d *Database) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.Version == 0 {
		return errors.New("version must be greater than zero")
	}

	stores := make(map[string]struct{}, len(d.Stores))
	for i, s := range d.Stores {
		if s.Name == "" {
			return fmt.Errorf("stores[%d]: name is required", i)
		}
		if _, ok := stores[s.Name]; ok {
			return fmt.Errorf("stores[%d]: duplicate store: %s", i, s.Name)
		}
		stores[s.Name] = struct{}{}

		indexes := make(map[string]struct{}, len(s.Indexes))
		for j, idx := range s.Indexes {
			if idx.Name == "" {
				return fmt.Errorf("stores[%d].indexes[%d]: name is required", i, j)
			}
			if idx.KeyPath == "" {
				return fmt.Errorf("stores[%d].indexes[%d]: keyPath is required", i, j)
			}
			if _, ok := indexes[idx.Name]; ok {
				return fmt.Errorf("stores[%d].indexes[%d]: duplicate index: %s", i, j, idx.Name)
			}
			indexes[idx.Name] = struct{}{}
		}
	}
	return nil
}

// Upgrade returns an upgrade step that brings a database to d. A store whose
// key path or key generator differs from d cannot be altered in place and fails
// the upgrade. An index whose definition differs is dropped and rebuilt.
func (d *Database) Upgrade(logger *slog.Logger) records.UpgradeFunc {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("module", "schema"), slog.String("db", d.Name))
	return records.SyncUpgrade(func(ev *store.VersionChangeEvent) error {
		return d.Apply(ev, log)
	})
}

// Apply applies d inside a running version change.
func (d *Database) Apply(ev *store.VersionChangeEvent, log *slog.Logger) error {
	wanted := make(map[string]struct{}, len(d.Stores))
	for _, s := range d.Stores {
		wanted[s.Name] = struct{}{}
		if err := s.apply(ev, log); err != nil {
			return fmt.Errorf("store: %s: %w", s.Name, err)
		}
	}

	if !d.Prune {
		return nil
	}
	for _, name := range ev.DB.ObjectStoreNames() {
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := ev.DB.DeleteObjectStore(name); err != nil {
			return fmt.Errorf("error deleting store: %s: %w", name, err)
		}
		log.Info("deleted object store", slog.String("store", name))
	}
	return nil
}

func (s Store) apply(ev *store.VersionChangeEvent, log *slog.Logger) error {
	existing, err := ev.Tx.ObjectStore(s.Name)
	switch {
	case err == nil:
		if existing.KeyPath() != s.KeyPath || existing.AutoIncrement() != s.AutoIncrement {
			return fmt.Errorf(
				"existing store has keyPath: %q autoIncrement: %t and cannot be changed to keyPath: %q autoIncrement: %t",
				existing.KeyPath(), existing.AutoIncrement(), s.KeyPath, s.AutoIncrement)
		}
	case errors.Is(err, store.ErrNotFound):
		existing, err = ev.DB.CreateObjectStore(s.Name, store.StoreOptions{
			KeyPath:       s.KeyPath,
			AutoIncrement: s.AutoIncrement,
		})
		if err != nil {
			return err
		}
		log.Info("created object store", slog.String("store", s.Name))
	default:
		return err
	}

	wanted := make(map[string]struct{}, len(s.Indexes))
	for _, idx := range s.Indexes {
		wanted[idx.Name] = struct{}{}
		if err := idx.apply(existing, log); err != nil {
			return fmt.Errorf("index: %s: %w", idx.Name, err)
		}
	}

	if !s.Prune {
		return nil
	}
	names := existing.IndexNames()
	sort.Strings(names)
	for _, name := range names {
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := existing.DeleteIndex(name); err != nil {
			return fmt.Errorf("error deleting index: %s: %w", name, err)
		}
		log.Info("deleted index", slog.String("store", s.Name), slog.String("index", name))
	}
	return nil
}

func (idx Index) apply(s *store.ObjectStore, log *slog.Logger) error {
	existing, err := s.Index(idx.Name)
	switch {
	case err == nil:
		if existing.KeyPath() == idx.KeyPath &&
			existing.Unique() == idx.Unique &&
			existing.MultiEntry() == idx.MultiEntry {
			return nil
		}
		if err := s.DeleteIndex(idx.Name); err != nil {
			return err
		}
		log.Info("rebuilding index", slog.String("store", s.Name()), slog.String("index", idx.Name))
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	_, err = s.CreateIndex(idx.Name, idx.KeyPath, store.IndexOptions{
		Unique:     idx.Unique,
		MultiEntry: idx.MultiEntry,
	})
	if err != nil {
		return err
	}
	log.Info("created index", slog.String("store", s.Name()), slog.String("index", idx.Name))
	return nil
}

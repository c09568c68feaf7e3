package storage

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/segmentio/encoding/json"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

const (
	metaPrefix = "m\x00"
	docPrefix  = "d\x00"
	sep        = "\x00"
)

var databaseNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._\-]{1,128}$`)

// Document is a raw JSON document. It encodes as itself.
type Document []byte

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

// Entry is a document with its key.
type Entry struct {
	Key      string   `json:"key"`
	Document Document `json:"document"`
}

func validateName(name string) error {
	if !databaseNamePattern.MatchString(name) {
		return domain.ErrInvalidArgument.WithDetailsf("invalid database name %q", name)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || strings.Contains(key, sep) {
		return domain.ErrInvalidArgument.WithDetailsf("invalid document key %q", key)
	}
	return nil
}

// Database returns the database called name and creates it when missing.
func (e *Engine) Database(name string) (*Database, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaPrefix+name), nil)
	})
	if err != nil {
		return nil, domain.ErrStorage.WithDetailsf("create database %s", name).WithCause(err)
	}
	return e.handle(name), nil
}

// Lookup returns the existing database called name, or ErrDatabaseNotFound.
func (e *Engine) Lookup(name string) (*Database, error) {
	ok, err := e.ContainsDatabase(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrDatabaseNotFound.WithDetailsf("database %q", name)
	}
	return e.handle(name), nil
}

// ContainsDatabase reports whether a database called name exists.
func (e *Engine) ContainsDatabase(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(metaPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, domain.ErrStorage.WithCause(err)
	}
	return found, nil
}

// DeleteDatabase drops the database called name with all its documents. It
// reports whether the database existed.
func (e *Engine) DeleteDatabase(name string) (bool, error) {
	ok, err := e.ContainsDatabase(name)
	if err != nil || !ok {
		return false, err
	}
	if err := e.db.DropPrefix(docKeyPrefix(name)); err != nil {
		return false, domain.ErrStorage.WithDetailsf("drop database %s", name).WithCause(err)
	}
	err = e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(metaPrefix + name))
	})
	if err != nil {
		return false, domain.ErrStorage.WithCause(err)
	}
	e.logger.Info("database deleted", "database", name)
	return true, nil
}

// Names returns the names of all databases in key order.
func (e *Engine) Names() ([]string, error) {
	var names []string
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(metaPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}
	return names, nil
}

func (e *Engine) handle(name string) *Database {
	return &Database{engine: e, name: name, prefix: docKeyPrefix(name)}
}

func docKeyPrefix(name string) []byte {
	return []byte(docPrefix + name + sep)
}

// Database is one named document collection. All methods are safe for
// concurrent use.
type Database struct {
	engine *Engine
	name   string
	prefix []byte
}

// Name returns the database name.
func (d *Database) Name() string {
	return d.name
}

func (d *Database) key(key string) []byte {
	return append(bytes.Clone(d.prefix), key...)
}

// Insert stores doc under key, replacing any previous document.
func (d *Database) Insert(key string, doc Document) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(doc) {
		return domain.ErrInvalidDocument.WithDetailsf("document %q", key)
	}
	err := d.engine.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(metaPrefix+d.name), nil); err != nil {
			return err
		}
		return txn.Set(d.key(key), bytes.Clone(doc))
	})
	if err != nil {
		return domain.ErrStorage.WithDetailsf("insert %s/%s", d.name, key).WithCause(err)
	}
	return nil
}

// Get returns the document stored under key.
func (d *Database) Get(key string) (Document, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var doc Document
	err := d.engine.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.key(key))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.ErrStorage.WithCause(err)
	}
	return doc, true, nil
}

// Contains reports whether a document is stored under key.
func (d *Database) Contains(key string) (bool, error) {
	_, ok, err := d.Get(key)
	return ok, err
}

// Delete removes the document under key and reports whether it existed.
func (d *Database) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	existed := false
	err := d.engine.db.Update(func(txn *badger.Txn) error {
		k := d.key(key)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(k)
	})
	if err != nil {
		return false, domain.ErrStorage.WithCause(err)
	}
	return existed, nil
}

// Keys returns every document key in order.
func (d *Database) Keys() ([]string, error) {
	var keys []string
	err := d.scan(false, func(key string, _ Document) bool {
		keys = append(keys, key)
		return true
	})
	return keys, err
}

// Documents returns every document by key.
func (d *Database) Documents() (map[string]Document, error) {
	return d.Filter(func(string, Document) bool { return true })
}

// Filter returns the documents for which keep returns true.
func (d *Database) Filter(keep func(key string, doc Document) bool) (map[string]Document, error) {
	docs := make(map[string]Document)
	err := d.scan(true, func(key string, doc Document) bool {
		if keep(key, doc) {
			docs[key] = doc
		}
		return true
	})
	return docs, err
}

// Chunk returns at most limit entries in key order, skipping the first
// offset ones. It returns an empty slice past the end.
func (d *Database) Chunk(offset, limit int) ([]Entry, error) {
	if offset < 0 || limit <= 0 {
		return nil, domain.ErrInvalidArgument.WithDetailsf("invalid chunk %d+%d", offset, limit)
	}
	entries := make([]Entry, 0, min(limit, 64))
	i := 0
	err := d.scan(true, func(key string, doc Document) bool {
		if i >= offset {
			entries = append(entries, Entry{Key: key, Document: doc})
		}
		i++
		return len(entries) < limit
	})
	return entries, err
}

// Count returns the number of documents.
func (d *Database) Count() (int, error) {
	n := 0
	err := d.scan(false, func(string, Document) bool {
		n++
		return true
	})
	return n, err
}

// Clear removes every document but keeps the database.
func (d *Database) Clear() error {
	if err := d.engine.db.DropPrefix(d.prefix); err != nil {
		return domain.ErrStorage.WithDetailsf("clear %s", d.name).WithCause(err)
	}
	return nil
}

func (d *Database) scan(values bool, fn func(key string, doc Document) bool) error {
	err := d.engine.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = d.prefix
		opts.PrefetchValues = values
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(d.prefix):])
			var doc Document
			if values {
				v, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				doc = v
			}
			if !fn(key, doc) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	return nil
}

// Package statestore provides a durable, embedded key-value store for
// per-gear snapshot bytes, backed by badger. It is deliberately encoding
// agnostic: callers hand it already-serialized bytes and get them back;
// the chatgear package owns the msgpack snapshot format.
package statestore

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound names the missing-key condition. Load does not return it: a
// key with no stored value is reported as ok == false with a nil error.
var ErrNotFound = errors.New("statestore: not found")

// Store is a durable key-value store keyed by gear ID.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save durably writes value under key, replacing any prior value.
func (s *Store) Save(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Load reads the value stored under key. ok is false (with a nil error)
// if the key has never been written.
func (s *Store) Load(key string) (value []byte, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		ok = err == nil
		return err
	})
	return value, ok, err
}

// Delete removes any value stored under key.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

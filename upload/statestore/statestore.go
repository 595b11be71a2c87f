// Package statestore caches computed file digests in a local BadgerDB, so a
// restarted process can resume an interrupted upload without re-hashing the
// file.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Entry is one cached digest. Size and ModTimeUnix guard against serving a
// stale digest for a file that changed since it was hashed.
type Entry struct {
	FileHash    string `json:"file_hash"`
	FileSize    int64  `json:"file_size"`
	ModTimeUnix int64  `json:"mod_time_unix"`
}

// Store wraps BadgerDB for digest cache operations.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the cache at the given directory.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open digest cache: %w", err)
	}
	return &Store{db: db}, nil
}

// Close ...
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached digest for the file at path, if one exists and its
// recorded size and mtime still match.
func (s *Store) Get(path string, size, modTimeUnix int64) (Entry, bool, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read digest cache: %w", err)
	}

	if entry.FileSize != size || entry.ModTimeUnix != modTimeUnix {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put stores the digest for the file at path.
func (s *Store) Put(path string, entry Entry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(path), val)
	})
	if err != nil {
		return fmt.Errorf("write digest cache: %w", err)
	}
	return nil
}

// Delete removes the cached digest for the file at path.
func (s *Store) Delete(path string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(path))
	})
	if err != nil {
		return fmt.Errorf("delete digest cache entry: %w", err)
	}
	return nil
}

func key(path string) []byte {
	return []byte("digest:" + path)
}

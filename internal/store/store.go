// Package store provides the in-memory table storage behind the reference
// master server.
//
// The store does not understand row contents. Each table maps a primary key,
// in its wire form, to the encoded row bytes that clients sent with ADD or
// UPDATE. Rows are returned in key order so every client sees the same
// master order before applying its own OrderBy.
//
// Example usage:
//
//	s := store.New()
//	s.Put(3, "example.com", encoded, true)
//	rows := s.All(3)
//
// All operations are safe for concurrent use.
package store

import (
	"errors"
	"slices"
	"sync"

	"github.com/aoserv/aoserv-client/pkg/protocol"
)

var (
	// ErrExists is returned by Put when inserting a key that is already present.
	ErrExists = errors.New("row already exists")

	// ErrNotFound is returned by Put when updating a key that is absent.
	ErrNotFound = errors.New("row not found")
)

// Store holds every table of the reference master.
type Store struct {
	tables map[protocol.TableID]map[string][]byte
	mu     sync.RWMutex
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tables: make(map[protocol.TableID]map[string][]byte),
	}
}

// Get returns the encoded row stored under key.
func (s *Store) Get(table protocol.TableID, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.tables[table][key]
	return row, ok
}

// Put stores row under key. With insert set the key must be new, otherwise it
// must already exist.
func (s *Store) Put(table protocol.TableID, key string, row []byte, insert bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string][]byte)
		s.tables[table] = rows
	}

	_, exists := rows[key]
	switch {
	case insert && exists:
		return ErrExists
	case !insert && !exists:
		return ErrNotFound
	}

	rows[key] = slices.Clone(row)
	return nil
}

// Delete removes the row stored under key and reports whether it existed.
func (s *Store) Delete(table protocol.TableID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	if _, ok := rows[key]; !ok {
		return false
	}
	delete(rows, key)
	return true
}

// All returns every row of table in key order.
func (s *Store) All(table protocol.TableID) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.tables[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, rows[k])
	}
	return out
}

// Count returns the number of rows in table.
func (s *Store) Count(table protocol.TableID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

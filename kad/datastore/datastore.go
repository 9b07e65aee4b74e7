// Package datastore defines the key/value blob store external collaborator
// from spec.md §6 ("Datastore: key/value blob store for providers and
// local records") and a default on-disk implementation backed by
// github.com/syndtr/goleveldb, grounded on the dolthub/dolt example's use
// of the same library for embedded local storage.
package datastore

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned by Get when key is absent.
var ErrNotFound = errors.New("datastore: not found")

// Datastore is the minimal blob store the DHT core needs: local PUT_VALUE
// records and (optionally) a provider-store persistence backend.
type Datastore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Close() error
}

// LevelDB is a Datastore backed by an on-disk LevelDB instance.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if absent) a LevelDB datastore at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelDB) Put(key, value []byte) error { return l.db.Put(key, value, nil) }
func (l *LevelDB) Delete(key []byte) error     { return l.db.Delete(key, nil) }
func (l *LevelDB) Close() error                { return l.db.Close() }

// Memory is an in-process Datastore, used by tests and by nodes that opt
// out of on-disk persistence.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory { return &Memory{data: make(map[string][]byte)} }

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *Memory) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *Memory) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *Memory) Close() error { return nil }

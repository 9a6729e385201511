package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound is returned by Get when no value exists for the key.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store. The ledger keeps all
// channel rings, balances, and protocol configuration behind this interface so
// the settlement core can run against an in-memory store in tests and LevelDB
// in production.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// NewBatch stages a group of writes that Write applies atomically.
	NewBatch() Batch
	Write(batch Batch) error
	Close()
}

// Batch collects writes so a multi-key state transition lands as one unit.
type Batch interface {
	Put(key []byte, value []byte)
	Len() int
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDB) NewBatch() Batch {
	return &memBatch{}
}

func (db *MemDB) Write(batch Batch) error {
	mb, ok := batch.(*memBatch)
	if !ok {
		return errors.New("storage: foreign batch handed to MemDB")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, entry := range mb.entries {
		db.data[entry.key] = entry.value
	}
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

type memBatchEntry struct {
	key   string
	value []byte
}

type memBatch struct {
	entries []memBatchEntry
}

func (b *memBatch) Put(key []byte, value []byte) {
	b.entries = append(b.entries, memBatchEntry{key: string(key), value: append([]byte(nil), value...)})
}

func (b *memBatch) Len() int { return len(b.entries) }

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Has reports whether a value exists for the key.
func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

func (ldb *LevelDB) NewBatch() Batch {
	return &levelBatch{batch: new(leveldb.Batch)}
}

// Write applies a staged batch in one LevelDB write.
func (ldb *LevelDB) Write(batch Batch) error {
	lb, ok := batch.(*levelBatch)
	if !ok {
		return errors.New("storage: foreign batch handed to LevelDB")
	}
	return ldb.db.Write(lb.batch, nil)
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}

type levelBatch struct {
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key []byte, value []byte) {
	b.batch.Put(key, value)
}

func (b *levelBatch) Len() int { return b.batch.Len() }

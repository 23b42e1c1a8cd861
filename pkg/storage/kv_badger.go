package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Badger is a KV backed by BadgerDB.
//
// Features:
//   - ACID transactions for every write
//   - Persistent storage to disk with crash recovery
//   - Ordered prefix iteration (used by journal replay)
//
// Example:
//
//	kv, err := storage.OpenBadger(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		return fmt.Errorf("opening store: %w", err)
//	}
//	defer kv.Close()
type Badger struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// BlockCacheSize in bytes. 0 keeps the 16MB default.
	BlockCacheSize int64

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is silenced.
	Logger badger.Logger
}

// OpenBadger opens (or creates) a Badger-backed KV.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Journals and review state are small; keep the footprint container friendly.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(16 << 20).
		WithIndexCacheSize(8 << 20)

	if opts.BlockCacheSize > 0 {
		badgerOpts = badgerOpts.WithBlockCacheSize(opts.BlockCacheSize)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (b *Badger) Get(key []byte) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

// Put stores value under key.
func (b *Badger) Put(key, value []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Badger) Delete(key []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Iterate scans every key with the given prefix in ascending order.
func (b *Badger) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

type badgerWriter struct {
	txn *badger.Txn
}

func (w badgerWriter) Put(key, value []byte) error { return w.txn.Set(key, value) }
func (w badgerWriter) Delete(key []byte) error     { return w.txn.Delete(key) }

// Update runs fn inside a single read-write transaction.
func (b *Badger) Update(fn func(w Writer) error) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(badgerWriter{txn: txn})
	})
}

// Close flushes and closes the database. Closing twice is a no-op.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

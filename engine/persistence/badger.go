package persistence

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore is the default Store implementation: an embedded, crash-safe
// LSM key-value store. Transaction usage is grounded on the dittofs badger
// metadata store's txn.Update/txn.Get idiom.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if absent) a badger database rooted at
// dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open badger store at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Write(key string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("persistence: write %q: %w", key, err)
	}
	return nil
}

func (b *BadgerStore) Read(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: read %q: %w", key, err)
	}
	return out, nil
}

func (b *BadgerStore) Size(key string) (int64, error) {
	var size int64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		size = item.ValueSize()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("persistence: size %q: %w", key, err)
	}
	return size, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

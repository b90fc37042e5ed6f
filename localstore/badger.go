// Package localstore is the local-node fast-path Updater (spec §6's
// Updater contract, applied when the Loader Engine resolves the local
// node as owner): a badger key-value store standing in for "this node
// hosts the cache", exercised the same way a remote node's Updater
// would be, just without the network hop.
package localstore

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"

	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

// Store applies entry batches directly to an embedded badger database.
type Store struct {
	db   *badger.DB
	name string
}

// Open opens (or creates) a badger database at path. An empty path opens
// an in-memory database, useful for tests and the single-process demo in
// cmd/loaderctl.
func Open(name, path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts = opts.WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	return &Store{db: db, name: name}, nil
}

// Name implements loaderapi.Updater.
func (s *Store) Name() string { return s.name }

// Apply implements loaderapi.Updater: entries are written in a single
// badger transaction per batch, puts as Set and removals as Delete.
func (s *Store) Apply(ctx context.Context, cacheName string, entries []loaderapi.Entry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			key := namespacedKey(cacheName, e.Key)
			if e.Remove {
				if err := txn.Delete(key); err != nil && err != badger.ErrKeyNotFound {
					return fmt.Errorf("localstore: delete %x: %w", e.Key, err)
				}
				continue
			}
			if err := txn.Set(key, e.Value); err != nil {
				return fmt.Errorf("localstore: set %x: %w", e.Key, err)
			}
		}
		return nil
	})
}

// Get is a convenience read used by tests to verify applied data; not
// part of loaderapi.Updater.
func (s *Store) Get(cacheName string, key []byte) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(namespacedKey(cacheName, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func namespacedKey(cacheName string, key []byte) []byte {
	out := make([]byte, 0, len(cacheName)+1+len(key))
	out = append(out, cacheName...)
	out = append(out, ':')
	out = append(out, key...)
	return out
}

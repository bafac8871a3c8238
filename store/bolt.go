// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the database directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

var tokensBucket = []byte("tokens")

// BoltStorage is a Storage backed by a bbolt database file.
type BoltStorage struct {
	db *bolt.DB
}

// ensure that BoltStorage implements the Storage interface
var _ Storage = (*BoltStorage)(nil)

// OpenBoltStorage opens the database at path, creating it and its directory
// if they don't exist.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	const op = "store.OpenBoltStorage"
	if path == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, ErrInvalidParameter)
	}
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("%s: creating storage directory: %w", op, err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%s: opening storage db: %w", op, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: initializing storage db: %w", op, err)
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BoltStorage) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("store.BoltStorage.Set: key is empty: %w", ErrInvalidParameter)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(key), value)
	})
}

func (s *BoltStorage) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(key))
	})
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStorage is a Storage keeping each key in its own file under a
// directory. File names are the sha256 of the key, so keys may contain any
// character.
type FileStorage struct {
	mu  sync.Mutex
	dir string
}

// ensure that FileStorage implements the Storage interface
var _ Storage = (*FileStorage)(nil)

// NewFileStorage creates a FileStorage rooted at dir, creating the directory
// with owner only permissions.
func NewFileStorage(dir string) (*FileStorage, error) {
	const op = "store.NewFileStorage"
	if dir == "" {
		return nil, fmt.Errorf("%s: dir is empty: %w", op, ErrInvalidParameter)
	}
	if err := os.MkdirAll(dir, boltDirPerm); err != nil {
		return nil, fmt.Errorf("%s: creating storage directory: %w", op, err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(h[:])+".json")
}

func (s *FileStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("store.FileStorage.Get: %w", err)
	}
	return data, nil
}

func (s *FileStorage) Set(_ context.Context, key string, value []byte) error {
	const op = "store.FileStorage.Set"
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".token-*")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(boltFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *FileStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store.FileStorage.Delete: %w", err)
	}
	return nil
}

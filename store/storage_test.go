// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorages(t *testing.T) map[string]Storage {
	t.Helper()
	require := require.New(t)

	b, err := OpenBoltStorage(filepath.Join(t.TempDir(), "state", "tokens.db"))
	require.NoError(err)
	t.Cleanup(func() { _ = b.Close() })

	f, err := NewFileStorage(filepath.Join(t.TempDir(), "tokens"))
	require.NoError(err)

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"bolt":   b,
		"file":   f,
	}
}

func TestStorage_contract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, s := range testStorages(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)

			_, err := s.Get(ctx, DefaultKey)
			assert.ErrorIs(err, ErrNotFound)

			require.NoError(s.Set(ctx, DefaultKey, []byte("one")))
			got, err := s.Get(ctx, DefaultKey)
			require.NoError(err)
			assert.Equal([]byte("one"), got)

			require.NoError(s.Set(ctx, DefaultKey, []byte("two")))
			got, err = s.Get(ctx, DefaultKey)
			require.NoError(err)
			assert.Equal([]byte("two"), got)

			// returned values are copies
			got[0] = 'x'
			again, err := s.Get(ctx, DefaultKey)
			require.NoError(err)
			assert.Equal([]byte("two"), again)

			require.NoError(s.Delete(ctx, DefaultKey))
			require.NoError(s.Delete(ctx, DefaultKey))
			_, err = s.Get(ctx, DefaultKey)
			assert.ErrorIs(err, ErrNotFound)
		})
	}
}

func TestBoltStorage_durable(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	s, err := OpenBoltStorage(path)
	require.NoError(err)
	require.NoError(s.Set(ctx, "k", []byte("v")))
	require.NoError(s.Close())

	s, err = OpenBoltStorage(path)
	require.NoError(err)
	defer s.Close()
	got, err := s.Get(ctx, "k")
	require.NoError(err)
	assert.Equal([]byte("v"), got)

	assert.ErrorIs(s.Set(ctx, "", []byte("v")), ErrInvalidParameter)

	_, err = OpenBoltStorage("")
	assert.ErrorIs(err, ErrInvalidParameter)
}

func TestFileStorage_durable(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStorage(dir)
	require.NoError(err)
	require.NoError(s.Set(ctx, DefaultKey, []byte("v")))

	s, err = NewFileStorage(dir)
	require.NoError(err)
	got, err := s.Get(ctx, DefaultKey)
	require.NoError(err)
	assert.Equal([]byte("v"), got)

	_, err = NewFileStorage("")
	assert.ErrorIs(err, ErrInvalidParameter)
}

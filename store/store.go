// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package store persists the session's token record in a Storage
// collaborator.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/token"
)

// DefaultKey is the storage key used when none is configured.
const DefaultKey = "$KEYCLOAK_AUTH_TOKEN$"

// TokenStore provides typed access to the token record persisted under a
// single key. It owns the durable shape of the record.
type TokenStore struct {
	storage Storage
	key     string
	logger  hclog.Logger
}

// NewTokenStore creates a TokenStore over storage.
// Supported options:
//
//	WithKey
//	WithLogger
func NewTokenStore(storage Storage, opt ...Option) (*TokenStore, error) {
	const op = "store.NewTokenStore"
	if storage == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	opts := getTokenStoreOpts(opt...)
	if opts.withKey == "" {
		return nil, fmt.Errorf("%s: key is empty: %w", op, ErrInvalidParameter)
	}
	return &TokenStore{
		storage: storage,
		key:     opts.withKey,
		logger:  opts.withLogger,
	}, nil
}

// Key returns the storage key of the record.
func (s *TokenStore) Key() string {
	return s.key
}

// WithKey returns a TokenStore over the same storage using a different key.
func (s *TokenStore) WithKey(key string) (*TokenStore, error) {
	return NewTokenStore(s.storage, WithKey(key), WithLogger(s.logger))
}

// Get returns the persisted record. It never fails: when nothing is persisted,
// or the persisted value can't be read, an empty record is returned.
func (s *TokenStore) Get(ctx context.Context) *token.Record {
	data, err := s.storage.Get(ctx, s.key)
	switch {
	case errors.Is(err, ErrNotFound):
		return &token.Record{}
	case err != nil:
		s.logger.Warn("unable to read token record", "key", s.key, "error", err)
		return &token.Record{}
	}
	r, err := token.UnmarshalRecord(data)
	if err != nil {
		s.logger.Warn("discarding unreadable token record", "key", s.key, "error", err)
		return &token.Record{}
	}
	return r
}

// Set persists r, replacing any existing record.
func (s *TokenStore) Set(ctx context.Context, r *token.Record) error {
	const op = "TokenStore.Set"
	if r == nil {
		return fmt.Errorf("%s: record is nil: %w", op, ErrNilParameter)
	}
	data, err := token.MarshalRecord(r)
	if err != nil {
		return fmt.Errorf("%s: unable to encode record: %w", op, err)
	}
	if err := s.storage.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("%s: unable to persist record: %w", op, err)
	}
	s.logger.Trace("token record stored", "key", s.key, "has_refresh_token", r.HasRefreshToken())
	return nil
}

// Reset clears the persisted record. Resetting an empty store is not an
// error.
func (s *TokenStore) Reset(ctx context.Context) error {
	const op = "TokenStore.Reset"
	if err := s.storage.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("%s: unable to delete record: %w", op, err)
	}
	s.logger.Trace("token record cleared", "key", s.key)
	return nil
}

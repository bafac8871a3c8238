// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package token

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// FromOAuth2 converts a token endpoint response into a Record issued at now.
func FromOAuth2(t *oauth2.Token, now time.Time) (*Record, error) {
	const op = "token.FromOAuth2"
	if t == nil {
		return nil, fmt.Errorf("%s: oauth2 token is nil: %w", op, ErrNilParameter)
	}
	if t.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is missing: %w", op, ErrInvalidParameter)
	}
	r := &Record{
		AccessToken:  AccessToken(t.AccessToken),
		RefreshToken: RefreshToken(t.RefreshToken),
		TokenType:    t.Type(),
		IssuedAt:     now.Unix(),
	}
	if idToken, ok := t.Extra("id_token").(string); ok {
		r.IdToken = IdToken(idToken)
	}
	if scope, ok := t.Extra("scope").(string); ok {
		r.Scope = scope
	}
	switch v, ok := extraInt(t, "expires_in"); {
	case ok:
		r.ExpiresIn = Int64(v)
	case t.ExpiresIn > 0:
		r.ExpiresIn = Int64(t.ExpiresIn)
	case !t.Expiry.IsZero():
		r.ExpiresIn = Int64(int64(t.Expiry.Sub(now).Round(time.Second) / time.Second))
	}
	if v, ok := extraInt(t, "refresh_expires_in"); ok {
		r.RefreshExpiresIn = Int64(v)
	}
	return r, nil
}

// extraInt reads a numeric extra field; json responses carry float64 and
// form encoded responses carry int64 or string.
func extraInt(t *oauth2.Token, key string) (int64, bool) {
	switch v := t.Extra(key).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// OAuth2 converts the record into an oauth2.Token, e.g. to seed a refresh
// using oauth2.Config.TokenSource.
func (r *Record) OAuth2() *oauth2.Token {
	if r == nil {
		return nil
	}
	t := &oauth2.Token{
		AccessToken:  string(r.AccessToken),
		TokenType:    r.TokenType,
		RefreshToken: string(r.RefreshToken),
		Expiry:       r.ExpiresAt(),
	}
	return t
}

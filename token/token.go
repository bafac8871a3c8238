// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package token defines the persisted token record of a session and the
// expiry policy deciding whether its access and refresh tokens are still
// usable.
package token

import (
	"encoding/json"
	"time"
)

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// IdToken is an oidc id_token
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// Record is the token set of a session. It is the single source of truth for
// whether a session is logged in, and is created on a successful login or
// refresh, overwritten on every refresh and cleared on logout.
//
// The token fields redact themselves when formatted or marshaled; use
// MarshalRecord and UnmarshalRecord to get the durable form.
type Record struct {
	AccessToken  AccessToken
	RefreshToken RefreshToken
	IdToken      IdToken
	TokenType    string

	// IssuedAt is in epoch seconds.
	IssuedAt int64

	// ExpiresIn is the access token lifetime in seconds, nil when the
	// provider didn't send one.
	ExpiresIn *int64

	// RefreshExpiresIn is the refresh token lifetime in seconds as reported
	// by Keycloak (refresh_expires_in). Zero means the refresh token doesn't
	// expire (offline tokens).
	RefreshExpiresIn *int64

	Scope string
}

// Empty returns true when the record holds no tokens at all.
func (r *Record) Empty() bool {
	return r == nil || (r.AccessToken == "" && r.RefreshToken == "" && r.IdToken == "")
}

// HasAccessToken returns true if the record carries an access token.
func (r *Record) HasAccessToken() bool {
	return r != nil && r.AccessToken != ""
}

// HasRefreshToken returns true if the record carries a refresh token.
func (r *Record) HasRefreshToken() bool {
	return r != nil && r.RefreshToken != ""
}

// ExpiresAt returns when the access token expires. The zero time is returned
// when the record has no expiry.
func (r *Record) ExpiresAt() time.Time {
	if r == nil || r.ExpiresIn == nil {
		return time.Time{}
	}
	return time.Unix(r.IssuedAt+*r.ExpiresIn, 0)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresIn != nil {
		v := *r.ExpiresIn
		c.ExpiresIn = &v
	}
	if r.RefreshExpiresIn != nil {
		v := *r.RefreshExpiresIn
		c.RefreshExpiresIn = &v
	}
	return &c
}

// Int64 returns a pointer to v, handy when building records.
func Int64(v int64) *int64 {
	return &v
}

// wireRecord is the durable json shape of a Record.
type wireRecord struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	IdToken          string `json:"idToken,omitempty"`
	TokenType        string `json:"tokenType"`
	IssuedAt         int64  `json:"issuedAt"`
	ExpiresIn        *int64 `json:"expiresIn,omitempty"`
	RefreshExpiresIn *int64 `json:"refreshExpiresIn,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// MarshalRecord encodes the record with its real token values, for
// persistence.
func MarshalRecord(r *Record) ([]byte, error) {
	if r == nil {
		r = &Record{}
	}
	return json.Marshal(wireRecord{
		AccessToken:      string(r.AccessToken),
		RefreshToken:     string(r.RefreshToken),
		IdToken:          string(r.IdToken),
		TokenType:        r.TokenType,
		IssuedAt:         r.IssuedAt,
		ExpiresIn:        r.ExpiresIn,
		RefreshExpiresIn: r.RefreshExpiresIn,
		Scope:            r.Scope,
	})
}

// UnmarshalRecord decodes a record written by MarshalRecord.
func UnmarshalRecord(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Record{
		AccessToken:      AccessToken(w.AccessToken),
		RefreshToken:     RefreshToken(w.RefreshToken),
		IdToken:          IdToken(w.IdToken),
		TokenType:        w.TokenType,
		IssuedAt:         w.IssuedAt,
		ExpiresIn:        w.ExpiresIn,
		RefreshExpiresIn: w.RefreshExpiresIn,
		Scope:            w.Scope,
	}, nil
}

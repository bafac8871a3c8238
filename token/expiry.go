// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package token

import (
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
)

// IsExpired reports whether decoded token claims are expired at now. A token
// without an exp claim never expires.
func IsExpired(claims map[string]interface{}, now time.Time) bool {
	exp, ok := numericClaim(claims, "exp")
	if !ok {
		return false
	}
	return exp*1000 <= float64(now.UnixMilli())
}

// IsFresh reports whether the access token of r is still valid at now, using
// the stored issuedAt and expiresIn rather than decoding the token. An access
// token without an expiresIn is treated as fresh.
func IsFresh(r *Record, now time.Time) bool {
	if !r.HasAccessToken() {
		return false
	}
	if r.ExpiresIn == nil {
		return true
	}
	return r.IssuedAt+*r.ExpiresIn > now.Unix()
}

// IsRefreshTokenExpired reports whether the refresh token of r can no longer
// be used at now. A missing refresh token is expired. When the refresh token
// is a JWT its exp claim decides; otherwise the stored refresh_expires_in
// metadata is used when present, where zero means it doesn't expire.
func IsRefreshTokenExpired(r *Record, now time.Time) bool {
	if !r.HasRefreshToken() {
		return true
	}
	var claims map[string]interface{}
	if err := UnverifiedClaims(string(r.RefreshToken), &claims); err == nil {
		if _, ok := numericClaim(claims, "exp"); ok {
			return IsExpired(claims, now)
		}
	}
	if r.RefreshExpiresIn != nil && *r.RefreshExpiresIn > 0 {
		return r.IssuedAt+*r.RefreshExpiresIn <= now.Unix()
	}
	return false
}

func numericClaim(claims map[string]interface{}, name string) (float64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Policy applies the expiry rules against an injectable clock.
type Policy struct {
	clock clockwork.Clock
}

// NewPolicy creates a Policy.
// Supported options:
//
//	WithClock
func NewPolicy(opt ...Option) *Policy {
	opts := getPolicyOpts(opt...)
	return &Policy{clock: opts.withClock}
}

// Now returns the policy clock's current time.
func (p *Policy) Now() time.Time {
	return p.clock.Now()
}

// Fresh reports whether the access token of r is still valid.
func (p *Policy) Fresh(r *Record) bool {
	return IsFresh(r, p.clock.Now())
}

// RefreshTokenExpired reports whether the refresh token of r can no longer be
// used.
func (p *Policy) RefreshTokenExpired(r *Record) bool {
	return IsRefreshTokenExpired(r, p.clock.Now())
}

// LoggedIn reports whether r represents a logged in session without
// contacting the provider: it needs an unexpired refresh token.
func (p *Policy) LoggedIn(r *Record) bool {
	return !p.RefreshTokenExpired(r)
}

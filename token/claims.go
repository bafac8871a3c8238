// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package token

import (
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/hashicorp/oidc-session/internal/strutils"
)

// parseAlgs are the algorithms accepted when decoding a token's claims.
// Keycloak signs refresh tokens with HMAC, so the symmetric algs are included.
var parseAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// UnverifiedClaims decodes the claims of a compact JWT into claims without
// verifying its signature. The result is only suitable for local decisions
// like expiry checks; it must never be used to authorize anything.
func UnverifiedClaims(raw string, claims interface{}) error {
	const op = "token.UnverifiedClaims"
	if raw == "" {
		return fmt.Errorf("%s: token is empty: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	if strings.Count(raw, ".") != 2 {
		return fmt.Errorf("%s: not a compact jwt: %w", op, ErrMalformedToken)
	}
	parsed, err := jwt.ParseSigned(raw, parseAlgs)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrMalformedToken, err)
	}
	if err := parsed.UnsafeClaimsWithoutVerification(claims); err != nil {
		return fmt.Errorf("%s: unable to decode claims: %w: %w", op, ErrMalformedToken, err)
	}
	return nil
}

// Roles is a list of role names granted in a realm or to a client.
type Roles struct {
	Roles []string `json:"roles"`
}

// AccessClaims are the claims Keycloak includes in its access tokens.
type AccessClaims struct {
	jwt.Claims

	AuthorizedParty string           `json:"azp,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	SessionState    string           `json:"session_state,omitempty"`
	Scope           string           `json:"scope,omitempty"`
	RealmAccess     Roles            `json:"realm_access,omitempty"`
	ResourceAccess  map[string]Roles `json:"resource_access,omitempty"`
}

// ParseAccessClaims decodes the claims of an access token without verifying
// its signature.
func ParseAccessClaims(t AccessToken) (*AccessClaims, error) {
	const op = "token.ParseAccessClaims"
	var c AccessClaims
	if err := UnverifiedClaims(string(t), &c); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &c, nil
}

// HasRealmRole returns true if the realm granted role to the subject.
func (c *AccessClaims) HasRealmRole(role string) bool {
	if c == nil {
		return false
	}
	return strutils.StrListContains(c.RealmAccess.Roles, role)
}

// HasResourceRole returns true if the client resource granted role to the
// subject.
func (c *AccessClaims) HasResourceRole(resource, role string) bool {
	if c == nil {
		return false
	}
	r, ok := c.ResourceAccess[resource]
	if !ok {
		return false
	}
	return strutils.StrListContains(r.Roles, role)
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testprovider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

// testGenerateKey will generate a test ECDSA P-256 key pair
func testGenerateKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

// newSigner returns an ES256 JWT signer for key.
func newSigner(t testing.TB, key *ecdsa.PrivateKey, keyID string) jose.Signer {
	t.Helper()
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: jose.JSONWebKey{Key: key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)
	return sig
}

// SignJWT will bundle the provided claims into a signed JWT using the
// provider's key.
func (p *Provider) SignJWT(claims jwt.Claims, privateClaims interface{}) string {
	p.t.Helper()
	raw, err := jwt.Signed(p.signer).Claims(claims).Claims(privateClaims).Serialize()
	require.NoError(p.t, err)
	return raw
}

// jwks returns the provider's public key set.
func (p *Provider) jwks() *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{Key: p.key.Public(), KeyID: p.keyID, Algorithm: string(jose.ES256), Use: "sig"},
		},
	}
}

// s256 computes a PKCE S256 code challenge.
func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

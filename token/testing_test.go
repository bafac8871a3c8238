// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package token

import (
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

var testHMACKey = []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

// testSignJWT signs claims with HS512, the way Keycloak signs refresh tokens.
func testSignJWT(t *testing.T, claims interface{}) string {
	t.Helper()
	require := require.New(t)
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS512, Key: testHMACKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)
	raw, err := jwt.Signed(sig).Claims(claims).Serialize()
	require.NoError(err)
	return raw
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package id

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-uuid"
)

const (
	// StatePrefix prefixes authorization request states.
	StatePrefix = "st"

	// NoncePrefix prefixes authorization request nonces.
	NoncePrefix = "n"
)

// New generates a random ID with an optional prefix. IDs are suitable for use
// as an authorization request state or nonce.
func New(optionalPrefix string) (string, error) {
	id, err := uuid.GenerateRandomBytes(20)
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	encoded := encode(id)
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, encoded), nil
	default:
		return encoded, nil
	}
}

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// encode maps each random byte onto the base62 alphabet. The result is url
// safe and needs no escaping in a query string.
func encode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteByte(alphabet[int(c)%len(alphabet)])
	}
	return sb.String()
}

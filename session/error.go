// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")

	// ErrOffline means an online only operation was attempted while the
	// connectivity gate reports offline.
	ErrOffline = errors.New("offline")

	// ErrNotLoggedIn means the operation needs tokens which aren't stored.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrDiscovery means the realm's metadata is unavailable.
	ErrDiscovery = errors.New("discovery document unavailable")

	// ErrTokenExchange means the token endpoint rejected an authorization
	// code.
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrTokenRefresh means the token endpoint rejected a refresh token.
	ErrTokenRefresh = errors.New("token refresh failed")

	// ErrRevocation means revoking tokens or ending the provider session
	// failed. It's logged, never returned from Logout.
	ErrRevocation = errors.New("revocation failed")

	// ErrUserInfo means the user info endpoint request failed.
	ErrUserInfo = errors.New("user info request failed")

	// ErrLoginCanceled means the user canceled or dismissed the
	// authorization request.
	ErrLoginCanceled = errors.New("login canceled")

	// ErrAuthorization means the authorization request ended with an error.
	ErrAuthorization = errors.New("authorization failed")

	// ErrClosed means the controller was closed.
	ErrClosed = errors.New("controller closed")
)

// EndpointError is returned when a provider endpoint answered with an error.
// It unwraps to the sentinel of the failed operation, e.g. ErrTokenRefresh.
type EndpointError struct {
	Op          string
	StatusCode  int
	Code        string
	Description string
	Wrapped     error
}

// Error implements the error interface.
func (e *EndpointError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Wrapped)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Code)
	}
	if e.Description != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Description)
	}
	return msg
}

// Unwrap returns the wrapped error.
func (e *EndpointError) Unwrap() error {
	return e.Wrapped
}

// Rejected reports whether the provider refused the request itself, rather
// than failing to serve it.
func (e *EndpointError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authcode

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")

	// ErrUnsupportedRedirect means the redirect URL can't be served by a
	// loopback listener.
	ErrUnsupportedRedirect = errors.New("unsupported redirect url")

	// ErrResponseStateInvalid means the redirect's state doesn't match the
	// request's.
	ErrResponseStateInvalid = errors.New("invalid response state")

	// ErrMissingCode means a redirect without an error didn't carry a code.
	ErrMissingCode = errors.New("missing authorization code")
)

// ProviderError is the error a provider reported through the redirect.
type ProviderError struct {
	Code        string
	Description string
	URI         string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization error from provider: %s", e.Code)
	}
	return fmt.Sprintf("authorization error from provider: %s: %s", e.Code, e.Description)
}

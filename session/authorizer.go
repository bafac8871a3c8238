// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import "context"

// Authorizer builds an authorization request, presents it to the user and
// reports how the user answered. Implementations own the redirect and PKCE
// mechanics; the Controller only exchanges the code of a successful result.
type Authorizer interface {
	Authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error)
}

// AuthorizerFunc adapts a func to an Authorizer.
type AuthorizerFunc func(ctx context.Context, req *AuthRequest) (*AuthResult, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	return f(ctx, req)
}

// AuthRequest describes the authorization request to present.
type AuthRequest struct {
	AuthorizationEndpoint string
	ClientID              string
	RedirectURL           string
	Scopes                []string
	UsePKCE               bool

	// Options are extra query parameters for the authorization URL, e.g.
	// "prompt" or "kc_idp_hint".
	Options map[string]string
}

// ResultType discriminates an AuthResult.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultCancel  ResultType = "cancel"
	ResultError   ResultType = "error"
	ResultDismiss ResultType = "dismiss"
)

// AuthResult is the answer of an authorization request.
type AuthResult struct {
	Type ResultType

	// Params holds the redirect's query parameters. A success carries at
	// least "code".
	Params map[string]string

	// Error is set for ResultError.
	Error error

	// CodeVerifier is the PKCE verifier to send with the code exchange,
	// empty when PKCE isn't used.
	CodeVerifier string

	// RedirectURL is the redirect_uri the authorization request used. The
	// code exchange must repeat it. Empty means AuthRequest.RedirectURL.
	RedirectURL string
}

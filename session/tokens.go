// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"fmt"

	"github.com/hashicorp/oidc-session/token"
	"golang.org/x/oauth2"
)

// AccessToken returns the stored access token, refreshing it first when it's
// no longer fresh.
func (c *Controller) AccessToken(ctx context.Context) (token.AccessToken, error) {
	const op = "Controller.AccessToken"
	rec, err := c.freshTokens(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return rec.AccessToken, nil
}

// AccessClaims returns the unverified claims of the access token.
func (c *Controller) AccessClaims(ctx context.Context) (*token.AccessClaims, error) {
	const op = "Controller.AccessClaims"
	at, err := c.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, err := token.ParseAccessClaims(at)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return claims, nil
}

// HasRealmRole reports whether the access token grants the realm role.
func (c *Controller) HasRealmRole(ctx context.Context, role string) (bool, error) {
	const op = "Controller.HasRealmRole"
	claims, err := c.AccessClaims(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return claims.HasRealmRole(role), nil
}

// TokenSource returns an oauth2.TokenSource over the session, e.g. for
// oauth2.NewClient. Tokens are refreshed through the controller so the
// session's timer and storage stay consistent.
func (c *Controller) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c}
}

type tokenSource struct {
	ctx context.Context
	c   *Controller
}

// Token implements oauth2.TokenSource.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	const op = "tokenSource.Token"
	rec, err := ts.c.freshTokens(ts.ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rec.OAuth2(), nil
}

func (c *Controller) freshTokens(ctx context.Context) (*token.Record, error) {
	const op = "Controller.freshTokens"
	if c.isClosed() {
		return nil, fmt.Errorf("%s: %w", op, ErrClosed)
	}
	rec := c.current().store.Get(ctx)
	if !rec.HasAccessToken() {
		return nil, fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	if c.policy.Fresh(rec) {
		return rec, nil
	}
	return c.Refresh(ctx)
}

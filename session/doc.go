// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
Package session manages the token lifecycle of a public OIDC client logging
in to a Keycloak realm with the authorization code flow.

A Controller owns the session: it reads and persists tokens through a
store.TokenStore, resolves the realm's discovery document lazily, refreshes
access tokens ahead of their expiry and follows a connectivity.Gate. While
offline, operations needing the provider fail with ErrOffline and whether
the user is logged in is decided from the stored refresh token alone.

The user-facing part of a login is delegated to an Authorizer, see the
authcode package for one using the system browser and a loopback redirect.

Example:

	cfg, err := session.NewConfig("https://sso.example.com", "acme", "cli", redirectURL,
		session.WithPKCE(true))
	if err != nil {
		// handle error
	}
	st, err := store.NewTokenStore(store.NewMemoryStorage())
	if err != nil {
		// handle error
	}
	c, err := session.New(cfg, st, authorizer, connectivity.NewSignal(true))
	if err != nil {
		// handle error
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		// handle error
	}
	if !c.Status().IsLoggedIn {
		if _, err := c.Login(ctx, nil); err != nil {
			// handle error
		}
	}
	client := oauth2.NewClient(ctx, c.TokenSource(ctx))
*/
package session

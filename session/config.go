// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/oidc-session/discovery"
	"github.com/hashicorp/oidc-session/internal/strutils"
	"github.com/hashicorp/oidc-session/store"
)

const (
	// DefaultRefreshTimeBuffer is subtracted from an access token's lifetime
	// to refresh it before it expires.
	DefaultRefreshTimeBuffer = 10 * time.Second

	// DefaultTokenStorageKey is the key the token record is stored under.
	DefaultTokenStorageKey = store.DefaultKey

	// DefaultNativeRedirectPath is the path of a native app's redirect URL.
	DefaultNativeRedirectPath = "auth/redirect"
)

// Config is the resolved configuration of a session. It's created with
// NewConfig, which applies defaults and validates it, and is read only
// afterwards.
type Config struct {
	// URL is the base URL of the Keycloak server, e.g.
	// https://sso.example.com
	URL string

	// Realm is the realm of URL the client belongs to.
	Realm string

	// ClientID is the public client's id.
	ClientID string

	// RedirectURL is the redirect_uri of authorization requests.
	RedirectURL string

	// Scopes are the scopes to request, always including "openid".
	Scopes []string

	UsePKCE            bool
	DisableAutoRefresh bool

	// RefreshTimeBuffer is subtracted from the access token lifetime to
	// schedule refreshes early.
	RefreshTimeBuffer time.Duration

	// TokenStorageKey is the key of the token record in storage.
	TokenStorageKey string

	// NativeRedirectPath is the path of a native app's redirect URL.
	NativeRedirectPath string

	// ProviderCA is an optional CA cert to use when sending requests to the
	// provider.
	ProviderCA string
}

// NewConfig composes a new config for a session.
// Supported options:
//
//	WithScopes
//	WithPKCE
//	WithDisableAutoRefresh
//	WithRefreshTimeBuffer
//	WithTokenStorageKey
//	WithNativeRedirectPath
//	WithProviderCA
func NewConfig(realmURL, realm, clientID, redirectURL string, opt ...Option) (*Config, error) {
	const op = "session.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		URL:                realmURL,
		Realm:              realm,
		ClientID:           clientID,
		RedirectURL:        redirectURL,
		Scopes:             strutils.RemoveDuplicatesStable(append([]string{oidc.ScopeOpenID}, opts.withScopes...), false),
		UsePKCE:            opts.withPKCE,
		DisableAutoRefresh: opts.withDisableAutoRefresh,
		RefreshTimeBuffer:  opts.withRefreshTimeBuffer,
		TokenStorageKey:    opts.withTokenStorageKey,
		NativeRedirectPath: opts.withNativeRedirectPath,
		ProviderCA:         opts.withProviderCA,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid session config: %w", op, err)
	}
	return c, nil
}

// Validate the session configuration. It doesn't verify the realm is
// discoverable.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	switch {
	case c == nil:
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	case c.URL == "":
		return fmt.Errorf("%s: url is empty: %w", op, ErrInvalidParameter)
	case c.Realm == "":
		return fmt.Errorf("%s: realm is empty: %w", op, ErrInvalidParameter)
	case c.ClientID == "":
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	case c.RedirectURL == "":
		return fmt.Errorf("%s: redirect url is empty: %w", op, ErrInvalidParameter)
	case c.TokenStorageKey == "":
		return fmt.Errorf("%s: token storage key is empty: %w", op, ErrInvalidParameter)
	case c.RefreshTimeBuffer < 0:
		return fmt.Errorf("%s: refresh time buffer %s is negative: %w", op, c.RefreshTimeBuffer, ErrInvalidParameter)
	case !strutils.StrListContains(c.Scopes, oidc.ScopeOpenID):
		return fmt.Errorf("%s: scopes must include %q: %w", op, oidc.ScopeOpenID, ErrInvalidParameter)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%s: url %s is invalid: %w", op, c.URL, ErrInvalidParameter)
	}
	if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
		return fmt.Errorf("%s: url %s schema is not http or https: %w", op, c.URL, ErrInvalidParameter)
	}
	if _, err := url.Parse(c.RedirectURL); err != nil {
		return fmt.Errorf("%s: redirect url %s is invalid: %w", op, c.RedirectURL, ErrInvalidParameter)
	}
	return nil
}

// Issuer returns the realm's issuer URL.
func (c *Config) Issuer() string {
	return discovery.RealmURL(c.URL, c.Realm)
}

// IdentityHash returns a hash of the fields which identify a session. Two
// configs with different hashes can't share tokens, timers or discovery.
func (c *Config) IdentityHash() string {
	h := sha256.New()
	for _, f := range []string{
		c.URL,
		c.Realm,
		c.ClientID,
		c.RedirectURL,
		c.NativeRedirectPath,
		strconv.FormatBool(c.UsePKCE),
		c.TokenStorageKey,
	} {
		// length prefixes keep field boundaries unambiguous
		fmt.Fprintf(h, "%d:%s;", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package discovery resolves and memoizes a realm's OIDC discovery document.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	sdkHttp "github.com/hashicorp/oidc-session/sdk/http"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Document holds the provider endpoints a session needs. It's kept in memory
// only and never persisted.
type Document struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
}

// Endpoint returns the oauth2 endpoint of the document. Public clients send
// their client_id in the request body.
func (d *Document) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   d.AuthorizationEndpoint,
		TokenURL:  d.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// RealmURL returns the issuer URL of a Keycloak realm hosted at baseURL.
func RealmURL(baseURL, realm string) string {
	slash := "/"
	if strings.HasSuffix(baseURL, "/") {
		slash = ""
	}
	return baseURL + slash + "realms/" + url.PathEscape(realm)
}

// Cache lazily fetches the discovery document of an issuer and memoizes it
// for its lifetime. Concurrent callers share a single in-flight fetch and
// failed fetches are not memoized.
type Cache struct {
	issuer  string
	client  *http.Client
	logger  hclog.Logger
	timeout time.Duration

	group singleflight.Group

	mu  sync.RWMutex
	doc *Document
}

// NewCache creates a Cache for issuer. Creating a Cache makes no requests.
// Supported options:
//
//	WithHTTPClient
//	WithProviderCA
//	WithLogger
//	WithTimeout
func NewCache(issuer string, opt ...Option) (*Cache, error) {
	const op = "discovery.NewCache"
	if issuer == "" {
		return nil, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: issuer %s is invalid: %w", op, issuer, ErrInvalidParameter)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%s: issuer %s schema is not http or https: %w", op, issuer, ErrInvalidParameter)
	}
	opts := getCacheOpts(opt...)
	client := opts.withHTTPClient
	if client == nil {
		client, err = sdkHttp.NewClient(opts.withProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	return &Cache{
		issuer:  strings.TrimSuffix(issuer, "/"),
		client:  client,
		logger:  opts.withLogger,
		timeout: opts.withTimeout,
	}, nil
}

// Issuer returns the issuer the cache resolves.
func (c *Cache) Issuer() string {
	return c.issuer
}

// Cached returns the memoized document, or nil before a successful Resolve.
func (c *Cache) Cached() *Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc
}

// Reset drops the memoized document, the next Resolve fetches it again.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = nil
}

// Resolve returns the discovery document, fetching it on first use. Errors
// wrap ErrDiscovery.
func (c *Cache) Resolve(ctx context.Context) (*Document, error) {
	const op = "Cache.Resolve"
	if doc := c.Cached(); doc != nil {
		return doc, nil
	}

	ch := c.group.DoChan(c.issuer, func() (interface{}, error) {
		if doc := c.Cached(); doc != nil {
			return doc, nil
		}
		// the fetch is shared, so one caller giving up must not fail the
		// others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		doc, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.doc = doc
		c.mu.Unlock()
		return doc, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDiscovery, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%s: %w", op, res.Err)
		}
		return res.Val.(*Document), nil
	}
}

func (c *Cache) fetch(ctx context.Context) (*Document, error) {
	const op = "Cache.fetch"
	c.logger.Debug("fetching discovery document", "issuer", c.issuer)

	provider, err := oidc.NewProvider(sdkHttp.ClientContext(ctx, c.client), c.issuer)
	if err != nil {
		c.logger.Warn("discovery failed", "issuer", c.issuer, "error", err)
		return nil, fmt.Errorf("%s: unable to fetch discovery document: %w: %w", op, ErrDiscovery, err)
	}
	var doc Document
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery document: %w: %w", op, ErrDiscovery, err)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDiscovery, err)
	}
	c.logger.Debug("discovery document resolved", "issuer", doc.Issuer,
		"revocation", doc.RevocationEndpoint != "",
		"end_session", doc.EndSessionEndpoint != "",
		"userinfo", doc.UserInfoEndpoint != "")
	return &doc, nil
}

func (d *Document) validate() error {
	switch {
	case d.AuthorizationEndpoint == "":
		return errors.New("authorization_endpoint is missing")
	case d.TokenEndpoint == "":
		return errors.New("token_endpoint is missing")
	}
	return nil
}

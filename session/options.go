// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/discovery"
	"github.com/jonboulle/clockwork"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// configOptions is the set of available options for NewConfig
type configOptions struct {
	withScopes             []string
	withPKCE               bool
	withDisableAutoRefresh bool
	withRefreshTimeBuffer  time.Duration
	withTokenStorageKey    string
	withNativeRedirectPath string
	withProviderCA         string
}

func configDefaults() configOptions {
	return configOptions{
		withRefreshTimeBuffer:  DefaultRefreshTimeBuffer,
		withTokenStorageKey:    DefaultTokenStorageKey,
		withNativeRedirectPath: DefaultNativeRedirectPath,
	}
}

func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes to request. The required
// "openid" scope is always requested.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithPKCE provides an optional flag to use PKCE with the authorization code
// flow.
func WithPKCE(enabled bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withPKCE = enabled
		}
	}
}

// WithDisableAutoRefresh provides an optional flag to stop refreshing tokens
// ahead of their expiry.
func WithDisableAutoRefresh(disabled bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withDisableAutoRefresh = disabled
		}
	}
}

// WithRefreshTimeBuffer provides an optional margin subtracted from the
// access token lifetime to refresh early.
func WithRefreshTimeBuffer(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRefreshTimeBuffer = d
		}
	}
}

// WithTokenStorageKey provides an optional storage key for the token record.
func WithTokenStorageKey(key string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withTokenStorageKey = key
		}
	}
}

// WithNativeRedirectPath provides an optional path of a native app's redirect
// URL.
func WithNativeRedirectPath(path string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withNativeRedirectPath = path
		}
	}
}

// WithProviderCA provides an optional CA cert to use when sending requests to
// the provider.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// OfflineLogoutPolicy decides what Logout does while offline.
type OfflineLogoutPolicy int

const (
	// OfflineLogoutLocal clears the local tokens without notifying the
	// provider.
	OfflineLogoutLocal OfflineLogoutPolicy = iota

	// OfflineLogoutReject fails with ErrOffline.
	OfflineLogoutReject
)

// controllerOptions is the set of available options for New
type controllerOptions struct {
	withLogger              hclog.Logger
	withClock               clockwork.Clock
	withHTTPClient          *http.Client
	withDiscovery           *discovery.Cache
	withOfflineLogoutPolicy OfflineLogoutPolicy
}

func controllerDefaults() controllerOptions {
	return controllerOptions{
		withLogger:              hclog.NewNullLogger(),
		withClock:               clockwork.NewRealClock(),
		withOfflineLogoutPolicy: OfflineLogoutLocal,
	}
}

func getControllerOpts(opt ...Option) controllerOptions {
	opts := controllerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*controllerOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithClock provides an optional clock, used for token expiry and the refresh
// timer.
func WithClock(c clockwork.Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*controllerOptions); ok && c != nil {
			o.withClock = c
		}
	}
}

// WithHTTPClient provides an optional http client for every provider request.
// It takes precedence over the config's ProviderCA.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*controllerOptions); ok {
			o.withHTTPClient = c
		}
	}
}

// WithDiscovery provides an optional discovery cache for the config's
// issuer, e.g. one shared with other components.
func WithDiscovery(d *discovery.Cache) Option {
	return func(o interface{}) {
		if o, ok := o.(*controllerOptions); ok {
			o.withDiscovery = d
		}
	}
}

// WithOfflineLogoutPolicy provides an optional policy for Logout while
// offline.
func WithOfflineLogoutPolicy(p OfflineLogoutPolicy) Option {
	return func(o interface{}) {
		if o, ok := o.(*controllerOptions); ok {
			o.withOfflineLogoutPolicy = p
		}
	}
}

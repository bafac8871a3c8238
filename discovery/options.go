// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package discovery

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultTimeout bounds a single discovery fetch.
const DefaultTimeout = 30 * time.Second

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

type cacheOptions struct {
	withHTTPClient *http.Client
	withProviderCA string
	withLogger     hclog.Logger
	withTimeout    time.Duration
}

func cacheDefaults() cacheOptions {
	return cacheOptions{
		withLogger:  hclog.NewNullLogger(),
		withTimeout: DefaultTimeout,
	}
}

func getCacheOpts(opt ...Option) cacheOptions {
	opts := cacheDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithHTTPClient provides an optional http client, it takes precedence over
// WithProviderCA
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*cacheOptions); ok {
			o.withHTTPClient = c
		}
	}
}

// WithProviderCA provides an optional CA cert for requests to the provider
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*cacheOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithLogger provides an optional logger
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*cacheOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithTimeout provides an optional timeout for a discovery fetch
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*cacheOptions); ok && d > 0 {
			o.withTimeout = d
		}
	}
}

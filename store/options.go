// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package store

import "github.com/hashicorp/go-hclog"

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

type tokenStoreOptions struct {
	withKey    string
	withLogger hclog.Logger
}

func tokenStoreDefaults() tokenStoreOptions {
	return tokenStoreOptions{
		withKey:    DefaultKey,
		withLogger: hclog.NewNullLogger(),
	}
}

func getTokenStoreOpts(opt ...Option) tokenStoreOptions {
	opts := tokenStoreDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithKey provides an optional storage key for the token record
func WithKey(key string) Option {
	return func(o interface{}) {
		if o, ok := o.(*tokenStoreOptions); ok {
			o.withKey = key
		}
	}
}

// WithLogger provides an optional logger
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*tokenStoreOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

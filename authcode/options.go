// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authcode

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultTimeout is how long an Authorizer waits for the redirect before
// reporting the request as dismissed.
const DefaultTimeout = 5 * time.Minute

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

type authorizerOptions struct {
	withPrompter Prompter
	withLogger   hclog.Logger
	withTimeout  time.Duration
}

func authorizerDefaults() authorizerOptions {
	return authorizerOptions{
		withPrompter: &BrowserPrompter{},
		withLogger:   hclog.NewNullLogger(),
		withTimeout:  DefaultTimeout,
	}
}

func getAuthorizerOpts(opt ...Option) authorizerOptions {
	opts := authorizerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPrompter provides an optional way of presenting the authorization URL
func WithPrompter(p Prompter) Option {
	return func(o interface{}) {
		if o, ok := o.(*authorizerOptions); ok && p != nil {
			o.withPrompter = p
		}
	}
}

// WithLogger provides an optional logger
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*authorizerOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithTimeout provides an optional time to wait for the redirect
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*authorizerOptions); ok && d > 0 {
			o.withTimeout = d
		}
	}
}

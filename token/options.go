// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package token

import "github.com/jonboulle/clockwork"

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

type policyOptions struct {
	withClock clockwork.Clock
}

func policyDefaults() policyOptions {
	return policyOptions{withClock: clockwork.NewRealClock()}
}

func getPolicyOpts(opt ...Option) policyOptions {
	opts := policyDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClock provides an optional clock for a Policy
func WithClock(c clockwork.Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*policyOptions); ok && c != nil {
			o.withClock = c
		}
	}
}

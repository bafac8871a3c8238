// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

type schedulerOptions struct {
	withClock    clockwork.Clock
	withLogger   hclog.Logger
	withDisabled bool
}

func schedulerDefaults() schedulerOptions {
	return schedulerOptions{
		withClock:  clockwork.NewRealClock(),
		withLogger: hclog.NewNullLogger(),
	}
}

func getSchedulerOpts(opt ...Option) schedulerOptions {
	opts := schedulerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClock provides an optional clock, fake clocks make timers testable
func WithClock(c clockwork.Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*schedulerOptions); ok && c != nil {
			o.withClock = c
		}
	}
}

// WithLogger provides an optional logger
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*schedulerOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithDisabled turns Schedule into a no-op
func WithDisabled(disabled bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*schedulerOptions); ok {
			o.withDisabled = disabled
		}
	}
}

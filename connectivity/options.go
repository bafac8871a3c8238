// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connectivity

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultInterval between two reachability checks.
	DefaultInterval = 30 * time.Second

	// DefaultProbeTimeout bounds a single reachability check.
	DefaultProbeTimeout = 5 * time.Second
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

type probeOptions struct {
	withClock      clockwork.Clock
	withLogger     hclog.Logger
	withHTTPClient *http.Client
	withInterval   time.Duration
	withTimeout    time.Duration
	withSignal     *Signal
}

func probeDefaults() probeOptions {
	return probeOptions{
		withClock:    clockwork.NewRealClock(),
		withLogger:   hclog.NewNullLogger(),
		withInterval: DefaultInterval,
		withTimeout:  DefaultProbeTimeout,
	}
}

func getProbeOpts(opt ...Option) probeOptions {
	opts := probeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClock provides an optional clock driving the probe's ticker
func WithClock(c clockwork.Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*probeOptions); ok && c != nil {
			o.withClock = c
		}
	}
}

// WithLogger provides an optional logger
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*probeOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithHTTPClient provides an optional http client for the checks
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*probeOptions); ok {
			o.withHTTPClient = c
		}
	}
}

// WithInterval provides an optional interval between checks
func WithInterval(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*probeOptions); ok && d > 0 {
			o.withInterval = d
		}
	}
}

// WithTimeout provides an optional timeout for a single check
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*probeOptions); ok && d > 0 {
			o.withTimeout = d
		}
	}
}

// WithSignal provides an optional Signal for the probe to drive
func WithSignal(s *Signal) Option {
	return func(o interface{}) {
		if o, ok := o.(*probeOptions); ok && s != nil {
			o.withSignal = s
		}
	}
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	sdkHttp "github.com/hashicorp/oidc-session/sdk/http"
	"github.com/jonboulle/clockwork"
)

// Probe is a Gate driven by periodically checking that a URL answers. Any
// HTTP response counts as reachable; transport errors and timeouts count as
// unreachable.
type Probe struct {
	target   string
	client   *http.Client
	clock    clockwork.Clock
	logger   hclog.Logger
	interval time.Duration
	timeout  time.Duration
	signal   *Signal
}

var _ Gate = (*Probe)(nil)

// NewProbe creates a Probe checking target. It reports offline until the
// first check completes.
// Supported options:
//
//	WithClock
//	WithLogger
//	WithHTTPClient
//	WithInterval
//	WithTimeout
//	WithSignal
func NewProbe(target string, opt ...Option) (*Probe, error) {
	const op = "connectivity.NewProbe"
	u, err := url.Parse(target)
	switch {
	case target == "":
		return nil, fmt.Errorf("%s: target is empty: %w", op, ErrInvalidParameter)
	case err != nil:
		return nil, fmt.Errorf("%s: target %s is invalid: %w", op, target, ErrInvalidParameter)
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("%s: target %s schema is not http or https: %w", op, target, ErrInvalidParameter)
	}
	opts := getProbeOpts(opt...)
	client := opts.withHTTPClient
	if client == nil {
		if client, err = sdkHttp.NewClient(""); err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	signal := opts.withSignal
	if signal == nil {
		signal = &Signal{}
	}
	return &Probe{
		target:   target,
		client:   client,
		clock:    opts.withClock,
		logger:   opts.withLogger,
		interval: opts.withInterval,
		timeout:  opts.withTimeout,
		signal:   signal,
	}, nil
}

// Online implements Gate.
func (p *Probe) Online() bool { return p.signal.Online() }

// Subscribe implements Gate.
func (p *Probe) Subscribe(fn func(online bool)) func() { return p.signal.Subscribe(fn) }

// Check performs a single reachability check and updates the gate.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			online = true
		}
	}
	if was := p.signal.Online(); was != online {
		p.logger.Info("connectivity changed", "online", online, "target", p.target, "error", err)
	}
	p.signal.Set(online)
	return online
}

// Run checks immediately and then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			p.Check(ctx)
		}
	}
}

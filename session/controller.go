// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/connectivity"
	"github.com/hashicorp/oidc-session/discovery"
	"github.com/hashicorp/oidc-session/scheduler"
	sdkHttp "github.com/hashicorp/oidc-session/sdk/http"
	"github.com/hashicorp/oidc-session/store"
	"github.com/hashicorp/oidc-session/token"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// Controller drives the token lifecycle of a session: it decides whether the
// session is authenticated, which operations are permitted, when tokens are
// refreshed and how local state recovers from rejected tokens.
//
// At most one token mutating operation (Login, Refresh, Logout and
// re-initialization) runs at a time; others wait for it. At most one refresh
// timer is armed at any time. LoadUserInfo doesn't mutate tokens and isn't
// serialized; clearing the session after a rejected access token waits like
// the other operations.
type Controller struct {
	logger        hclog.Logger
	clock         clockwork.Clock
	policy        *token.Policy
	auth          Authorizer
	gate          connectivity.Gate
	offlineLogout OfflineLogoutPolicy
	sched         *scheduler.Scheduler
	ownClient     bool

	sem *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu              sync.Mutex
	env             environment
	ops             operations
	generation      uint64
	status          Status
	started         bool
	closed          bool
	unsubscribeGate func()
	observers       []observer
	nextObserver    int
	pending         []notification
	notifying       bool
}

// environment is what operations need of the current configuration. It's
// replaced as a whole when the session's identity changes.
type environment struct {
	cfg    *Config
	store  *store.TokenStore
	disc   *discovery.Cache
	client *http.Client
}

type observer struct {
	id int
	fn func(Status)
}

// notification is a status change waiting to be delivered to the observers
// registered when it happened.
type notification struct {
	status    Status
	observers []observer
}

// New creates a Controller for cfg. Tokens are read from and written to st
// under cfg.TokenStorageKey. A nil gate is treated as always offline.
// The Controller doesn't do anything until Start.
// Supported options:
//
//	WithLogger
//	WithClock
//	WithHTTPClient
//	WithDiscovery
//	WithOfflineLogoutPolicy
func New(cfg *Config, st *store.TokenStore, auth Authorizer, gate connectivity.Gate, opt ...Option) (*Controller, error) {
	const op = "session.New"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case st == nil:
		return nil, fmt.Errorf("%s: token store is nil: %w", op, ErrNilParameter)
	case auth == nil:
		return nil, fmt.Errorf("%s: authorizer is nil: %w", op, ErrNilParameter)
	}
	if gate == nil {
		gate = &connectivity.Signal{}
	}
	opts := getControllerOpts(opt...)
	logger := opts.withLogger

	c := &Controller{
		logger:        logger,
		clock:         opts.withClock,
		policy:        token.NewPolicy(token.WithClock(opts.withClock)),
		auth:          auth,
		gate:          gate,
		offlineLogout: opts.withOfflineLogoutPolicy,
		sched: scheduler.New(
			scheduler.WithClock(opts.withClock),
			scheduler.WithLogger(logger.Named("scheduler")),
			scheduler.WithDisabled(cfg.DisableAutoRefresh),
		),
		ownClient: opts.withHTTPClient == nil,
		sem:       semaphore.NewWeighted(1),
	}
	c.baseCtx, c.cancelBase = context.WithCancel(context.Background())

	var err error
	c.env, err = c.newEnvironment(cfg, st, opts.withHTTPClient, opts.withDiscovery)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.ops = c.operationsFor(gate.Online())
	return c, nil
}

func (c *Controller) newEnvironment(cfg *Config, st *store.TokenStore, client *http.Client, disc *discovery.Cache) (environment, error) {
	const op = "Controller.newEnvironment"
	var err error
	if client == nil {
		if client, err = sdkHttp.NewClient(cfg.ProviderCA); err != nil {
			return environment{}, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	if st.Key() != cfg.TokenStorageKey {
		if st, err = st.WithKey(cfg.TokenStorageKey); err != nil {
			return environment{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	if disc == nil || disc.Issuer() != strings.TrimSuffix(cfg.Issuer(), "/") {
		disc, err = discovery.NewCache(cfg.Issuer(),
			discovery.WithHTTPClient(client),
			discovery.WithLogger(c.logger.Named("discovery")),
		)
		if err != nil {
			return environment{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	return environment{cfg: cfg, store: st, disc: disc, client: client}, nil
}

func (c *Controller) operationsFor(online bool) operations {
	if online {
		return &onlineOperations{c: c}
	}
	return &offlineOperations{c: c}
}

// Start subscribes to connectivity changes and performs the initial check.
// The error of the initial check is returned, but the controller keeps
// following connectivity changes regardless.
func (c *Controller) Start(ctx context.Context) error {
	const op = "Controller.Start"
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrClosed)
	case c.started:
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.unsubscribeGate = c.gate.Subscribe(c.onConnectivity)
	c.mu.Unlock()

	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close stops following connectivity, cancels the refresh timer and waits for
// background work to finish. Operations fail with ErrClosed afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	unsubscribe := c.unsubscribeGate
	c.mu.Unlock()

	c.sched.Cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancelBase()
	c.wg.Wait()
	c.logger.Debug("session controller closed")
	return nil
}

// Init re-initializes the session: the refresh timer is cancelled, the
// operation set is chosen from the current connectivity and the stored tokens
// are checked. Online, a stored refresh token that hasn't expired is refreshed
// right away. A discovery failure leaves the session unauthenticated without
// touching the stored tokens.
func (c *Controller) Init(ctx context.Context) error {
	const op = "Controller.Init"
	// a late timer must not refresh while we wait for a running operation
	c.invalidate()
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer c.release()
	if err := c.initLocked(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Controller) initLocked(ctx context.Context) error {
	const op = "Controller.init"
	c.invalidate()
	online := c.gate.Online()
	c.mu.Lock()
	c.ops = c.operationsFor(online)
	ops, env := c.ops, c.env
	c.mu.Unlock()

	c.update(func(s Status) Status {
		s.State = StateChecking
		s.Online = online
		return s
	})
	tokens := env.store.Get(ctx)

	if !online {
		loggedIn := c.policy.LoggedIn(tokens)
		c.logger.Debug("offline, using stored tokens", "logged_in", loggedIn)
		c.update(settled(loggedIn, tokens))
		return nil
	}
	if _, err := env.disc.Resolve(ctx); err != nil {
		c.update(settled(false, nil))
		return fmt.Errorf("%s: %w: %w", op, ErrDiscovery, err)
	}
	if !c.policy.LoggedIn(tokens) {
		c.logger.Debug("no usable refresh token stored")
		c.update(settled(false, nil))
		return nil
	}
	// the stored access token may be stale, so it's never trusted as is
	if _, err := ops.refresh(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Reconfigure applies cfg. When cfg changes the session's identity the
// session is torn down and rebuilt: the timer is cancelled, discovery is
// resolved again and tokens are read under the new storage key. Otherwise
// only the refresh settings change.
func (c *Controller) Reconfigure(ctx context.Context, cfg *Config) error {
	const op = "Controller.Reconfigure"
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.mu.Lock()
	prev := c.env
	c.mu.Unlock()

	if prev.cfg.IdentityHash() != cfg.IdentityHash() {
		c.invalidate()
	}
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer c.release()

	c.mu.Lock()
	prev = c.env
	c.mu.Unlock()
	c.sched.SetDisabled(cfg.DisableAutoRefresh)

	if prev.cfg.IdentityHash() == cfg.IdentityHash() {
		next := prev
		next.cfg = cfg
		if cfg.ProviderCA != prev.cfg.ProviderCA && c.ownClient {
			client, err := sdkHttp.NewClient(cfg.ProviderCA)
			if err != nil {
				return fmt.Errorf("%s: unable to create http client: %w", op, err)
			}
			next.client = client
		}
		c.mu.Lock()
		c.env = next
		c.mu.Unlock()
		if s := c.Status(); s.State == StateAuthenticated && s.Online {
			c.arm(next.store.Get(ctx))
		}
		c.logger.Debug("session settings updated")
		return nil
	}

	var client *http.Client
	if !c.ownClient || cfg.ProviderCA == prev.cfg.ProviderCA {
		client = prev.client
	}
	next, err := c.newEnvironment(cfg, prev.store, client, prev.disc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if next.disc == prev.disc {
		next.disc.Reset()
	}
	c.mu.Lock()
	c.env = next
	c.mu.Unlock()
	c.logger.Info("session identity changed, reinitializing", "issuer", cfg.Issuer(), "client_id", cfg.ClientID)

	if err := c.initLocked(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Login presents an authorization request and exchanges its code for tokens.
// The authorizer's result is returned, also when the login fails after the
// authorization.
func (c *Controller) Login(ctx context.Context, opts map[string]string) (*AuthResult, error) {
	const op = "Controller.Login"
	if err := c.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer c.release()
	return c.operations().login(ctx, opts)
}

// Logout ends the session. Online, the provider is notified on a best effort
// basis; the local tokens are always cleared.
func (c *Controller) Logout(ctx context.Context) error {
	const op = "Controller.Logout"
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer c.release()
	return c.operations().logout(ctx)
}

// Refresh performs a silent refresh with the stored refresh token. When the
// provider rejects the refresh token the session is cleared locally and the
// rejection is returned; it must not be retried.
func (c *Controller) Refresh(ctx context.Context) (*token.Record, error) {
	const op = "Controller.Refresh"
	if err := c.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer c.release()
	return c.operations().refresh(ctx)
}

// LoadUserInfo returns the user info claims of the session. When the provider
// rejects the access token the session is cleared locally.
func (c *Controller) LoadUserInfo(ctx context.Context) (map[string]interface{}, error) {
	const op = "Controller.LoadUserInfo"
	if c.isClosed() {
		return nil, fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return c.operations().userInfo(ctx)
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Tokens = s.Tokens.Clone()
	return s
}

// Subscribe registers fn to be called with every new status, in order.
// Calls happen once the operation performing the transition has finished, so
// fn may call the Controller's operations. fn is never called concurrently.
func (c *Controller) Subscribe(fn func(Status)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObserver++
	id := c.nextObserver
	c.observers = append(c.observers, observer{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, o := range c.observers {
				if o.id == id {
					c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// update applies a status transition and queues it for the observers. The
// queue is delivered by release.
func (c *Controller) update(fn func(Status) Status) Status {
	c.mu.Lock()
	c.status = transition(c.status, fn)
	next := c.status
	if len(c.observers) > 0 {
		observers := make([]observer, len(c.observers))
		copy(observers, c.observers)
		c.pending = append(c.pending, notification{status: next, observers: observers})
	}
	c.mu.Unlock()

	c.logger.Trace("session status", "state", next.State, "logged_in", next.IsLoggedIn, "online", next.Online)
	return next
}

// notify delivers the queued status changes. Only one goroutine delivers at a
// time; a call made meanwhile, e.g. by an observer's operation, leaves its
// changes to that goroutine.
func (c *Controller) notify() {
	c.mu.Lock()
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for len(c.pending) > 0 {
		n := c.pending[0]
		c.pending[0] = notification{}
		c.pending = c.pending[1:]
		c.mu.Unlock()
		for _, o := range n.observers {
			s := n.status
			s.Tokens = n.status.Tokens.Clone()
			o.fn(s)
		}
		c.mu.Lock()
	}
	c.pending = nil
	c.notifying = false
	c.mu.Unlock()
}

func (c *Controller) operations() operations {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops
}

func (c *Controller) current() environment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// acquire waits for the token mutating operation in flight, if any.
func (c *Controller) acquire(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if c.isClosed() {
		c.sem.Release(1)
		return ErrClosed
	}
	return nil
}

// release ends the operation in flight and notifies observers of its status
// changes.
func (c *Controller) release() {
	c.sem.Release(1)
	c.notify()
}

// invalidate cancels the refresh timer and makes callbacks of timers armed
// before it stale.
func (c *Controller) invalidate() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	c.sched.Cancel()
}

// arm schedules the next refresh of rec, refreshTimeBuffer ahead of its
// expiry.
func (c *Controller) arm(rec *token.Record) {
	c.mu.Lock()
	gen, buffer := c.generation, c.env.cfg.RefreshTimeBuffer
	c.mu.Unlock()
	if rec.ExpiresIn == nil {
		c.sched.Cancel()
		c.logger.Debug("access token has no expiry, no refresh scheduled")
		return
	}
	delay := rec.ExpiresAt().Sub(c.clock.Now()) - buffer
	if c.sched.Schedule(delay, func() { c.onTimer(gen) }) {
		c.logger.Debug("refresh scheduled", "in", delay)
	}
}

func (c *Controller) onTimer(gen uint64) {
	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		c.logger.Trace("dropping stale refresh timer")
		return
	}
	c.wg.Add(1)
	ctx := c.baseCtx
	c.mu.Unlock()
	defer c.wg.Done()

	if err := c.acquire(ctx); err != nil {
		return
	}
	defer c.release()

	c.mu.Lock()
	stale := c.generation != gen
	ops := c.ops
	c.mu.Unlock()
	switch {
	case stale:
		c.logger.Trace("session reinitialized while waiting, dropping refresh timer")
		return
	case c.sched.Pending():
		// a login or refresh completed meanwhile and re-armed the timer
		return
	case !ops.online():
		return
	}
	c.logger.Debug("refresh timer fired")
	if _, err := ops.refresh(ctx); err != nil {
		c.logger.Warn("scheduled refresh failed", "error", err)
	}
}

// onConnectivity switches operation sets right away and re-initializes in the
// background.
func (c *Controller) onConnectivity(online bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.ops = c.operationsFor(online)
	c.wg.Add(1)
	ctx := c.baseCtx
	c.mu.Unlock()
	c.sched.Cancel()

	go func() {
		defer c.wg.Done()
		c.logger.Info("connectivity changed, reinitializing session", "online", online)
		if err := c.Init(ctx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("reinitializing session failed", "error", err)
		}
	}()
}

// clearLocal resets the stored tokens and the timer. It's the local half of
// a logout and runs even when ctx is done.
func (c *Controller) clearLocal(ctx context.Context, st *store.TokenStore) error {
	const op = "Controller.clearLocal"
	c.sched.Cancel()
	err := st.Reset(context.WithoutCancel(ctx))
	c.update(settled(false, nil))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// clearRejected clears the session after the provider rejected accessToken,
// unless it was replaced in the meantime.
func (c *Controller) clearRejected(ctx context.Context, st *store.TokenStore, accessToken token.AccessToken) {
	ctx = context.WithoutCancel(ctx)
	if err := c.acquire(ctx); err != nil {
		return
	}
	defer c.release()
	if st.Get(ctx).AccessToken != accessToken {
		c.logger.Debug("rejected access token already replaced, keeping session")
		return
	}
	c.logger.Info("access token rejected, clearing session")
	if err := c.clearLocal(ctx, st); err != nil {
		c.logger.Warn("unable to clear session", "error", err)
	}
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/oidc-session/connectivity"
	"github.com/hashicorp/oidc-session/internal/testprovider"
	"github.com/hashicorp/oidc-session/store"
	"github.com/hashicorp/oidc-session/token"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testRedirectURL = "http://127.0.0.1:8250/callback"

// testAuthorizer plays the user agent: it visits the authorization endpoint
// and reads the code from the redirect without following it.
type testAuthorizer struct {
	client *http.Client
	calls  atomic.Int32

	mu       sync.Mutex
	result   *AuthResult
	block    chan struct{}
	entered  chan struct{}
	requests []*AuthRequest
}

func newTestAuthorizer(client *http.Client) *testAuthorizer {
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &testAuthorizer{client: &noRedirect}
}

// answer makes the authorizer return res without visiting the provider.
func (a *testAuthorizer) answer(res *AuthResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result = res
}

// hold makes the next Authorize calls wait for the returned release func.
// entered is closed once an Authorize call is waiting.
func (a *testAuthorizer) hold() (entered <-chan struct{}, release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.block = make(chan struct{})
	a.entered = make(chan struct{})
	block := a.block
	var once sync.Once
	return a.entered, func() { once.Do(func() { close(block) }) }
}

func (a *testAuthorizer) lastRequest() *AuthRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return nil
	}
	return a.requests[len(a.requests)-1]
}

func (a *testAuthorizer) Authorize(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.requests = append(a.requests, req)
	result, block, entered := a.result, a.block, a.entered
	a.entered = nil
	a.mu.Unlock()

	if block != nil {
		if entered != nil {
			close(entered)
		}
		select {
		case <-block:
		case <-ctx.Done():
			return &AuthResult{Type: ResultCancel}, nil
		}
	}
	if result != nil {
		return result, nil
	}

	cfg := oauth2.Config{
		ClientID:    req.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: req.AuthorizationEndpoint},
		RedirectURL: req.RedirectURL,
		Scopes:      req.Scopes,
	}
	var opts []oauth2.AuthCodeOption
	var verifier string
	if req.UsePKCE {
		verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	for k, v := range req.Options {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.AuthCodeURL("test-state", opts...), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	loc, err := resp.Location()
	if err != nil {
		return nil, fmt.Errorf("authorization endpoint didn't redirect: %w", err)
	}
	q := loc.Query()
	params := make(map[string]string, len(q))
	for k := range q {
		params[k] = q.Get(k)
	}
	if params["error"] != "" {
		return &AuthResult{Type: ResultError, Params: params, Error: errors.New(params["error"])}, nil
	}
	return &AuthResult{
		Type:         ResultSuccess,
		Params:       params,
		CodeVerifier: verifier,
		RedirectURL:  req.RedirectURL,
	}, nil
}

type fixture struct {
	t       *testing.T
	tp      *testprovider.Provider
	clock   clockwork.FakeClock
	storage *store.MemoryStorage
	store   *store.TokenStore
	gate    *connectivity.Signal
	auth    *testAuthorizer
	cfg     *Config
	c       *Controller
}

type fixtureOptions struct {
	online     bool
	configOpts []Option
	ctrlOpts   []Option
}

type fixtureOption func(*fixtureOptions)

func offline() fixtureOption {
	return func(o *fixtureOptions) { o.online = false }
}

func withConfig(opt ...Option) fixtureOption {
	return func(o *fixtureOptions) { o.configOpts = append(o.configOpts, opt...) }
}

func withController(opt ...Option) fixtureOption {
	return func(o *fixtureOptions) { o.ctrlOpts = append(o.ctrlOpts, opt...) }
}

// newFixture creates a controller, not yet started, against a test provider
// sharing a fake clock.
func newFixture(t *testing.T, opt ...fixtureOption) *fixture {
	t.Helper()
	require := require.New(t)
	opts := fixtureOptions{online: true}
	for _, o := range opt {
		o(&opts)
	}

	clock := clockwork.NewFakeClock()
	tp := testprovider.Start(t, testprovider.WithClock(clock))
	storage := store.NewMemoryStorage()
	ts, err := store.NewTokenStore(storage)
	require.NoError(err)
	cfg, err := NewConfig(tp.Addr(), testprovider.Realm, tp.ClientID(), testRedirectURL, opts.configOpts...)
	require.NoError(err)
	gate := connectivity.NewSignal(opts.online)
	auth := newTestAuthorizer(tp.HTTPClient())

	ctrlOpts := append([]Option{WithClock(clock), WithHTTPClient(tp.HTTPClient())}, opts.ctrlOpts...)
	c, err := New(cfg, ts, auth, gate, ctrlOpts...)
	require.NoError(err)
	t.Cleanup(func() { _ = c.Close() })

	return &fixture{
		t:       t,
		tp:      tp,
		clock:   clock,
		storage: storage,
		store:   ts,
		gate:    gate,
		auth:    auth,
		cfg:     cfg,
		c:       c,
	}
}

// seed stores tokens as if a login happened at issuedAt.
func (f *fixture) seed(issuedAt time.Time, expiresIn time.Duration) *token.Record {
	f.t.Helper()
	r := f.tp.IssueTokens(issuedAt, expiresIn)
	require.NoError(f.t, f.store.Set(context.Background(), r))
	return r
}

// login starts the controller and logs in.
func (f *fixture) login() {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.c.Start(ctx))
	res, err := f.c.Login(ctx, nil)
	require.NoError(f.t, err)
	require.Equal(f.t, ResultSuccess, res.Type)
}

// stored returns the persisted record, nil when nothing is stored.
func (f *fixture) stored() *token.Record {
	f.t.Helper()
	data, err := f.storage.Get(context.Background(), f.store.Key())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	require.NoError(f.t, err)
	r, err := token.UnmarshalRecord(data)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) eventuallyCount(e testprovider.Endpoint, n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.tp.Count(e) == n }, 5*time.Second, 10*time.Millisecond,
		"expected %d %s calls", n, e)
}

func (f *fixture) neverMoreThan(e testprovider.Endpoint, n int) {
	f.t.Helper()
	require.Never(f.t, func() bool { return f.tp.Count(e) > n }, 200*time.Millisecond, 10*time.Millisecond,
		"expected at most %d %s calls", n, e)
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/oidc-session/internal/testprovider"
	"github.com/hashicorp/oidc-session/store"
	"github.com/hashicorp/oidc-session/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNew(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfig("https://sso.example.com", "acme", "app", testRedirectURL)
	require.NoError(t, err)
	ts, err := store.NewTokenStore(store.NewMemoryStorage())
	require.NoError(t, err)
	auth := AuthorizerFunc(func(context.Context, *AuthRequest) (*AuthResult, error) { return nil, nil })

	tests := []struct {
		name    string
		cfg     *Config
		st      *store.TokenStore
		auth    Authorizer
		wantErr error
	}{
		{name: "valid", cfg: cfg, st: ts, auth: auth},
		{name: "nil-config", cfg: nil, st: ts, auth: auth, wantErr: ErrNilParameter},
		{name: "nil-store", cfg: cfg, st: nil, auth: auth, wantErr: ErrNilParameter},
		{name: "nil-authorizer", cfg: cfg, st: ts, auth: nil, wantErr: ErrNilParameter},
		{name: "invalid-config", cfg: &Config{URL: "https://sso.example.com"}, st: ts, auth: auth, wantErr: ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			c, err := New(tt.cfg, tt.st, tt.auth, nil)
			if tt.wantErr != nil {
				require.ErrorIs(err, tt.wantErr)
				return
			}
			require.NoError(err)
			defer c.Close()
			s := c.Status()
			assert.Equal(StateUninitialized, s.State)
			assert.False(s.Ready)

			// no gate means offline
			_, err = c.Login(context.Background(), nil)
			require.ErrorIs(err, ErrOffline)
		})
	}

	t.Run("store-key-follows-config", func(t *testing.T) {
		require := require.New(t)
		cfg, err := NewConfig("https://sso.example.com", "acme", "app", testRedirectURL, WithTokenStorageKey("custom"))
		require.NoError(err)
		c, err := New(cfg, ts, auth, nil)
		require.NoError(err)
		defer c.Close()
		require.Equal("custom", c.current().store.Key())
	})
}

// Scenario A: online without stored tokens.
func TestController_Start_noTokens(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	f := newFixture(t)

	var mu sync.Mutex
	var states []State
	f.c.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})

	require.NoError(f.c.Start(context.Background()))
	s := f.c.Status()
	assert.Equal(StateUnauthenticated, s.State)
	assert.True(s.Ready)
	assert.False(s.IsLoggedIn)
	assert.True(s.Online)
	assert.Nil(s.Tokens)
	assert.Zero(f.tp.Count(testprovider.Token))
	assert.Zero(f.tp.Count(testprovider.Refresh))
	assert.Equal(1, f.tp.Count(testprovider.Discovery))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal([]State{StateChecking, StateUnauthenticated}, states)
}

// Scenario B: a stale access token with a usable refresh token is refreshed
// at start, and the next refresh is scheduled from the new expiry.
func TestController_Start_refreshesStoredTokens(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	f := newFixture(t)
	f.tp.SetRefreshTokenTTL(2 * time.Hour)
	seeded := f.seed(f.clock.Now().Add(-3600*time.Second), 1800*time.Second)
	f.tp.SetAccessTokenTTL(3600 * time.Second)

	require.NoError(f.c.Start(context.Background()))
	assert.Equal(1, f.tp.Count(testprovider.Refresh))
	assert.Equal(string(seeded.RefreshToken), f.tp.LastForm(testprovider.Refresh).Get("refresh_token"))

	s := f.c.Status()
	assert.Equal(StateAuthenticated, s.State)
	assert.True(s.IsLoggedIn)
	require.NotNil(s.Tokens)
	require.NotNil(s.Tokens.ExpiresIn)
	assert.Equal(int64(3600), *s.Tokens.ExpiresIn)
	assert.NotEqual(seeded.AccessToken, s.Tokens.AccessToken)
	assert.Equal(s.Tokens.AccessToken, f.stored().AccessToken)
	assert.True(f.c.sched.Pending())

	f.clock.Advance(3589 * time.Second)
	f.neverMoreThan(testprovider.Refresh, 1)
	f.clock.Advance(time.Second)
	f.eventuallyCount(testprovider.Refresh, 2)
}

// Scenario C: a rejected refresh clears the session and the rejection is
// returned.
func TestController_Refresh_rejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("at-start", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.tp.SetRefreshTokenTTL(2 * time.Hour)
		f.seed(f.clock.Now().Add(-time.Hour), 1800*time.Second)
		f.tp.SetStatus(testprovider.Refresh, http.StatusBadRequest)

		err := f.c.Start(ctx)
		require.ErrorIs(err, ErrTokenRefresh)
		var epErr *EndpointError
		require.True(errors.As(err, &epErr))
		assert.Equal(http.StatusBadRequest, epErr.StatusCode)
		assert.Equal("invalid_grant", epErr.Code)
		var re *oauth2.RetrieveError
		require.True(errors.As(err, &re))
		assert.Equal("invalid_grant", re.ErrorCode)

		assert.Nil(f.stored())
		s := f.c.Status()
		assert.Equal(StateUnauthenticated, s.State)
		assert.True(s.Ready)
		assert.False(s.IsLoggedIn)
		assert.False(f.c.sched.Pending())
	})

	t.Run("explicit", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		f.tp.RevokeSession()

		_, err := f.c.Refresh(ctx)
		require.ErrorIs(err, ErrTokenRefresh)
		assert.Nil(f.stored())
		assert.False(f.c.Status().IsLoggedIn)
		assert.False(f.c.sched.Pending())

		_, err = f.c.Refresh(ctx)
		require.ErrorIs(err, ErrNotLoggedIn)
		assert.Equal(1, f.tp.Count(testprovider.Refresh))
	})

	t.Run("server-error-keeps-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		before := f.stored()
		f.tp.SetStatus(testprovider.Refresh, http.StatusServiceUnavailable)

		_, err := f.c.Refresh(ctx)
		require.ErrorIs(err, ErrTokenRefresh)
		assert.Equal(before.RefreshToken, f.stored().RefreshToken)
		s := f.c.Status()
		assert.Equal(StateAuthenticated, s.State)
		assert.True(s.IsLoggedIn)
	})
}

// Scenario D: going offline keeps a logged in session but rejects online only
// operations.
func TestController_offline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("online-to-offline", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()

		f.gate.Set(false)
		require.Eventually(func() bool {
			s := f.c.Status()
			return !s.Online && s.Ready
		}, 5*time.Second, 10*time.Millisecond)

		_, err := f.c.Login(ctx, nil)
		require.ErrorIs(err, ErrOffline)
		_, err = f.c.Refresh(ctx)
		require.ErrorIs(err, ErrOffline)
		_, err = f.c.LoadUserInfo(ctx)
		require.ErrorIs(err, ErrOffline)

		s := f.c.Status()
		assert.True(s.IsLoggedIn)
		assert.Equal(StateAuthenticated, s.State)
		assert.False(f.c.sched.Pending())
		assert.Equal(1, f.tp.Count(testprovider.Token))
	})

	t.Run("offline-to-online", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t, offline())
		f.tp.SetRefreshTokenTTL(2 * time.Hour)
		f.seed(f.clock.Now(), 300*time.Second)
		require.NoError(f.c.Start(ctx))
		assert.Zero(f.tp.Count(testprovider.Discovery))

		f.gate.Set(true)
		f.eventuallyCount(testprovider.Refresh, 1)
		require.Eventually(func() bool {
			s := f.c.Status()
			return s.Online && s.State == StateAuthenticated
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("pending-timer-never-fires-offline", func(t *testing.T) {
		require := require.New(t)
		f := newFixture(t)
		f.tp.SetAccessTokenTTL(120 * time.Second)
		f.login()
		require.True(f.c.sched.Pending())

		f.gate.Set(false)
		require.False(f.c.sched.Pending())
		f.clock.Advance(time.Hour)
		f.neverMoreThan(testprovider.Refresh, 0)
	})
}

func TestController_offlineLoggedIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name   string
		record func(f *fixture) *token.Record
		want   bool
	}{
		{
			name:   "nothing-stored",
			record: func(f *fixture) *token.Record { return nil },
		},
		{
			name: "no-refresh-token",
			record: func(f *fixture) *token.Record {
				r := f.tp.IssueTokens(f.clock.Now(), 300*time.Second)
				r.RefreshToken = ""
				return r
			},
		},
		{
			name: "expired-refresh-token",
			record: func(f *fixture) *token.Record {
				return f.tp.IssueTokens(f.clock.Now().Add(-2*time.Hour), 300*time.Second)
			},
		},
		{
			name: "valid-refresh-token-stale-access-token",
			record: func(f *fixture) *token.Record {
				return f.tp.IssueTokens(f.clock.Now().Add(-time.Hour), 300*time.Second)
			},
			want: true,
		},
		{
			name: "opaque-refresh-token-expired",
			record: func(f *fixture) *token.Record {
				return &token.Record{
					AccessToken:      "opaque-at",
					RefreshToken:     "opaque-rt",
					IssuedAt:         f.clock.Now().Add(-time.Hour).Unix(),
					ExpiresIn:        token.Int64(300),
					RefreshExpiresIn: token.Int64(1800),
				}
			},
		},
		{
			name: "opaque-offline-token",
			record: func(f *fixture) *token.Record {
				return &token.Record{
					AccessToken:      "opaque-at",
					RefreshToken:     "opaque-rt",
					IssuedAt:         f.clock.Now().Add(-time.Hour).Unix(),
					ExpiresIn:        token.Int64(300),
					RefreshExpiresIn: token.Int64(0),
				}
			},
			want: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			f := newFixture(t, offline())
			f.tp.SetRefreshTokenTTL(90 * time.Minute)
			if r := tt.record(f); r != nil {
				require.NoError(f.store.Set(ctx, r))
			}

			require.NoError(f.c.Start(ctx))
			s := f.c.Status()
			assert.True(s.Ready)
			assert.False(s.Online)
			assert.Equal(tt.want, s.IsLoggedIn)
			if tt.want {
				assert.Equal(StateAuthenticated, s.State)
			} else {
				assert.Equal(StateUnauthenticated, s.State)
			}
			assert.Zero(f.tp.Count(testprovider.Discovery))
		})
	}
}

// Scenario E: the refresh timer fires refreshTimeBuffer ahead of expiry,
// exactly once.
func TestController_Login_schedulesRefresh(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	f := newFixture(t)
	f.tp.SetAccessTokenTTL(120 * time.Second)
	f.login()

	s := f.c.Status()
	assert.Equal(StateAuthenticated, s.State)
	require.NotNil(s.Tokens)
	assert.Equal(int64(120), *s.Tokens.ExpiresIn)
	assert.Equal(s.Tokens.AccessToken, f.stored().AccessToken)

	f.clock.Advance(109 * time.Second)
	f.neverMoreThan(testprovider.Refresh, 0)
	f.clock.Advance(time.Second)
	f.eventuallyCount(testprovider.Refresh, 1)
	f.neverMoreThan(testprovider.Refresh, 1)
	require.Eventually(f.c.sched.Pending, 5*time.Second, 10*time.Millisecond)
}

func TestController_Login(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("request", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t, withConfig(WithScopes("profile", "email")))
		require.NoError(f.c.Start(ctx))
		_, err := f.c.Login(ctx, map[string]string{"prompt": "login"})
		require.NoError(err)

		req := f.auth.lastRequest()
		require.NotNil(req)
		assert.Equal(f.tp.Issuer()+"/protocol/openid-connect/auth", req.AuthorizationEndpoint)
		assert.Equal(f.tp.ClientID(), req.ClientID)
		assert.Equal(testRedirectURL, req.RedirectURL)
		assert.Equal([]string{"openid", "profile", "email"}, req.Scopes)
		assert.False(req.UsePKCE)
		assert.Equal("login", req.Options["prompt"])

		form := f.tp.LastForm(testprovider.Token)
		assert.Equal("authorization_code", form.Get("grant_type"))
		assert.Equal(testRedirectURL, form.Get("redirect_uri"))
		assert.Empty(form.Get("code_verifier"))
	})

	t.Run("pkce", func(t *testing.T) {
		assert := assert.New(t)
		f := newFixture(t, withConfig(WithPKCE(true)))
		f.login()
		assert.True(f.auth.lastRequest().UsePKCE)
		assert.NotEmpty(f.tp.LastForm(testprovider.Token).Get("code_verifier"))
		assert.True(f.c.Status().IsLoggedIn)
	})

	failures := []struct {
		name    string
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name:    "canceled",
			setup:   func(f *fixture) { f.auth.answer(&AuthResult{Type: ResultCancel}) },
			wantErr: ErrLoginCanceled,
		},
		{
			name:    "dismissed",
			setup:   func(f *fixture) { f.auth.answer(&AuthResult{Type: ResultDismiss}) },
			wantErr: ErrLoginCanceled,
		},
		{
			name:    "provider-error",
			setup:   func(f *fixture) { f.tp.SetAuthError("access_denied") },
			wantErr: ErrAuthorization,
		},
		{
			name: "missing-code",
			setup: func(f *fixture) {
				f.auth.answer(&AuthResult{Type: ResultSuccess, Params: map[string]string{"state": "x"}})
			},
			wantErr: ErrAuthorization,
		},
		{
			name:    "exchange-rejected",
			setup:   func(f *fixture) { f.tp.SetStatus(testprovider.Token, http.StatusBadRequest) },
			wantErr: ErrTokenExchange,
		},
		{
			name:    "unexpected-code",
			setup:   func(f *fixture) { f.auth.answer(&AuthResult{Type: ResultSuccess, Params: map[string]string{"code": "bogus"}}) },
			wantErr: ErrTokenExchange,
		},
		{
			name:    "discovery",
			setup:   func(f *fixture) { f.tp.SetStatus(testprovider.Discovery, http.StatusInternalServerError) },
			wantErr: ErrDiscovery,
		},
	}
	for _, tt := range failures {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			f := newFixture(t)
			tt.setup(f)
			_ = f.c.Start(ctx)

			_, err := f.c.Login(ctx, nil)
			require.ErrorIs(err, tt.wantErr)
			assert.Nil(f.stored())
			s := f.c.Status()
			assert.Equal(StateUnauthenticated, s.State)
			assert.False(s.IsLoggedIn)
			assert.False(f.c.sched.Pending())
		})
	}

	t.Run("relogin-canceled-keeps-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		rec := f.stored()
		require.NotNil(rec)

		f.auth.answer(&AuthResult{Type: ResultCancel})
		_, err := f.c.Login(ctx, nil)
		require.ErrorIs(err, ErrLoginCanceled)

		stored := f.stored()
		require.NotNil(stored)
		assert.Equal(rec.AccessToken, stored.AccessToken)
		s := f.c.Status()
		assert.Equal(StateAuthenticated, s.State)
		assert.True(s.IsLoggedIn)
		require.NotNil(s.Tokens)
		assert.Equal(rec.AccessToken, s.Tokens.AccessToken)
		assert.True(f.c.sched.Pending())
	})

	t.Run("relogin-rejected-keeps-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		rec := f.stored()
		f.tp.SetStatus(testprovider.Token, http.StatusBadRequest)

		_, err := f.c.Login(ctx, nil)
		require.ErrorIs(err, ErrTokenExchange)
		assert.Equal(rec.AccessToken, f.stored().AccessToken)
		assert.True(f.c.Status().IsLoggedIn)
		assert.True(f.c.sched.Pending())
	})

	t.Run("exchange-rejected-status", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.tp.SetStatus(testprovider.Token, http.StatusBadRequest)
		require.NoError(f.c.Start(ctx))

		res, err := f.c.Login(ctx, nil)
		var epErr *EndpointError
		require.True(errors.As(err, &epErr))
		assert.Equal(http.StatusBadRequest, epErr.StatusCode)
		require.NotNil(res)
		assert.Equal(testprovider.DefaultAuthCode, res.Params["code"])
	})
}

func TestController_Logout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("twice", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		rec := f.stored()

		require.NoError(f.c.Logout(ctx))
		assert.Nil(f.stored())
		s := f.c.Status()
		assert.Equal(StateUnauthenticated, s.State)
		assert.False(s.IsLoggedIn)
		assert.False(f.c.sched.Pending())

		revoke := f.tp.LastForm(testprovider.Revoke)
		assert.Equal(string(rec.AccessToken), revoke.Get("token"))
		assert.Equal("access_token", revoke.Get("token_type_hint"))
		assert.Equal(f.tp.ClientID(), revoke.Get("client_id"))
		endSession := f.tp.LastForm(testprovider.EndSession)
		assert.Equal(f.tp.ClientID(), endSession.Get("client_id"))
		assert.Equal(string(rec.RefreshToken), endSession.Get("refresh_token"))

		err := f.c.Logout(ctx)
		require.ErrorIs(err, ErrNotLoggedIn)
		assert.Equal(1, f.tp.Count(testprovider.Revoke))
		assert.Equal(1, f.tp.Count(testprovider.EndSession))
	})

	t.Run("provider-failures-still-clear", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		f.tp.SetStatus(testprovider.Revoke, http.StatusInternalServerError)
		f.tp.SetStatus(testprovider.EndSession, http.StatusBadRequest)

		require.NoError(f.c.Logout(ctx))
		assert.Nil(f.stored())
		assert.False(f.c.Status().IsLoggedIn)
		assert.Equal(1, f.tp.Count(testprovider.Revoke))
		assert.Equal(1, f.tp.Count(testprovider.EndSession))
	})

	t.Run("unreachable-provider-still-clears", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		f.tp.Stop()

		require.NoError(f.c.Logout(ctx))
		assert.Nil(f.stored())
		assert.False(f.c.Status().IsLoggedIn)
	})

	t.Run("offline-local", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t, offline())
		f.seed(f.clock.Now(), 300*time.Second)
		require.NoError(f.c.Start(ctx))
		require.True(f.c.Status().IsLoggedIn)

		require.NoError(f.c.Logout(ctx))
		assert.Nil(f.stored())
		assert.False(f.c.Status().IsLoggedIn)
		assert.Zero(f.tp.Count(testprovider.Revoke))
		assert.Zero(f.tp.Count(testprovider.EndSession))

		require.ErrorIs(f.c.Logout(ctx), ErrNotLoggedIn)
	})

	t.Run("offline-reject", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t, offline(), withController(WithOfflineLogoutPolicy(OfflineLogoutReject)))
		seeded := f.seed(f.clock.Now(), 300*time.Second)
		require.NoError(f.c.Start(ctx))

		require.ErrorIs(f.c.Logout(ctx), ErrOffline)
		require.NotNil(f.stored())
		assert.Equal(seeded.AccessToken, f.stored().AccessToken)
		assert.True(f.c.Status().IsLoggedIn)
	})
}

func TestController_LoadUserInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("claims", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		claims, err := f.c.LoadUserInfo(ctx)
		require.NoError(err)
		assert.Equal("alice", claims["sub"])
		assert.Equal("alice@example.com", claims["email"])
	})

	t.Run("not-logged-in", func(t *testing.T) {
		require := require.New(t)
		f := newFixture(t)
		require.NoError(f.c.Start(ctx))
		_, err := f.c.LoadUserInfo(ctx)
		require.ErrorIs(err, ErrNotLoggedIn)
		require.Zero(f.tp.Count(testprovider.UserInfo))
	})

	t.Run("rejected-token-clears", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		f.tp.RevokeSession()

		_, err := f.c.LoadUserInfo(ctx)
		require.ErrorIs(err, ErrUserInfo)
		var epErr *EndpointError
		require.True(errors.As(err, &epErr))
		assert.Equal(http.StatusUnauthorized, epErr.StatusCode)
		assert.Equal("invalid_token", epErr.Code)
		assert.Nil(f.stored())
		s := f.c.Status()
		assert.Equal(StateUnauthenticated, s.State)
		assert.False(s.IsLoggedIn)
		assert.False(f.c.sched.Pending())
	})

	t.Run("server-error-keeps-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		f.tp.SetStatus(testprovider.UserInfo, http.StatusInternalServerError)

		_, err := f.c.LoadUserInfo(ctx)
		require.ErrorIs(err, ErrUserInfo)
		var epErr *EndpointError
		require.True(errors.As(err, &epErr))
		assert.Equal(http.StatusInternalServerError, epErr.StatusCode)
		assert.NotNil(f.stored())
		assert.True(f.c.Status().IsLoggedIn)
	})
}

func TestController_discoveryFailure(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	seeded := f.seed(f.clock.Now(), 300*time.Second)
	f.tp.SetStatus(testprovider.Discovery, http.StatusServiceUnavailable)

	err := f.c.Start(ctx)
	require.ErrorIs(err, ErrDiscovery)
	s := f.c.Status()
	assert.Equal(StateUnauthenticated, s.State)
	assert.True(s.Ready)
	require.NotNil(f.stored())
	assert.Equal(seeded.AccessToken, f.stored().AccessToken)
	assert.Zero(f.tp.Count(testprovider.Refresh))

	_, err = f.c.Refresh(ctx)
	require.ErrorIs(err, ErrDiscovery)
	_, err = f.c.LoadUserInfo(ctx)
	require.ErrorIs(err, ErrDiscovery)

	// failures aren't memoized, the next operation resolves again
	f.tp.SetStatus(testprovider.Discovery, 0)
	_, err = f.c.Refresh(ctx)
	require.NoError(err)
	assert.True(f.c.Status().IsLoggedIn)
}

func TestController_Reconfigure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("identity-change", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		require.True(f.c.sched.Pending())
		discoveries := f.tp.Count(testprovider.Discovery)

		next, err := NewConfig(f.cfg.URL, f.cfg.Realm, f.cfg.ClientID, f.cfg.RedirectURL, WithTokenStorageKey("other-key"))
		require.NoError(err)
		require.NoError(f.c.Reconfigure(ctx, next))

		s := f.c.Status()
		assert.Equal(StateUnauthenticated, s.State)
		assert.True(s.Ready)
		assert.False(f.c.sched.Pending())
		assert.Equal("other-key", f.c.current().store.Key())
		assert.Equal(discoveries+1, f.tp.Count(testprovider.Discovery))
		// tokens of the previous identity stay where they were
		assert.NotNil(f.stored())

		f.clock.Advance(time.Hour)
		f.neverMoreThan(testprovider.Refresh, 0)
	})

	t.Run("settings-change", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.tp.SetAccessTokenTTL(120 * time.Second)
		f.login()

		next, err := NewConfig(f.cfg.URL, f.cfg.Realm, f.cfg.ClientID, f.cfg.RedirectURL, WithRefreshTimeBuffer(30*time.Second))
		require.NoError(err)
		require.NoError(f.c.Reconfigure(ctx, next))
		assert.Equal(StateAuthenticated, f.c.Status().State)
		assert.Equal(1, f.tp.Count(testprovider.Discovery))

		f.clock.Advance(89 * time.Second)
		f.neverMoreThan(testprovider.Refresh, 0)
		f.clock.Advance(time.Second)
		f.eventuallyCount(testprovider.Refresh, 1)
	})

	t.Run("disable-auto-refresh", func(t *testing.T) {
		require := require.New(t)
		f := newFixture(t)
		f.login()
		require.True(f.c.sched.Pending())

		next, err := NewConfig(f.cfg.URL, f.cfg.Realm, f.cfg.ClientID, f.cfg.RedirectURL, WithDisableAutoRefresh(true))
		require.NoError(err)
		require.NoError(f.c.Reconfigure(ctx, next))
		require.False(f.c.sched.Pending())
		f.clock.Advance(time.Hour)
		f.neverMoreThan(testprovider.Refresh, 0)
	})

	t.Run("invalid", func(t *testing.T) {
		f := newFixture(t)
		require.ErrorIs(t, f.c.Reconfigure(ctx, &Config{}), ErrInvalidParameter)
	})
}

func TestController_disableAutoRefresh(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	f := newFixture(t, withConfig(WithDisableAutoRefresh(true)))
	f.login()
	assert.False(f.c.sched.Pending())
	f.clock.Advance(10 * time.Minute)
	f.neverMoreThan(testprovider.Refresh, 0)

	// a stale access token is refreshed on demand
	at, err := f.c.AccessToken(context.Background())
	require.NoError(err)
	assert.Equal(1, f.tp.Count(testprovider.Refresh))
	assert.Equal(at, f.stored().AccessToken)
}

func TestController_staleTimer(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	f := newFixture(t)
	f.login()

	f.c.mu.Lock()
	gen := f.c.generation
	f.c.mu.Unlock()
	f.c.invalidate()

	f.c.onTimer(gen)
	f.neverMoreThan(testprovider.Refresh, 0)
	require.True(f.c.Status().IsLoggedIn)
}

func TestController_serializesTokenOperations(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.login()
	entered, release := f.auth.hold()

	loginDone := make(chan error, 1)
	go func() {
		_, err := f.c.Login(ctx, nil)
		loginDone <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("login never reached the authorizer")
	}

	refreshDone := make(chan error, 1)
	go func() {
		_, err := f.c.Refresh(ctx)
		refreshDone <- err
	}()
	select {
	case err := <-refreshDone:
		t.Fatalf("refresh ran while a login was in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(f.tp.Count(testprovider.Refresh))

	// a caller giving up while waiting gets its context error
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := f.c.Logout(waitCtx)
	require.ErrorIs(err, context.DeadlineExceeded)

	release()
	require.NoError(<-loginDone)
	require.NoError(<-refreshDone)
	assert.Equal(2, f.tp.Count(testprovider.Token))
	assert.Equal(1, f.tp.Count(testprovider.Refresh))
	assert.True(f.c.Status().IsLoggedIn)
}

func TestController_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("not-logged-in", func(t *testing.T) {
		require := require.New(t)
		f := newFixture(t)
		require.NoError(f.c.Start(ctx))
		_, err := f.c.Refresh(ctx)
		require.ErrorIs(err, ErrNotLoggedIn)
		require.Zero(f.tp.Count(testprovider.Refresh))
	})

	t.Run("rotates", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		before := f.stored()

		rec, err := f.c.Refresh(ctx)
		require.NoError(err)
		assert.NotEqual(before.RefreshToken, rec.RefreshToken)
		assert.Equal(rec.RefreshToken, f.stored().RefreshToken)
		assert.NotEmpty(rec.IdToken)
	})

	t.Run("keeps-refresh-token-when-not-rotated", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newFixture(t)
		f.login()
		before := f.stored()
		f.tp.OmitRefreshTokenOnRefresh()

		rec, err := f.c.Refresh(ctx)
		require.NoError(err)
		assert.Equal(before.RefreshToken, rec.RefreshToken)
		assert.NotEqual(before.AccessToken, rec.AccessToken)
		assert.Equal(before.RefreshToken, f.stored().RefreshToken)

		// and it can be used again
		_, err = f.c.Refresh(ctx)
		require.NoError(err)
	})
}

func TestController_tokens(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.tp.SetRealmRoles([]string{"user", "auditor"})

	_, err := f.c.AccessToken(ctx)
	require.ErrorIs(err, ErrNotLoggedIn)

	f.login()
	ok, err := f.c.HasRealmRole(ctx, "auditor")
	require.NoError(err)
	assert.True(ok)
	ok, err = f.c.HasRealmRole(ctx, "admin")
	require.NoError(err)
	assert.False(ok)

	claims, err := f.c.AccessClaims(ctx)
	require.NoError(err)
	assert.Equal("alice", claims.Subject)
	assert.Equal(f.tp.ClientID(), claims.AuthorizedParty)

	tk, err := f.c.TokenSource(ctx).Token()
	require.NoError(err)
	assert.Equal(string(f.stored().AccessToken), tk.AccessToken)
	assert.Equal("Bearer", tk.TokenType)
	assert.Zero(f.tp.Count(testprovider.Refresh))
}

func TestController_Close(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.login()

	require.NoError(f.c.Close())
	require.NoError(f.c.Close())
	require.False(f.c.sched.Pending())

	_, err := f.c.Login(ctx, nil)
	require.ErrorIs(err, ErrClosed)
	_, err = f.c.Refresh(ctx)
	require.ErrorIs(err, ErrClosed)
	require.ErrorIs(f.c.Logout(ctx), ErrClosed)
	_, err = f.c.LoadUserInfo(ctx)
	require.ErrorIs(err, ErrClosed)
	require.ErrorIs(f.c.Start(ctx), ErrClosed)

	// connectivity changes are no longer followed
	f.gate.Set(false)
	f.neverMoreThan(testprovider.Discovery, 1)
}

func TestController_Subscribe(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	f := newFixture(t)

	var got []Status
	unsubscribe := f.c.Subscribe(func(s Status) { got = append(got, s) })
	f.login()
	unsubscribe()
	unsubscribe()
	n := len(got)

	var states []State
	for _, s := range got {
		states = append(states, s.State)
		assert.Equal(s.State.Ready(), s.Ready)
	}
	assert.Equal([]State{StateChecking, StateUnauthenticated, StateLoggingIn, StateAuthenticated}, states)
	last := got[len(got)-1]
	require.NotNil(last.Tokens)
	assert.True(last.IsLoggedIn)

	// observers get their own copy of the tokens
	last.Tokens.AccessToken = "mutated"
	assert.NotEqual(token.AccessToken("mutated"), f.c.Status().Tokens.AccessToken)

	require.NoError(f.c.Logout(context.Background()))
	assert.Len(got, n)
}

func TestController_Subscribe_observerCallsOperation(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	f.login()

	var (
		states    []State
		once      sync.Once
		logoutErr error
	)
	f.c.Subscribe(func(s Status) {
		states = append(states, s.State)
		if s.State == StateAuthenticated {
			once.Do(func() { logoutErr = f.c.Logout(ctx) })
		}
	})

	_, err := f.c.Refresh(ctx)
	require.NoError(err)
	require.NoError(logoutErr)
	assert.Equal([]State{StateRefreshing, StateAuthenticated, StateLoggingOut, StateUnauthenticated}, states)
	assert.Nil(f.stored())
	assert.False(f.c.Status().IsLoggedIn)
	assert.Equal(1, f.tp.Count(testprovider.Revoke))
}

func TestController_nilGateIsOffline(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tp := testprovider.Start(t)
	cfg, err := NewConfig(tp.Addr(), testprovider.Realm, tp.ClientID(), testRedirectURL)
	require.NoError(err)
	ts, err := store.NewTokenStore(store.NewMemoryStorage())
	require.NoError(err)
	c, err := New(cfg, ts, newTestAuthorizer(tp.HTTPClient()), nil, WithHTTPClient(tp.HTTPClient()))
	require.NoError(err)
	defer c.Close()

	require.NoError(c.Start(context.Background()))
	require.False(c.Status().Online)
	require.Zero(tp.Count(testprovider.Discovery))
}

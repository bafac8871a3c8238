// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/oidc-session/discovery"
	sdkHttp "github.com/hashicorp/oidc-session/sdk/http"
	"github.com/hashicorp/oidc-session/token"
	"golang.org/x/oauth2"
)

// maxResponseSize bounds the provider responses read into memory.
const maxResponseSize = 1 << 20

// onlineOperations talk to the provider.
type onlineOperations struct {
	c *Controller
}

var _ operations = (*onlineOperations)(nil)

func (o *onlineOperations) online() bool { return true }

func (e environment) oauth2Config(doc *discovery.Document, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    e.cfg.ClientID,
		Endpoint:    doc.Endpoint(),
		RedirectURL: redirectURL,
		Scopes:      e.cfg.Scopes,
	}
}

func (e environment) clientContext(ctx context.Context) context.Context {
	return sdkHttp.ClientContext(ctx, e.client)
}

func (e environment) resolve(ctx context.Context, op string) (*discovery.Document, error) {
	doc, err := e.disc.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDiscovery, err)
	}
	return doc, nil
}

// login authorizes, exchanges the code and stores the tokens. Nothing is
// stored when any step fails and the session stored before, if any, is kept.
func (o *onlineOperations) login(ctx context.Context, opts map[string]string) (*AuthResult, error) {
	const op = "Controller.login"
	c := o.c
	env := c.current()

	c.sched.Cancel()
	doc, err := env.resolve(ctx, op)
	if err != nil {
		return nil, err
	}
	c.update(inState(StateLoggingIn))
	fail := func(res *AuthResult, err error) (*AuthResult, error) {
		// a session that existed before the login is still stored
		cur := env.store.Get(context.WithoutCancel(ctx))
		loggedIn := c.policy.LoggedIn(cur)
		if loggedIn {
			c.arm(cur)
		} else {
			c.sched.Cancel()
		}
		c.update(settled(loggedIn, cur))
		c.logger.Debug("login failed", "error", err, "logged_in", loggedIn)
		return res, err
	}

	res, err := c.auth.Authorize(ctx, &AuthRequest{
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		ClientID:              env.cfg.ClientID,
		RedirectURL:           env.cfg.RedirectURL,
		Scopes:                env.cfg.Scopes,
		UsePKCE:               env.cfg.UsePKCE,
		Options:               opts,
	})
	switch {
	case err != nil:
		return fail(nil, fmt.Errorf("%s: %w: %w", op, ErrAuthorization, err))
	case res == nil:
		return fail(nil, fmt.Errorf("%s: authorizer returned no result: %w", op, ErrAuthorization))
	case res.Type == ResultCancel, res.Type == ResultDismiss:
		return fail(res, fmt.Errorf("%s: %s: %w", op, res.Type, ErrLoginCanceled))
	case res.Type != ResultSuccess && res.Error != nil:
		return fail(res, fmt.Errorf("%s: %w: %w", op, ErrAuthorization, res.Error))
	case res.Type != ResultSuccess:
		return fail(res, fmt.Errorf("%s: unexpected result %q: %w", op, res.Type, ErrAuthorization))
	case res.Params["code"] == "":
		return fail(res, fmt.Errorf("%s: authorization code is missing: %w", op, ErrAuthorization))
	}

	redirectURL := res.RedirectURL
	if redirectURL == "" {
		redirectURL = env.cfg.RedirectURL
	}
	var exchangeOpts []oauth2.AuthCodeOption
	if res.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(res.CodeVerifier))
	}
	t, err := env.oauth2Config(doc, redirectURL).Exchange(env.clientContext(ctx), res.Params["code"], exchangeOpts...)
	if err != nil {
		return fail(res, endpointError(op, ErrTokenExchange, err))
	}
	rec, err := token.FromOAuth2(t, c.clock.Now())
	if err != nil {
		return fail(res, fmt.Errorf("%s: %w: %w", op, ErrTokenExchange, err))
	}
	if err := env.store.Set(ctx, rec); err != nil {
		return fail(res, fmt.Errorf("%s: %w", op, err))
	}
	c.arm(rec)
	c.update(settled(true, rec))
	c.logger.Info("logged in", "expires_at", rec.ExpiresAt(), "has_refresh_token", rec.HasRefreshToken())
	return res, nil
}

// refresh performs a silent refresh. A rejected refresh token clears the
// session; other failures leave it as it was.
func (o *onlineOperations) refresh(ctx context.Context) (*token.Record, error) {
	const op = "Controller.refresh"
	c := o.c
	env := c.current()

	current := env.store.Get(ctx)
	if !current.HasRefreshToken() {
		return nil, fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	doc, err := env.resolve(ctx, op)
	if err != nil {
		return nil, err
	}
	c.update(inState(StateRefreshing))

	// an empty access token makes the source refresh right away
	seed := &oauth2.Token{RefreshToken: string(current.RefreshToken)}
	t, err := env.oauth2Config(doc, env.cfg.RedirectURL).TokenSource(env.clientContext(ctx), seed).Token()
	if err != nil {
		refreshErr := endpointError(op, ErrTokenRefresh, err)
		var epErr *EndpointError
		if errors.As(refreshErr, &epErr) && epErr.Rejected() {
			c.logger.Warn("refresh token rejected, clearing session", "status", epErr.StatusCode, "error_code", epErr.Code)
			if err := c.clearLocal(ctx, env.store); err != nil {
				c.logger.Warn("unable to clear session", "error", err)
			}
			return nil, refreshErr
		}
		c.logger.Warn("refresh failed, keeping session", "error", err)
		c.update(settled(c.policy.LoggedIn(current), current))
		return nil, refreshErr
	}

	rec, err := token.FromOAuth2(t, c.clock.Now())
	if err != nil {
		c.update(settled(c.policy.LoggedIn(current), current))
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenRefresh, err)
	}
	if rec.RefreshToken == "" || rec.RefreshToken == current.RefreshToken {
		// the provider didn't rotate the refresh token, so it keeps its
		// original lifetime
		rec.RefreshToken = current.RefreshToken
		if rec.RefreshExpiresIn == nil && current.RefreshExpiresIn != nil && *current.RefreshExpiresIn > 0 {
			if remaining := current.IssuedAt + *current.RefreshExpiresIn - rec.IssuedAt; remaining > 0 {
				rec.RefreshExpiresIn = token.Int64(remaining)
			}
		}
	}
	if err := env.store.Set(ctx, rec); err != nil {
		// the previous refresh token may be spent already
		if err := c.clearLocal(ctx, env.store); err != nil {
			c.logger.Warn("unable to clear session", "error", err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.arm(rec)
	c.update(settled(true, rec))
	c.logger.Debug("tokens refreshed", "expires_at", rec.ExpiresAt())
	return rec.Clone(), nil
}

// logout notifies the provider, best effort, and always clears the session.
func (o *onlineOperations) logout(ctx context.Context) error {
	const op = "Controller.logout"
	c := o.c
	env := c.current()

	current := env.store.Get(ctx)
	if !current.HasAccessToken() {
		return fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	c.sched.Cancel()
	c.update(inState(StateLoggingOut))

	if err := o.endProviderSession(ctx, env, current); err != nil {
		c.logger.Warn("unable to end provider session, logging out locally", "error", err)
	}
	if err := c.clearLocal(ctx, env.store); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Info("logged out")
	return nil
}

// endProviderSession revokes the access token and ends the provider session
// of the refresh token. Errors wrap ErrRevocation.
func (o *onlineOperations) endProviderSession(ctx context.Context, env environment, current *token.Record) error {
	const op = "Controller.endProviderSession"
	doc, err := env.resolve(ctx, op)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRevocation, err)
	}

	var result *multierror.Error
	if doc.RevocationEndpoint != "" {
		form := url.Values{
			"token":           {string(current.AccessToken)},
			"token_type_hint": {"access_token"},
			"client_id":       {env.cfg.ClientID},
		}
		if err := postForm(ctx, env.client, op, doc.RevocationEndpoint, form); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if current.HasRefreshToken() && doc.EndSessionEndpoint != "" {
		form := url.Values{
			"client_id":     {env.cfg.ClientID},
			"refresh_token": {string(current.RefreshToken)},
		}
		if err := postForm(ctx, env.client, op, doc.EndSessionEndpoint, form); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrRevocation, err)
	}
	return nil
}

// userInfo fetches the user info claims. A rejected access token clears the
// session.
func (o *onlineOperations) userInfo(ctx context.Context) (map[string]interface{}, error) {
	const op = "Controller.userInfo"
	c := o.c
	env := c.current()

	current := env.store.Get(ctx)
	if !current.HasAccessToken() {
		return nil, fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	doc, err := env.resolve(ctx, op)
	if err != nil {
		return nil, err
	}
	if doc.UserInfoEndpoint == "" {
		return nil, fmt.Errorf("%s: provider has no userinfo endpoint: %w", op, ErrUserInfo)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.UserInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w: %w", op, ErrUserInfo, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(current.AccessToken))
	req.Header.Set("Accept", "application/json")
	resp, err := env.client.Do(req)
	if err != nil {
		return nil, &EndpointError{Op: op, Wrapped: fmt.Errorf("%w: %w", ErrUserInfo, err)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &EndpointError{Op: op, StatusCode: resp.StatusCode, Wrapped: fmt.Errorf("%w: %w", ErrUserInfo, err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.clearRejected(ctx, env.store, current.AccessToken)
		return nil, responseError(op, ErrUserInfo, resp.StatusCode, body)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, responseError(op, ErrUserInfo, resp.StatusCode, body)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%s: unable to decode user info: %w: %w", op, ErrUserInfo, err)
	}
	return claims, nil
}

// postForm sends an application/x-www-form-urlencoded POST and fails unless
// the endpoint answers 2xx.
func postForm(ctx context.Context, client *http.Client, op, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, endpoint, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(op, ErrRevocation, resp.StatusCode, body)
	}
	return nil
}

// endpointError classifies an oauth2 error. The provider's status and error
// code are kept when it answered at all.
func endpointError(op string, sentinel error, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e := &EndpointError{
			Op:          op,
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			Wrapped:     fmt.Errorf("%w: %w", sentinel, err),
		}
		if re.Response != nil {
			e.StatusCode = re.Response.StatusCode
		}
		return e
	}
	return &EndpointError{Op: op, Wrapped: fmt.Errorf("%w: %w", sentinel, err)}
}

// responseError builds an EndpointError from an error response, reading the
// oauth error fields when the body has them.
func responseError(op string, sentinel error, status int, body []byte) error {
	var oauthErr struct {
		Code        string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oauthErr)
	return &EndpointError{
		Op:          op,
		StatusCode:  status,
		Code:        oauthErr.Code,
		Description: oauthErr.Description,
		Wrapped:     sentinel,
	}
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package authcode presents OIDC authorization code requests to a user and
// receives the provider's redirect on a loopback listener.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/internal/strutils"
	"github.com/hashicorp/oidc-session/sdk/id"
	"github.com/hashicorp/oidc-session/session"
	"golang.org/x/oauth2"
)

// Authorizer is a session.Authorizer for apps redirecting to a loopback
// address. For each request it listens on the redirect URL's address, presents
// the authorization URL and waits for the redirect.
type Authorizer struct {
	prompter Prompter
	logger   hclog.Logger
	timeout  time.Duration
}

var _ session.Authorizer = (*Authorizer)(nil)

// NewAuthorizer creates an Authorizer.
// Supported options:
//
//	WithPrompter
//	WithLogger
//	WithTimeout
func NewAuthorizer(opt ...Option) *Authorizer {
	opts := getAuthorizerOpts(opt...)
	return &Authorizer{
		prompter: opts.withPrompter,
		logger:   opts.withLogger,
		timeout:  opts.withTimeout,
	}
}

type redirect struct {
	query url.Values
}

// Authorize implements session.Authorizer. A redirect that never arrives
// within the timeout is a session.ResultDismiss, a canceled ctx is a
// session.ResultCancel. Errors are only returned when the request can't be
// presented at all.
func (a *Authorizer) Authorize(ctx context.Context, req *session.AuthRequest) (*session.AuthResult, error) {
	const op = "Authorizer.Authorize"
	switch {
	case req == nil:
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	case req.AuthorizationEndpoint == "":
		return nil, fmt.Errorf("%s: authorization endpoint is empty: %w", op, ErrInvalidParameter)
	case req.ClientID == "":
		return nil, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	case req.RedirectURL == "":
		return nil, fmt.Errorf("%s: redirect url is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(req.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("%s: redirect url %s is invalid: %w", op, req.RedirectURL, ErrInvalidParameter)
	}
	if u.Scheme != "http" || !isLoopback(u.Hostname()) {
		return nil, fmt.Errorf("%s: %s is not a loopback http url: %w", op, req.RedirectURL, ErrUnsupportedRedirect)
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to listen on %s: %w", op, u.Host, err)
	}
	defer listener.Close()
	// port 0 picks a free port, which the request must advertise
	u.Host = net.JoinHostPort(u.Hostname(), fmt.Sprint(listener.Addr().(*net.TCPAddr).Port))
	redirectURL := u.String()

	state, err := id.New(id.StatePrefix)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	nonce, err := id.New(id.NoncePrefix)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}

	scopes := strutils.RemoveDuplicatesStable(append([]string{oidc.ScopeOpenID}, req.Scopes...), false)
	cfg := oauth2.Config{
		ClientID:    req.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: req.AuthorizationEndpoint},
		RedirectURL: redirectURL,
		Scopes:      scopes,
	}
	authOpts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", nonce)}
	var verifier string
	if req.UsePKCE {
		verifier = oauth2.GenerateVerifier()
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
	}
	keys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, req.Options[k]))
	}
	authURL := cfg.AuthCodeURL(state, authOpts...)

	redirectCh := make(chan redirect, 1)
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		select {
		case redirectCh <- redirect{query: q}:
		default:
			// only the first redirect counts
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if q.Get("error") != "" || q.Get("state") != state {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(failureHTML))
			return
		}
		_, _ = w.Write([]byte(successHTML))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srvCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Debug("presenting authorization request", "redirect_url", redirectURL, "pkce", req.UsePKCE)
	if err := a.prompter.Prompt(ctx, authURL); err != nil {
		// the user can still visit the url manually
		a.logger.Warn("unable to present authorization request", "error", err)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	result := &session.AuthResult{CodeVerifier: verifier, RedirectURL: redirectURL}
	select {
	case <-ctx.Done():
		a.logger.Debug("authorization canceled", "error", ctx.Err())
		result.Type = session.ResultCancel
		return result, nil
	case <-timer.C:
		a.logger.Debug("authorization dismissed", "timeout", a.timeout)
		result.Type = session.ResultDismiss
		return result, nil
	case err := <-srvCh:
		return nil, fmt.Errorf("%s: redirect listener failed: %w", op, err)
	case r := <-redirectCh:
		return a.result(result, state, r.query), nil
	}
}

func (a *Authorizer) result(result *session.AuthResult, state string, q url.Values) *session.AuthResult {
	const op = "Authorizer.result"
	result.Params = make(map[string]string, len(q))
	for k := range q {
		result.Params[k] = q.Get(k)
	}
	switch {
	case q.Get("error") != "":
		result.Type = session.ResultError
		result.Error = &ProviderError{
			Code:        q.Get("error"),
			Description: q.Get("error_description"),
			URI:         q.Get("error_uri"),
		}
	case q.Get("state") != state:
		result.Type = session.ResultError
		result.Error = fmt.Errorf("%s: %w", op, ErrResponseStateInvalid)
	case q.Get("code") == "":
		result.Type = session.ResultError
		result.Error = fmt.Errorf("%s: %w", op, ErrMissingCode)
	default:
		result.Type = session.ResultSuccess
	}
	a.logger.Debug("authorization redirect received", "type", result.Type)
	return result
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

const successHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Login complete</title></head>
<body>
  <h1>Signed in</h1>
  <p>You can close this window and return to the application.</p>
</body>
</html>`

const failureHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Login failed</title></head>
<body>
  <h1>Sign in failed</h1>
  <p>Return to the application for details.</p>
</body>
</html>`

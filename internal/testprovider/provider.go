// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package testprovider is a local Keycloak-like OIDC provider that makes
// writing session tests much easier. It serves discovery, authorization,
// token, revocation, end-session and user info endpoints for a single realm
// and records every call so tests can assert on them.
package testprovider

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/hashicorp/oidc-session/token"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// Endpoint identifies one of the provider's endpoints.
type Endpoint string

const (
	Discovery  Endpoint = "discovery"
	Auth       Endpoint = "auth"
	Token      Endpoint = "token"
	Refresh    Endpoint = "refresh"
	Revoke     Endpoint = "revoke"
	EndSession Endpoint = "logout"
	UserInfo   Endpoint = "userinfo"
	Certs      Endpoint = "certs"
)

// Realm is the realm name served by the provider.
const Realm = "test"

const (
	DefaultClientID        = "test-client"
	DefaultAuthCode        = "test-auth-code"
	DefaultAccessTokenTTL  = 300 * time.Second
	DefaultRefreshTokenTTL = 1800 * time.Second
)

// Provider is a local OIDC provider for tests.
type Provider struct {
	httpServer *httptest.Server
	caCert     string
	t          testing.TB
	clock      clockwork.Clock

	key    *ecdsa.PrivateKey
	keyID  string
	signer jose.Signer

	mu                sync.Mutex
	clientID          string
	expectedAuthCode  string
	authError         string
	accessTokenTTL    time.Duration
	refreshTokenTTL   time.Duration
	omitRotation      bool
	statuses          map[Endpoint]int
	discoveryGate     chan struct{}
	malformedDiscover bool
	userInfo          map[string]interface{}
	realmRoles        []string

	// pending authorization requests keyed by code
	challenge       string
	challengeMethod string
	authRedirect    string
	nonce           string

	seq           int
	accessTokens  map[string]bool
	refreshTokens map[string]bool
	counts        map[Endpoint]int
	forms         map[Endpoint]url.Values
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the clock used for iat/exp claims and expires_in values.
func WithClock(c clockwork.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// Start creates a running TLS Provider which is stopped when the test
// completes.
func Start(t testing.TB, opt ...Option) *Provider {
	t.Helper()
	require := require.New(t)

	p := &Provider{
		t:                t,
		clock:            clockwork.NewRealClock(),
		keyID:            "test-key",
		clientID:         DefaultClientID,
		expectedAuthCode: DefaultAuthCode,
		accessTokenTTL:   DefaultAccessTokenTTL,
		refreshTokenTTL:  DefaultRefreshTokenTTL,
		statuses:         map[Endpoint]int{},
		userInfo: map[string]interface{}{
			"sub":                "alice",
			"email":              "alice@example.com",
			"preferred_username": "alice",
		},
		realmRoles:    []string{"offline_access", "user"},
		accessTokens:  map[string]bool{},
		refreshTokens: map[string]bool{},
		counts:        map[Endpoint]int{},
		forms:         map[Endpoint]url.Values{},
	}
	for _, o := range opt {
		o(p)
	}
	p.key = testGenerateKey(t)
	p.signer = newSigner(t, p.key, p.keyID)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.Stop)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running Provider. It's safe to call more than once.
func (p *Provider) Stop() {
	p.httpServer.Close()
}

// Addr returns the base URL of the provider, which is the Keycloak "url".
func (p *Provider) Addr() string { return p.httpServer.URL }

// Issuer returns the realm issuer URL.
func (p *Provider) Issuer() string { return p.Addr() + "/realms/" + Realm }

// CACert returns the pem-encoded CA certificate of the provider's server.
func (p *Provider) CACert() string { return p.caCert }

// HTTPClient returns a client trusting the provider's certificate.
func (p *Provider) HTTPClient() *http.Client { return p.httpServer.Client() }

// ClientID returns the only client id the provider accepts.
func (p *Provider) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// SetClientID configures the client id the provider accepts.
func (p *Provider) SetClientID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = id
}

// SetExpectedAuthCode configures the auth code returned from /auth and
// required at /token.
func (p *Provider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetAuthError makes /auth redirect back with the given oauth error code.
// An empty code restores normal behavior.
func (p *Provider) SetAuthError(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authError = code
}

// SetAccessTokenTTL configures expires_in of issued access tokens.
func (p *Provider) SetAccessTokenTTL(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessTokenTTL = d
}

// SetRefreshTokenTTL configures the exp claim and refresh_expires_in of issued
// refresh tokens.
func (p *Provider) SetRefreshTokenTTL(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshTokenTTL = d
}

// OmitRefreshTokenOnRefresh makes refresh grants answer without a new
// refresh_token.
func (p *Provider) OmitRefreshTokenOnRefresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRotation = true
}

// SetStatus forces an endpoint to fail with the http status. A zero status
// restores normal behavior.
func (p *Provider) SetStatus(e Endpoint, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == 0 {
		delete(p.statuses, e)
		return
	}
	p.statuses[e] = status
}

// SetMalformedDiscovery makes the discovery document omit the token
// endpoint.
func (p *Provider) SetMalformedDiscovery(malformed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.malformedDiscover = malformed
}

// HoldDiscovery makes discovery requests block until the returned release
// func is called.
func (p *Provider) HoldDiscovery() (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	p.discoveryGate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetUserInfo configures the claims returned from the user info endpoint.
func (p *Provider) SetUserInfo(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfo = claims
}

// SetRealmRoles configures the realm roles embedded in access tokens.
func (p *Provider) SetRealmRoles(roles []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.realmRoles = roles
}

// Count returns how many requests an endpoint served.
func (p *Provider) Count(e Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[e]
}

// LastForm returns the form of the last request to an endpoint.
func (p *Provider) LastForm(e Endpoint) url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forms[e]
}

// LastAuthRequest returns the PKCE challenge, challenge method and nonce of
// the last authorization request.
func (p *Provider) LastAuthRequest() (challenge, method, nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.challenge, p.challengeMethod, p.nonce
}

// RevokeSession invalidates every issued token, the way an administrator
// ending the user's session in the realm would.
func (p *Provider) RevokeSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.accessTokens {
		p.accessTokens[k] = false
	}
	for k := range p.refreshTokens {
		p.refreshTokens[k] = false
	}
}

// IssueTokens mints a token record as if a login happened at issuedAt. The
// tokens are valid at the provider; expiresIn is the access token lifetime
// reported in the record.
func (p *Provider) IssueTokens(issuedAt time.Time, expiresIn time.Duration) *token.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	reply := p.issueLocked(issuedAt, true)
	r := &token.Record{
		AccessToken:      token.AccessToken(reply.AccessToken),
		RefreshToken:     token.RefreshToken(reply.RefreshToken),
		IdToken:          token.IdToken(reply.IDToken),
		TokenType:        reply.TokenType,
		IssuedAt:         issuedAt.Unix(),
		ExpiresIn:        token.Int64(int64(expiresIn / time.Second)),
		RefreshExpiresIn: token.Int64(reply.RefreshExpiresIn),
		Scope:            reply.Scope,
	}
	return r
}

type tokenReply struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token,omitempty"`
	Scope            string `json:"scope,omitempty"`
	SessionState     string `json:"session_state,omitempty"`
}

func (p *Provider) issueLocked(now time.Time, withRefresh bool) tokenReply {
	p.seq++
	std := jwt.Claims{
		Subject:   "alice",
		Issuer:    p.Issuer(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(p.accessTokenTTL)),
		Audience:  jwt.Audience{"account"},
		ID:        fmt.Sprintf("at-%d", p.seq),
	}
	access := p.SignJWT(std, map[string]interface{}{
		"typ":          "Bearer",
		"azp":          p.clientID,
		"realm_access": map[string]interface{}{"roles": p.realmRoles},
	})
	idClaims := std
	idClaims.ID = fmt.Sprintf("id-%d", p.seq)
	idClaims.Audience = jwt.Audience{p.clientID}
	id := p.SignJWT(idClaims, map[string]interface{}{"typ": "ID", "nonce": p.nonce})

	reply := tokenReply{
		AccessToken:  access,
		ExpiresIn:    int64(p.accessTokenTTL / time.Second),
		TokenType:    "Bearer",
		IDToken:      id,
		Scope:        "openid profile email",
		SessionState: "session-1",
	}
	p.accessTokens[access] = true
	if withRefresh {
		refreshClaims := std
		refreshClaims.ID = fmt.Sprintf("rt-%d", p.seq)
		refreshClaims.Audience = jwt.Audience{p.Issuer()}
		refreshClaims.Expiry = jwt.NewNumericDate(now.Add(p.refreshTokenTTL))
		reply.RefreshToken = p.SignJWT(refreshClaims, map[string]interface{}{"typ": "Refresh"})
		reply.RefreshExpiresIn = int64(p.refreshTokenTTL / time.Second)
		p.refreshTokens[reply.RefreshToken] = true
	}
	return reply
}

func (p *Provider) writeJSON(w http.ResponseWriter, status int, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func (p *Provider) writeTokenError(w http.ResponseWriter, status int, code, desc string) {
	p.writeJSON(w, status, struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{Code: code, Desc: desc})
}

func (p *Provider) path(suffix string) string {
	return "/realms/" + Realm + suffix
}

// ServeHTTP implements the provider's http.Handler.
func (p *Provider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == p.path("/.well-known/openid-configuration") {
		p.serveDiscovery(w, req)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_ = req.ParseForm()

	var e Endpoint
	switch req.URL.Path {
	case p.path("/protocol/openid-connect/auth"):
		e = Auth
	case p.path("/protocol/openid-connect/token"):
		e = Token
		if req.PostFormValue("grant_type") == "refresh_token" {
			e = Refresh
		}
	case p.path("/protocol/openid-connect/revoke"):
		e = Revoke
	case p.path("/protocol/openid-connect/logout"):
		e = EndSession
	case p.path("/protocol/openid-connect/userinfo"):
		e = UserInfo
	case p.path("/protocol/openid-connect/certs"):
		e = Certs
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	p.counts[e]++
	p.forms[e] = req.Form

	if status, ok := p.statuses[e]; ok {
		code := "invalid_request"
		switch status {
		case http.StatusBadRequest:
			code = "invalid_grant"
		case http.StatusUnauthorized:
			code = "invalid_token"
		case http.StatusInternalServerError, http.StatusServiceUnavailable:
			code = "server_error"
		}
		p.writeTokenError(w, status, code, fmt.Sprintf("forced %s failure", e))
		return
	}

	switch e {
	case Auth:
		p.serveAuth(w, req)
	case Token:
		p.serveCodeExchange(w, req)
	case Refresh:
		p.serveRefresh(w, req)
	case Revoke:
		p.serveRevoke(w, req)
	case EndSession:
		p.serveEndSession(w, req)
	case UserInfo:
		p.serveUserInfo(w, req)
	case Certs:
		p.writeJSON(w, http.StatusOK, p.jwks())
	}
}

func (p *Provider) serveDiscovery(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	p.counts[Discovery]++
	gate := p.discoveryGate
	status, forced := p.statuses[Discovery]
	malformed := p.malformedDiscover
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-req.Context().Done():
			return
		}
	}
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if forced {
		w.WriteHeader(status)
		return
	}

	base := p.Issuer() + "/protocol/openid-connect"
	reply := map[string]interface{}{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                base + "/auth",
		"token_endpoint":                        base + "/token",
		"revocation_endpoint":                   base + "/revoke",
		"end_session_endpoint":                  base + "/logout",
		"userinfo_endpoint":                     base + "/userinfo",
		"jwks_uri":                              base + "/certs",
		"id_token_signing_alg_values_supported": []string{string(jose.ES256)},
		"code_challenge_methods_supported":      []string{"plain", "S256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
	}
	if malformed {
		delete(reply, "token_endpoint")
	}
	p.writeJSON(w, http.StatusOK, reply)
}

func (p *Provider) authErrorRedirect(w http.ResponseWriter, req *http.Request, code, desc string) {
	qv := req.URL.Query()
	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(code)
	if desc != "" {
		redirectURI += "&error_description=" + url.QueryEscape(desc)
	}
	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *Provider) serveAuth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	qv := req.URL.Query()
	redirectURI := qv.Get("redirect_uri")
	if redirectURI == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch {
	case p.authError != "":
		p.authErrorRedirect(w, req, p.authError, "forced auth failure")
		return
	case qv.Get("response_type") != "code":
		p.authErrorRedirect(w, req, "unsupported_response_type", "")
		return
	case qv.Get("client_id") != p.clientID:
		p.authErrorRedirect(w, req, "unauthorized_client", "unknown client")
		return
	case !strings.Contains(" "+qv.Get("scope")+" ", " openid "):
		p.authErrorRedirect(w, req, "invalid_scope", "")
		return
	case qv.Get("state") == "":
		p.authErrorRedirect(w, req, "invalid_request", "missing state parameter")
		return
	}
	p.challenge = qv.Get("code_challenge")
	p.challengeMethod = qv.Get("code_challenge_method")
	p.nonce = qv.Get("nonce")
	p.authRedirect = redirectURI

	http.Redirect(w, req, redirectURI+"?state="+url.QueryEscape(qv.Get("state"))+
		"&code="+url.QueryEscape(p.expectedAuthCode)+"&session_state=session-1", http.StatusFound)
}

func (p *Provider) serveCodeExchange(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case req.PostFormValue("grant_type") != "authorization_code":
		p.writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "bad grant_type")
		return
	case req.PostFormValue("client_id") != p.clientID:
		p.writeTokenError(w, http.StatusUnauthorized, "unauthorized_client", "unknown client")
		return
	case req.PostFormValue("code") != p.expectedAuthCode:
		p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
		return
	case p.authRedirect != "" && req.PostFormValue("redirect_uri") != p.authRedirect:
		p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if p.challenge != "" {
		verifier := req.PostFormValue("code_verifier")
		want := p.challenge
		got := verifier
		if p.challengeMethod == "S256" {
			got = s256(verifier)
		}
		if verifier == "" || got != want {
			p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}
	p.writeJSON(w, http.StatusOK, p.issueLocked(p.clock.Now(), true))
}

func (p *Provider) serveRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if req.PostFormValue("client_id") != p.clientID {
		p.writeTokenError(w, http.StatusUnauthorized, "unauthorized_client", "unknown client")
		return
	}
	rt := req.PostFormValue("refresh_token")
	if !p.refreshTokens[rt] {
		p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "Session not active")
		return
	}
	var claims jwt.Claims
	if parsed, err := jwt.ParseSigned(rt, []jose.SignatureAlgorithm{jose.ES256}); err == nil {
		if err := parsed.Claims(p.key.Public(), &claims); err == nil && claims.Expiry != nil &&
			!claims.Expiry.Time().After(p.clock.Now()) {
			p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "Token is not active")
			return
		}
	}
	reply := p.issueLocked(p.clock.Now(), !p.omitRotation)
	if !p.omitRotation {
		p.refreshTokens[rt] = false
	}
	p.writeJSON(w, http.StatusOK, reply)
}

func (p *Provider) serveRevoke(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tk := req.PostFormValue("token")
	if _, ok := p.accessTokens[tk]; ok {
		p.accessTokens[tk] = false
	}
	if _, ok := p.refreshTokens[tk]; ok {
		p.refreshTokens[tk] = false
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) serveEndSession(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if req.PostFormValue("client_id") != p.clientID {
		p.writeTokenError(w, http.StatusBadRequest, "unauthorized_client", "unknown client")
		return
	}
	if rt := req.PostFormValue("refresh_token"); rt != "" {
		p.refreshTokens[rt] = false
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) serveUserInfo(w http.ResponseWriter, req *http.Request) {
	bearer := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !p.accessTokens[bearer] {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		p.writeTokenError(w, http.StatusUnauthorized, "invalid_token", "Token verification failed")
		return
	}
	p.writeJSON(w, http.StatusOK, p.userInfo)
}

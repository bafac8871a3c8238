// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/authcode"
	"github.com/hashicorp/oidc-session/session"
	"github.com/joho/godotenv"
)

// cliConfig is read from OIDC_SESSION_* environment variables, after an
// optional .env file in the working directory.
type cliConfig struct {
	URL                string        `env:"URL,required"`
	Realm              string        `env:"REALM,required"`
	ClientID           string        `env:"CLIENT_ID,required"`
	RedirectURL        string        `env:"REDIRECT_URL"`
	PKCE               bool          `env:"PKCE" envDefault:"true"`
	Scopes             []string      `env:"SCOPES" envSeparator:","`
	RefreshBuffer      time.Duration `env:"REFRESH_BUFFER" envDefault:"10s"`
	DisableAutoRefresh bool          `env:"DISABLE_AUTO_REFRESH"`
	StorePath          string        `env:"STORE_PATH"`
	ProviderCA         string        `env:"CA_PEM,file"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"warn"`
	ProbeURL           string        `env:"PROBE_URL"`
}

const (
	envPrefix          = "OIDC_SESSION_"
	defaultOAuthPort   = 8250
	defaultStoreFolder = "oidc-session"
	defaultStoreFile   = "session.db"
)

// loadConfig parses the configuration from environ, or from the process
// environment when environ is nil.
func loadConfig(environ map[string]string) (*cliConfig, error) {
	const op = "loadConfig"
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	} else {
		_ = godotenv.Load()
	}
	cfg := &cliConfig{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = authcode.LoopbackRedirectURL(defaultOAuthPort, "")
	}
	if cfg.StorePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("%s: unable to find a directory for the session store, set %sSTORE_PATH: %w", op, envPrefix, err)
		}
		cfg.StorePath = filepath.Join(dir, defaultStoreFolder, defaultStoreFile)
	}
	if hclog.LevelFromString(cfg.LogLevel) == hclog.NoLevel {
		return nil, fmt.Errorf("%s: unknown log level %q", op, cfg.LogLevel)
	}
	return cfg, nil
}

// sessionConfig converts cfg into a session.Config.
func (cfg *cliConfig) sessionConfig() (*session.Config, error) {
	return session.NewConfig(cfg.URL, cfg.Realm, cfg.ClientID, cfg.RedirectURL,
		session.WithScopes(cfg.Scopes...),
		session.WithPKCE(cfg.PKCE),
		session.WithRefreshTimeBuffer(cfg.RefreshBuffer),
		session.WithDisableAutoRefresh(cfg.DisableAutoRefresh),
		session.WithProviderCA(cfg.ProviderCA),
	)
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/oidc-session/authcode"
	"github.com/hashicorp/oidc-session/connectivity"
	"github.com/hashicorp/oidc-session/session"
	"github.com/hashicorp/oidc-session/store"
	"github.com/spf13/cobra"
)

// app holds what every command needs. It's set up before a command runs and
// torn down after it.
type app struct {
	environ   map[string]string
	logOutput io.Writer
	noBrowser bool

	cfg     *cliConfig
	logger  hclog.Logger
	storage *store.BoltStorage
	probe   *connectivity.Probe
	gate    connectivity.Gate
	ctrl    *session.Controller
}

// execute runs the command line args. environ overrides the process
// environment when it's not nil.
func execute(ctx context.Context, args []string, environ map[string]string, out, errOut io.Writer) error {
	a := &app{environ: environ, logOutput: errOut}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	if tErr := a.teardown(); tErr != nil {
		err = multierror.Append(err, tErr)
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "oidc-session",
		Short: "Manage an OIDC login session with a Keycloak realm",
		Long: `oidc-session logs in to a Keycloak realm with the authorization code flow,
keeps the tokens in a local store and refreshes them before they expire.

Configuration is read from OIDC_SESSION_* environment variables and an
optional .env file:

  OIDC_SESSION_URL                   Keycloak base URL (required)
  OIDC_SESSION_REALM                 realm (required)
  OIDC_SESSION_CLIENT_ID             public client id (required)
  OIDC_SESSION_REDIRECT_URL          loopback redirect URL
  OIDC_SESSION_PKCE                  use PKCE (default true)
  OIDC_SESSION_SCOPES                comma separated additional scopes
  OIDC_SESSION_REFRESH_BUFFER        refresh this long before expiry (default 10s)
  OIDC_SESSION_DISABLE_AUTO_REFRESH  don't refresh ahead of expiry
  OIDC_SESSION_STORE_PATH            token database file
  OIDC_SESSION_CA_PEM                file with the provider's CA certificate
  OIDC_SESSION_LOG_LEVEL             trace, debug, info, warn or error (default warn)
  OIDC_SESSION_PROBE_URL             URL checked to decide whether we're online`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&a.noBrowser, "no-browser", false, "print the login URL instead of launching a browser")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newRefreshCmd(a),
		newUserInfoCmd(a),
		newStatusCmd(a),
		newWatchCmd(a),
	)
	return root
}

// run sets the app up before fn runs.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.setup(cmd); err != nil {
			return err
		}
		return fn(cmd, args)
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	const op = "app.setup"
	ctx := cmd.Context()
	var err error
	if a.cfg, err = loadConfig(a.environ); err != nil {
		return err
	}
	logOutput := a.logOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	a.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "oidc-session",
		Level:  hclog.LevelFromString(a.cfg.LogLevel),
		Output: logOutput,
	})

	sessionCfg, err := a.cfg.sessionConfig()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if a.storage, err = store.OpenBoltStorage(a.cfg.StorePath); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	st, err := store.NewTokenStore(a.storage, store.WithLogger(a.logger.Named("store")))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if a.cfg.ProbeURL != "" {
		if a.probe, err = connectivity.NewProbe(a.cfg.ProbeURL, connectivity.WithLogger(a.logger.Named("probe"))); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.probe.Check(ctx)
		a.gate = a.probe
	} else {
		a.gate = connectivity.NewSignal(true)
	}

	var prompter authcode.Prompter = &authcode.BrowserPrompter{Out: cmd.ErrOrStderr()}
	if a.noBrowser {
		prompter = &authcode.PrintPrompter{Out: cmd.ErrOrStderr()}
	}
	auth := authcode.NewAuthorizer(
		authcode.WithPrompter(prompter),
		authcode.WithLogger(a.logger.Named("authcode")),
	)

	if a.ctrl, err = session.New(sessionCfg, st, auth, a.gate, session.WithLogger(a.logger.Named("session"))); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := a.ctrl.Start(ctx); err != nil {
		// the command decides whether the session is good enough
		a.logger.Warn("session check failed", "error", err)
	}
	return nil
}

func (a *app) teardown() error {
	var result *multierror.Error
	if a.ctrl != nil {
		if err := a.ctrl.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

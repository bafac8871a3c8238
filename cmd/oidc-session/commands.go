// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/oidc-session/session"
	"github.com/hashicorp/oidc-session/token"
	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		force  bool
		prompt string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with the authorization code flow",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			if a.ctrl.Status().IsLoggedIn && !force {
				fmt.Fprintln(cmd.OutOrStdout(), "Already logged in, use --force to log in again.")
				return nil
			}
			var opts map[string]string
			if prompt != "" {
				opts = map[string]string{"prompt": prompt}
			}
			if _, err := a.ctrl.Login(cmd.Context(), opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in.")
			return printExpiry(cmd.OutOrStdout(), a.ctrl.Status().Tokens)
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "log in even when a session exists")
	cmd.Flags().StringVar(&prompt, "prompt", "", `"prompt" parameter of the authorization request, e.g. login`)
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear the stored tokens",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			err := a.ctrl.Logout(cmd.Context())
			switch {
			case errors.Is(err, session.ErrNotLoggedIn):
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		}),
	}
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			rec, err := a.ctrl.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tokens refreshed.")
			return printExpiry(cmd.OutOrStdout(), rec)
		}),
	}
}

func newUserInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "userinfo",
		Short: "Print the user info claims of the session",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			claims, err := a.ctrl.LoadUserInfo(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), claims)
		}),
	}
}

// statusView is the printable part of a session.Status; tokens are left out.
type statusView struct {
	State            string     `json:"state"`
	LoggedIn         bool       `json:"logged_in"`
	Online           bool       `json:"online"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Subject          string     `json:"subject,omitempty"`
	HasRefreshToken  bool       `json:"has_refresh_token"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

func newStatusView(s session.Status) statusView {
	v := statusView{
		State:    s.State.String(),
		LoggedIn: s.IsLoggedIn,
		Online:   s.Online,
	}
	if s.Tokens == nil {
		return v
	}
	if s.Tokens.ExpiresIn != nil {
		exp := s.Tokens.ExpiresAt()
		v.ExpiresAt = &exp
	}
	if claims, err := token.ParseAccessClaims(s.Tokens.AccessToken); err == nil {
		v.Subject = claims.Subject
	}
	v.HasRefreshToken = s.Tokens.HasRefreshToken()
	if v.HasRefreshToken && s.Tokens.RefreshExpiresIn != nil && *s.Tokens.RefreshExpiresIn > 0 {
		exp := time.Unix(s.Tokens.IssuedAt+*s.Tokens.RefreshExpiresIn, 0)
		v.RefreshExpiresAt = &exp
	}
	return v
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the session status",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			v := newStatusView(a.ctrl.Status())
			if asJSON {
				return printJSON(cmd.OutOrStdout(), v)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State:      %s\n", v.State)
			fmt.Fprintf(out, "Logged in:  %t\n", v.LoggedIn)
			fmt.Fprintf(out, "Online:     %t\n", v.Online)
			if v.Subject != "" {
				fmt.Fprintf(out, "Subject:    %s\n", v.Subject)
			}
			if v.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires at: %s\n", v.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive until interrupted",
		Long: `watch keeps the session alive: tokens are refreshed ahead of their expiry
and, with OIDC_SESSION_PROBE_URL set, the session follows connectivity
changes. Every status change is printed.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			unsubscribe := a.ctrl.Subscribe(func(s session.Status) {
				if !s.Ready {
					return
				}
				fmt.Fprintf(out, "%s state=%s logged_in=%t online=%t\n",
					time.Now().Format(time.RFC3339), s.State, s.IsLoggedIn, s.Online)
			})
			defer unsubscribe()

			s := a.ctrl.Status()
			fmt.Fprintf(out, "watching session, state=%s logged_in=%t online=%t\n", s.State, s.IsLoggedIn, s.Online)
			if a.probe != nil {
				go func() { _ = a.probe.Run(ctx) }()
			}
			<-ctx.Done()
			return nil
		}),
	}
}

func printExpiry(w io.Writer, rec *token.Record) error {
	if rec == nil || rec.ExpiresIn == nil {
		return nil
	}
	_, err := fmt.Fprintf(w, "Access token expires at %s.\n", rec.ExpiresAt().Format(time.RFC3339))
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

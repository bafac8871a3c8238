// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authcode

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
)

// Prompter presents an authorization URL to the user.
type Prompter interface {
	Prompt(ctx context.Context, authURL string) error
}

// PromptFunc adapts a func to a Prompter.
type PromptFunc func(ctx context.Context, authURL string) error

// Prompt implements Prompter.
func (f PromptFunc) Prompt(ctx context.Context, authURL string) error {
	return f(ctx, authURL)
}

// PrintPrompter writes the authorization URL for the user to visit.
type PrintPrompter struct {
	// Out defaults to os.Stderr.
	Out io.Writer
}

// Prompt implements Prompter.
func (p *PrintPrompter) Prompt(_ context.Context, authURL string) error {
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	_, err := fmt.Fprintf(out, "Complete the login via your OIDC provider by visiting:\n\n    %s\n\n", authURL)
	return err
}

// BrowserPrompter launches the default browser with the authorization URL,
// printing it as well in case the browser can't be launched.
type BrowserPrompter struct {
	// Out defaults to os.Stderr.
	Out io.Writer
}

// Prompt implements Prompter.
func (p *BrowserPrompter) Prompt(ctx context.Context, authURL string) error {
	const op = "BrowserPrompter.Prompt"
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "Complete the login via your OIDC provider. Launching browser to:\n\n    %s\n\n", authURL)
	if err := openURL(ctx, authURL); err != nil {
		fmt.Fprintf(out, "Error attempting to automatically open browser: '%s'.\nPlease visit the authorization URL manually.\n", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// openURL opens the specified URL in the default browser of the user.
func openURL(ctx context.Context, url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	case "darwin":
		cmd = "open"
		args = []string{url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}
	return exec.CommandContext(ctx, cmd, args...).Start()
}

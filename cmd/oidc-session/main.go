// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// oidc-session manages an OIDC login session with a Keycloak realm from the
// command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// handle ctrl-c while waiting for the redirect or watching
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], nil, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

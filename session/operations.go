// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"fmt"

	"github.com/hashicorp/oidc-session/token"
)

// operations is the set of session operations for one connectivity. The
// controller swaps sets as connectivity changes.
type operations interface {
	online() bool
	login(ctx context.Context, opts map[string]string) (*AuthResult, error)
	logout(ctx context.Context) error
	refresh(ctx context.Context) (*token.Record, error)
	userInfo(ctx context.Context) (map[string]interface{}, error)
}

// offlineOperations reject everything that needs the provider.
type offlineOperations struct {
	c *Controller
}

var _ operations = (*offlineOperations)(nil)

func (o *offlineOperations) online() bool { return false }

func (o *offlineOperations) login(context.Context, map[string]string) (*AuthResult, error) {
	const op = "Controller.login"
	return nil, fmt.Errorf("%s: %w", op, ErrOffline)
}

func (o *offlineOperations) refresh(context.Context) (*token.Record, error) {
	const op = "Controller.refresh"
	return nil, fmt.Errorf("%s: %w", op, ErrOffline)
}

func (o *offlineOperations) userInfo(context.Context) (map[string]interface{}, error) {
	const op = "Controller.userInfo"
	return nil, fmt.Errorf("%s: %w", op, ErrOffline)
}

// logout clears the local tokens without notifying the provider, unless the
// policy rejects logging out offline.
func (o *offlineOperations) logout(ctx context.Context) error {
	const op = "Controller.logout"
	c := o.c
	if c.offlineLogout == OfflineLogoutReject {
		return fmt.Errorf("%s: %w", op, ErrOffline)
	}
	env := c.current()
	if !env.store.Get(ctx).HasAccessToken() {
		return fmt.Errorf("%s: %w", op, ErrNotLoggedIn)
	}
	c.sched.Cancel()
	c.update(inState(StateLoggingOut))
	c.logger.Info("offline, logging out locally only")
	if err := c.clearLocal(ctx, env.store); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

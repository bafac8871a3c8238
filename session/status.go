// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import "github.com/hashicorp/oidc-session/token"

// State is a state of the session lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateChecking
	StateAuthenticated
	StateUnauthenticated
	StateRefreshing
	StateLoggingIn
	StateLoggingOut
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateChecking:
		return "checking"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateRefreshing:
		return "refreshing"
	case StateLoggingIn:
		return "logging_in"
	case StateLoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// Ready reports whether the session status has been determined.
func (s State) Ready() bool {
	return s != StateUninitialized && s != StateChecking
}

// Status is a snapshot of the session.
type Status struct {
	State State

	// Ready is false until the status has been determined.
	Ready bool

	IsLoggedIn bool

	// Online is the connectivity the current operation set was chosen for.
	Online bool

	// Tokens are the stored tokens of a logged in session.
	Tokens *token.Record
}

// transition derives the next status with fn, keeping Ready consistent with
// the state.
func transition(prev Status, fn func(Status) Status) Status {
	next := fn(prev)
	next.Ready = next.State.Ready()
	if next.Tokens != nil {
		next.Tokens = next.Tokens.Clone()
	}
	return next
}

// settled returns the status of a session resting in Authenticated or
// Unauthenticated.
func settled(loggedIn bool, tokens *token.Record) func(Status) Status {
	return func(s Status) Status {
		s.IsLoggedIn = loggedIn
		if loggedIn {
			s.State = StateAuthenticated
			s.Tokens = tokens
		} else {
			s.State = StateUnauthenticated
			s.Tokens = nil
		}
		return s
	}
}

// inState moves to a transient state, leaving the rest of the status alone.
func inState(state State) func(Status) Status {
	return func(s Status) Status {
		s.State = state
		return s
	}
}

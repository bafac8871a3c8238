// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// oidcsession provides a collection of related packages which manage the
// OIDC login session of a public client with a Keycloak realm: the
// authorization code flow, token storage, refreshes ahead of expiry and
// offline operation.
//
// The session package holds the Controller; token, store, discovery,
// scheduler, connectivity and authcode provide its building blocks. The
// oidc-session command drives a session from the command line.
package oidcsession

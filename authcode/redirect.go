// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authcode

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultNativePath is the path of a native app's redirect URL.
const DefaultNativePath = "auth/redirect"

// RedirectURL returns the redirect URL of a native app registered for
// scheme, e.g. "myapp://auth/redirect".
func RedirectURL(scheme, nativePath string) string {
	nativePath = strings.TrimPrefix(nativePath, "/")
	if nativePath == "" {
		nativePath = DefaultNativePath
	}
	return fmt.Sprintf("%s://%s", strings.TrimSuffix(scheme, "://"), nativePath)
}

// LoopbackRedirectURL returns a loopback redirect URL on port, which an
// Authorizer can serve.
func LoopbackRedirectURL(port int, path string) string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		path = "callback"
	}
	return fmt.Sprintf("http://%s/%s", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), path)
}

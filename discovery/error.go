// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package discovery

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDiscovery means the realm's metadata is unavailable: the request
	// failed or the document is malformed.
	ErrDiscovery = errors.New("discovery failed")
)

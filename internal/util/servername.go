// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName trims whitespace and lowercases a server name so that
// comparisons remain case-insensitive. Domain names are case-insensitive
// per RFC 1035.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}

// SplitUserID returns the localpart and the normalised server name of a
// fully qualified user ID.
func SplitUserID(userID string) (localpart string, serverName spec.ServerName, ok bool) {
	if !strings.HasPrefix(userID, "@") {
		return "", "", false
	}
	localpart, domain, found := strings.Cut(userID[1:], ":")
	if !found || localpart == "" || domain == "" {
		return "", "", false
	}
	return localpart, NormalizeServerName(spec.ServerName(domain)), true
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestSplitUserID(t *testing.T) {
	tests := []struct {
		userID     string
		localpart  string
		serverName spec.ServerName
		ok         bool
	}{
		{"@alice:example.com", "alice", "example.com", true},
		{"@Alice: Example.COM:8448", "Alice", "example.com:8448", true},
		{"alice:example.com", "", "", false},
		{"@alice", "", "", false},
		{"@:example.com", "", "", false},
	}
	for _, tt := range tests {
		localpart, serverName, ok := SplitUserID(tt.userID)
		assert.Equal(t, tt.ok, ok, tt.userID)
		assert.Equal(t, tt.localpart, localpart, tt.userID)
		assert.Equal(t, tt.serverName, serverName, tt.userID)
	}
}

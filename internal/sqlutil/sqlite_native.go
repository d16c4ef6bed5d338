// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

//go:build !cgo
// +build !cgo

package sqlutil

import (
	_ "modernc.org/sqlite"
)

const SQLiteDriverName = "sqlite"

func sqliteDSNParams() string {
	return "_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
}

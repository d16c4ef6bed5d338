// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"context"
	"testing"

	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/storage"
)

// MustCreateDatabase opens a fresh replica database of the given type.
func MustCreateDatabase(t *testing.T, dbType DBType) (storage.Database, func()) {
	t.Helper()
	connStr, close := PrepareDBConnectionString(t, dbType)
	db, err := storage.NewSyncReplicaDatasource(context.Background(), &config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	})
	if err != nil {
		close()
		t.Fatalf("NewSyncReplicaDatasource returned %s", err)
	}
	return db, close
}

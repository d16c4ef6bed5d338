// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"fmt"

	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/storage/postgres"
	"github.com/element-hq/clientsync/syncapi/storage/sqlite3"
)

// NewSyncReplicaDatasource opens a replica database, picking the backend
// from the connection string.
func NewSyncReplicaDatasource(ctx context.Context, dbProperties *config.DatabaseOptions) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(ctx, dbProperties)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(ctx, dbProperties)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}

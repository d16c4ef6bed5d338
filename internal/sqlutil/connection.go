// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"

	// Import the postgres database driver.
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/setup/config"
)

// Open opens the database described by dbProperties. SQLite connection strings start
// with "file:", anything starting with "postgres://" or "postgresql://" goes to lib/pq.
func Open(dbProperties *config.DatabaseOptions) (*sql.DB, error) {
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = SQLiteDriverName
		dsn = string(dbProperties.ConnectionString)
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqliteDSNParams()
		}
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}
	if dsn == "" {
		return nil, fmt.Errorf("no database connection string given")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName != SQLiteDriverName {
		logrus.WithFields(logrus.Fields{
			"MaxOpenConns":    dbProperties.MaxOpenConns(),
			"MaxIdleConns":    dbProperties.MaxIdleConns(),
			"ConnMaxLifetime": dbProperties.ConnMaxLifetime(),
			"dataSourceName":  regexpRedactPassword(dsn),
		}).Debug("Setting DB connection limits")
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	} else {
		// SQLite allows a single writer per file.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// regexpRedactPassword hides the password portion of a postgres URL.
func regexpRedactPassword(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return dsn[:scheme+3] + userinfo[:colon] + ":xxxxx" + dsn[at:]
	}
	return dsn
}

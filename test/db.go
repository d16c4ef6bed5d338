// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

func (t DBType) String() string {
	if t == DBTypePostgres {
		return "Postgres"
	}
	return "SQLite"
}

// PostgresDSNEnv names the environment variable holding a connection string
// to a Postgres server the tests may create databases on. Postgres tests are
// skipped when it is unset.
const PostgresDSNEnv = "CLIENTSYNC_TEST_POSTGRES"

// PrepareDBConnectionString returns a connection string to a fresh database
// of the given type, and a function to tear it down.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	t.Helper()
	if dbType == DBTypeSQLite {
		dbPath := filepath.Join(t.TempDir(), "clientsync_test.db")
		return "file:" + dbPath, func() {}
	}

	baseDSN := os.Getenv(PostgresDSNEnv)
	if baseDSN == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	u, err := url.Parse(baseDSN)
	if err != nil {
		t.Fatalf("failed to parse %s: %s", PostgresDSNEnv, err)
	}
	hash := sha256.Sum256([]byte(t.Name()))
	dbName := "clientsync_test_" + hex.EncodeToString(hash[:8])

	admin, err := sql.Open("postgres", baseDSN)
	if err != nil {
		t.Fatalf("failed to open postgres: %s", err)
	}
	if _, err = admin.Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(dbName)); err != nil {
		t.Fatalf("failed to drop database %q: %s", dbName, err)
	}
	if _, err = admin.Exec("CREATE DATABASE " + pq.QuoteIdentifier(dbName)); err != nil {
		t.Fatalf("failed to create database %q: %s", dbName, err)
	}
	u.Path = "/" + dbName
	return u.String(), func() {
		if _, err := admin.Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(dbName) + " WITH (FORCE)"); err != nil {
			t.Logf("failed to drop database %q: %s", dbName, err)
		}
		_ = admin.Close()
	}
}

// WithAllDatabases runs testFn once per supported database backend.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	dbs := map[string]DBType{
		"postgres": DBTypePostgres,
		"sqlite":   DBTypeSQLite,
	}
	for dbName, dbType := range dbs {
		dbt := dbType
		t.Run(dbName, func(tt *testing.T) {
			testFn(tt, dbt)
		})
	}
}

// MustNotError fails the test immediately on err.
func MustNotError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", fmt.Sprint(err))
	}
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
)

const syncPositionSchema = `
-- The next_batch token of the last committed sync response. Single row.
CREATE TABLE IF NOT EXISTS replica_sync_position (
	id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
	next_batch TEXT NOT NULL
);
`

const selectSyncTokenSQL = "" +
	"SELECT next_batch FROM replica_sync_position WHERE id = 1"

const upsertSyncTokenSQL = "" +
	"INSERT INTO replica_sync_position (id, next_batch) VALUES (1, $1)" +
	" ON CONFLICT (id) DO UPDATE SET next_batch = $1"

type syncPositionStatements struct {
	selectSyncTokenStmt *sql.Stmt
	upsertSyncTokenStmt *sql.Stmt
}

func NewSqliteSyncPositionTable(db *sql.DB) (tables.SyncPosition, error) {
	s := &syncPositionStatements{}
	_, err := db.Exec(syncPositionSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.selectSyncTokenStmt, selectSyncTokenSQL},
		{&s.upsertSyncTokenStmt, upsertSyncTokenSQL},
	}.Prepare(db)
}

// SelectSyncToken returns "" if nothing has been committed yet.
func (s *syncPositionStatements) SelectSyncToken(
	ctx context.Context, txn *sql.Tx,
) (token string, err error) {
	err = sqlutil.TxStmt(txn, s.selectSyncTokenStmt).QueryRowContext(ctx).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return
}

func (s *syncPositionStatements) UpsertSyncToken(
	ctx context.Context, txn *sql.Tx, token string,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertSyncTokenStmt).ExecContext(ctx, token)
	return err
}

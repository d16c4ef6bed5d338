// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
)

const currentStateSchema = `
-- Points at the event holding each (type, state_key) of a room.
CREATE TABLE IF NOT EXISTS replica_current_state (
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, type, state_key)
);
`

const upsertCurrentStateSQL = "" +
	"INSERT INTO replica_current_state (room_id, type, state_key, event_id)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, type, state_key) DO UPDATE SET event_id = $4"

const selectCurrentStateEventIDSQL = "" +
	"SELECT event_id FROM replica_current_state WHERE room_id = $1 AND type = $2 AND state_key = $3"

const selectCurrentStateByTypeSQL = "" +
	"SELECT state_key, event_id FROM replica_current_state WHERE room_id = $1 AND type = $2"

const purgeCurrentStateSQL = "" +
	"DELETE FROM replica_current_state WHERE room_id = $1"

type currentStateStatements struct {
	upsertCurrentStateStmt        *sql.Stmt
	selectCurrentStateEventIDStmt *sql.Stmt
	selectCurrentStateByTypeStmt  *sql.Stmt
	purgeCurrentStateStmt         *sql.Stmt
}

func NewPostgresCurrentStateTable(db *sql.DB) (tables.CurrentState, error) {
	s := &currentStateStatements{}
	_, err := db.Exec(currentStateSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertCurrentStateStmt, upsertCurrentStateSQL},
		{&s.selectCurrentStateEventIDStmt, selectCurrentStateEventIDSQL},
		{&s.selectCurrentStateByTypeStmt, selectCurrentStateByTypeSQL},
		{&s.purgeCurrentStateStmt, purgeCurrentStateSQL},
	}.Prepare(db)
}

func (s *currentStateStatements) UpsertCurrentState(
	ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey, eventID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertCurrentStateStmt).ExecContext(ctx, roomID, eventType, stateKey, eventID)
	return err
}

func (s *currentStateStatements) SelectCurrentStateEventID(
	ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey string,
) (string, error) {
	var eventID string
	err := sqlutil.TxStmt(txn, s.selectCurrentStateEventIDStmt).QueryRowContext(ctx, roomID, eventType, stateKey).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return eventID, err
}

func (s *currentStateStatements) SelectCurrentStateByType(
	ctx context.Context, txn *sql.Tx, roomID, eventType string,
) (map[string]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectCurrentStateByTypeStmt).QueryContext(ctx, roomID, eventType)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentStateByType: rows.close() failed")
	result := make(map[string]string)
	for rows.Next() {
		var stateKey, eventID string
		if err = rows.Scan(&stateKey, &eventID); err != nil {
			return nil, err
		}
		result[stateKey] = eventID
	}
	return result, rows.Err()
}

func (s *currentStateStatements) PurgeCurrentState(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeCurrentStateStmt).ExecContext(ctx, roomID)
	return err
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const localEchoesSchema = `
-- Events sent by this device that the server hasn't echoed back yet.
CREATE TABLE IF NOT EXISTS replica_local_echoes (
	room_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	event_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	send_state TEXT NOT NULL,
	-- JSON encoded decryption result of the echo, if it was encrypted
	decryption TEXT,
	created_ts BIGINT NOT NULL,
	PRIMARY KEY (room_id, transaction_id)
);
`

const upsertLocalEchoSQL = "" +
	"INSERT INTO replica_local_echoes (room_id, transaction_id, event_id, type, content, send_state, decryption, created_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (room_id, transaction_id) DO UPDATE SET event_id = $3, type = $4, content = $5," +
	" send_state = $6, decryption = $7"

const localEchoColumns = "" +
	"room_id, transaction_id, event_id, type, content, send_state, decryption, created_ts"

const selectLocalEchoSQL = "" +
	"SELECT " + localEchoColumns + " FROM replica_local_echoes WHERE room_id = $1 AND transaction_id = $2"

const selectLocalEchoesSQL = "" +
	"SELECT " + localEchoColumns + " FROM replica_local_echoes WHERE room_id = $1 ORDER BY created_ts ASC"

const updateSendStateSQL = "" +
	"UPDATE replica_local_echoes SET send_state = $1 WHERE room_id = $2 AND transaction_id = $3"

const deleteLocalEchoSQL = "" +
	"DELETE FROM replica_local_echoes WHERE room_id = $1 AND transaction_id = $2"

const purgeLocalEchoesSQL = "" +
	"DELETE FROM replica_local_echoes WHERE room_id = $1"

type localEchoesStatements struct {
	upsertLocalEchoStmt   *sql.Stmt
	selectLocalEchoStmt   *sql.Stmt
	selectLocalEchoesStmt *sql.Stmt
	updateSendStateStmt   *sql.Stmt
	deleteLocalEchoStmt   *sql.Stmt
	purgeLocalEchoesStmt  *sql.Stmt
}

func NewSqliteLocalEchoesTable(db *sql.DB) (tables.LocalEchoes, error) {
	s := &localEchoesStatements{}
	_, err := db.Exec(localEchoesSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertLocalEchoStmt, upsertLocalEchoSQL},
		{&s.selectLocalEchoStmt, selectLocalEchoSQL},
		{&s.selectLocalEchoesStmt, selectLocalEchoesSQL},
		{&s.updateSendStateStmt, updateSendStateSQL},
		{&s.deleteLocalEchoStmt, deleteLocalEchoSQL},
		{&s.purgeLocalEchoesStmt, purgeLocalEchoesSQL},
	}.Prepare(db)
}

func (s *localEchoesStatements) UpsertLocalEcho(
	ctx context.Context, txn *sql.Tx, echo *types.PendingLocalEcho,
) error {
	decryption, err := encodeDecryption(echo.Decryption)
	if err != nil {
		return err
	}
	content := echo.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	_, err = sqlutil.TxStmt(txn, s.upsertLocalEchoStmt).ExecContext(
		ctx, echo.RoomID, echo.TransactionID, echo.EventID, echo.Type, string(content),
		string(echo.SendState), decryption, int64(echo.CreatedTS),
	)
	return err
}

func (s *localEchoesStatements) SelectLocalEcho(
	ctx context.Context, txn *sql.Tx, roomID, transactionID string,
) (*types.PendingLocalEcho, error) {
	return scanLocalEcho(sqlutil.TxStmt(txn, s.selectLocalEchoStmt).QueryRowContext(ctx, roomID, transactionID))
}

func (s *localEchoesStatements) SelectLocalEchoes(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]*types.PendingLocalEcho, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectLocalEchoesStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectLocalEchoes: rows.close() failed")
	var echoes []*types.PendingLocalEcho
	for rows.Next() {
		echo, err := scanLocalEcho(rows)
		if err != nil {
			return nil, err
		}
		echoes = append(echoes, echo)
	}
	return echoes, rows.Err()
}

func (s *localEchoesStatements) UpdateSendState(
	ctx context.Context, txn *sql.Tx, roomID, transactionID string, state types.SendState,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateSendStateStmt).ExecContext(ctx, string(state), roomID, transactionID)
	return err
}

func (s *localEchoesStatements) DeleteLocalEcho(
	ctx context.Context, txn *sql.Tx, roomID, transactionID string,
) (bool, error) {
	res, err := sqlutil.TxStmt(txn, s.deleteLocalEchoStmt).ExecContext(ctx, roomID, transactionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *localEchoesStatements) PurgeLocalEchoes(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeLocalEchoesStmt).ExecContext(ctx, roomID)
	return err
}

func scanLocalEcho(row rowScanner) (*types.PendingLocalEcho, error) {
	var echo types.PendingLocalEcho
	var content, sendState string
	var decryption sql.NullString
	var createdTS int64
	if err := row.Scan(
		&echo.RoomID, &echo.TransactionID, &echo.EventID, &echo.Type, &content, &sendState, &decryption, &createdTS,
	); err != nil {
		return nil, err
	}
	echo.Content = json.RawMessage(content)
	echo.SendState = types.SendState(sendState)
	echo.CreatedTS = spec.Timestamp(createdTS)
	if decryption.Valid {
		echo.Decryption = &types.DecryptionResult{}
		if err := json.Unmarshal([]byte(decryption.String), echo.Decryption); err != nil {
			return nil, fmt.Errorf("json.Unmarshal: %w", err)
		}
	}
	return &echo, nil
}

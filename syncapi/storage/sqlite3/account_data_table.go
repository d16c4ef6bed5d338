// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
	"github.com/element-hq/clientsync/syncapi/types"
)

const accountDataSchema = `
-- The m.tag set of each room.
CREATE TABLE IF NOT EXISTS replica_room_tags (
	room_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	tag_order REAL,
	PRIMARY KEY (room_id, tag)
);

-- Room account data stored verbatim. Global account data uses room_id ''.
CREATE TABLE IF NOT EXISTS replica_account_data (
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (room_id, type)
);
`

const insertRoomTagSQL = "" +
	"INSERT INTO replica_room_tags (room_id, tag, tag_order) VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id, tag) DO UPDATE SET tag_order = $3"

const selectRoomTagsSQL = "" +
	"SELECT tag, tag_order FROM replica_room_tags WHERE room_id = $1 ORDER BY tag"

const deleteRoomTagsSQL = "" +
	"DELETE FROM replica_room_tags WHERE room_id = $1"

const upsertAccountDataSQL = "" +
	"INSERT INTO replica_account_data (room_id, type, content) VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id, type) DO UPDATE SET content = $3"

const selectAccountDataSQL = "" +
	"SELECT content FROM replica_account_data WHERE room_id = $1 AND type = $2"

const purgeAccountDataSQL = "" +
	"DELETE FROM replica_account_data WHERE room_id = $1"

type roomTagsStatements struct {
	insertRoomTagStmt  *sql.Stmt
	selectRoomTagsStmt *sql.Stmt
	deleteRoomTagsStmt *sql.Stmt
}

type accountDataStatements struct {
	upsertAccountDataStmt *sql.Stmt
	selectAccountDataStmt *sql.Stmt
	purgeAccountDataStmt  *sql.Stmt
}

func NewSqliteAccountDataTable(db *sql.DB) (tables.RoomTags, tables.RoomAccountData, error) {
	_, err := db.Exec(accountDataSchema)
	if err != nil {
		return nil, nil, err
	}
	t := &roomTagsStatements{}
	a := &accountDataStatements{}
	return t, a, sqlutil.StatementList{
		{&t.insertRoomTagStmt, insertRoomTagSQL},
		{&t.selectRoomTagsStmt, selectRoomTagsSQL},
		{&t.deleteRoomTagsStmt, deleteRoomTagsSQL},
		{&a.upsertAccountDataStmt, upsertAccountDataSQL},
		{&a.selectAccountDataStmt, selectAccountDataSQL},
		{&a.purgeAccountDataStmt, purgeAccountDataSQL},
	}.Prepare(db)
}

func (s *roomTagsStatements) InsertRoomTag(
	ctx context.Context, txn *sql.Tx, roomID string, tag types.RoomTag,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertRoomTagStmt).ExecContext(ctx, roomID, tag.Name, tag.Order)
	return err
}

func (s *roomTagsStatements) SelectRoomTags(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]types.RoomTag, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomTagsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomTags: rows.close() failed")
	var tags []types.RoomTag
	for rows.Next() {
		var tag types.RoomTag
		var order sql.NullFloat64
		if err = rows.Scan(&tag.Name, &order); err != nil {
			return nil, err
		}
		if order.Valid {
			tag.Order = &order.Float64
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *roomTagsStatements) DeleteRoomTags(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRoomTagsStmt).ExecContext(ctx, roomID)
	return err
}

func (s *accountDataStatements) UpsertAccountData(
	ctx context.Context, txn *sql.Tx, roomID, dataType string, content json.RawMessage,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertAccountDataStmt).ExecContext(ctx, roomID, dataType, string(content))
	return err
}

func (s *accountDataStatements) SelectAccountData(
	ctx context.Context, txn *sql.Tx, roomID, dataType string,
) (json.RawMessage, error) {
	var content string
	err := sqlutil.TxStmt(txn, s.selectAccountDataStmt).QueryRowContext(ctx, roomID, dataType).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(content), nil
}

func (s *accountDataStatements) PurgeAccountData(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeAccountDataStmt).ExecContext(ctx, roomID)
	return err
}

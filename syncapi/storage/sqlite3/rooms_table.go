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
)

const roomsSchema = `
-- The denormalised state of every room the replica knows about.
CREATE TABLE IF NOT EXISTS replica_rooms (
	room_id TEXT NOT NULL PRIMARY KEY,
	membership TEXT NOT NULL DEFAULT '',
	-- JSON encoded snapshot fields
	snapshot TEXT NOT NULL,
	-- NULL until an m.room.encryption event has been seen, '' if it had no algorithm
	encryption_algorithm TEXT,
	inviter_id TEXT,
	inviter_display_name TEXT
);
CREATE INDEX IF NOT EXISTS replica_rooms_membership_idx ON replica_rooms(membership);
`

const selectRoomSQL = "" +
	"SELECT membership, snapshot, encryption_algorithm, inviter_id, inviter_display_name" +
	" FROM replica_rooms WHERE room_id = $1"

const upsertRoomSQL = "" +
	"INSERT INTO replica_rooms (room_id, membership, snapshot, encryption_algorithm, inviter_id, inviter_display_name)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id) DO UPDATE SET membership = $2, snapshot = $3," +
	" encryption_algorithm = $4, inviter_id = $5, inviter_display_name = $6"

const selectRoomIDsSQL = "" +
	"SELECT room_id FROM replica_rooms ORDER BY room_id"

const deleteRoomSQL = "" +
	"DELETE FROM replica_rooms WHERE room_id = $1"

type roomsStatements struct {
	db                *sql.DB
	selectRoomStmt    *sql.Stmt
	upsertRoomStmt    *sql.Stmt
	selectRoomIDsStmt *sql.Stmt
	deleteRoomStmt    *sql.Stmt
}

func NewSqliteRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomsStatements{
		db: db,
	}
	_, err := db.Exec(roomsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.selectRoomStmt, selectRoomSQL},
		{&s.upsertRoomStmt, upsertRoomSQL},
		{&s.selectRoomIDsStmt, selectRoomIDsSQL},
		{&s.deleteRoomStmt, deleteRoomSQL},
	}.Prepare(db)
}

func (s *roomsStatements) SelectRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) (*types.RoomSnapshot, error) {
	var membership, snapshot string
	var algorithm, inviterID, inviterName sql.NullString
	err := sqlutil.TxStmt(txn, s.selectRoomStmt).QueryRowContext(ctx, roomID).Scan(
		&membership, &snapshot, &algorithm, &inviterID, &inviterName,
	)
	if err != nil {
		return nil, err
	}
	room := types.NewRoomSnapshot(roomID)
	if err = json.Unmarshal([]byte(snapshot), room); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	room.RoomID = roomID
	room.Membership = types.Membership(membership)
	room.EncryptionAlgorithm = optionalString(algorithm)
	room.InviterID = optionalString(inviterID)
	room.InviterDisplayName = optionalString(inviterName)
	if room.AliasesByDomain == nil {
		room.AliasesByDomain = map[string][]string{}
	}
	return room, nil
}

func (s *roomsStatements) UpsertRoom(
	ctx context.Context, txn *sql.Tx, room *types.RoomSnapshot,
) error {
	snapshot, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	_, err = sqlutil.TxStmt(txn, s.upsertRoomStmt).ExecContext(
		ctx, room.RoomID, string(room.Membership), string(snapshot),
		room.EncryptionAlgorithm.Ptr(), room.InviterID.Ptr(), room.InviterDisplayName.Ptr(),
	)
	return err
}

func (s *roomsStatements) SelectRoomIDs(
	ctx context.Context, txn *sql.Tx,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomIDsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomIDs: rows.close() failed")
	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

func (s *roomsStatements) DeleteRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteRoomStmt).ExecContext(ctx, roomID)
	return err
}

func optionalString(s sql.NullString) types.Optional[string] {
	if !s.Valid {
		return types.None[string]()
	}
	return types.Some(s.String)
}

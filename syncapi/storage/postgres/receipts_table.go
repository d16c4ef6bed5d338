// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const receiptsSchema = `
-- The latest m.read receipt of each user in each room.
CREATE TABLE IF NOT EXISTS replica_receipts (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	receipt_ts BIGINT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

-- Reverse index of replica_receipts: the users whose receipt points at an event.
CREATE TABLE IF NOT EXISTS replica_receipt_summaries (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id, user_id)
);

-- Receipt fragments stored verbatim during a partitioned initial sync.
CREATE TABLE IF NOT EXISTS replica_parked_receipts (
	room_id TEXT NOT NULL PRIMARY KEY,
	content TEXT NOT NULL
);
`

const selectReceiptSQL = "" +
	"SELECT event_id, receipt_ts FROM replica_receipts WHERE room_id = $1 AND user_id = $2"

const upsertReceiptSQL = "" +
	"INSERT INTO replica_receipts (room_id, user_id, event_id, receipt_ts)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET event_id = $3, receipt_ts = $4"

const purgeReceiptsSQL = "" +
	"DELETE FROM replica_receipts WHERE room_id = $1"

const insertSummaryUserSQL = "" +
	"INSERT INTO replica_receipt_summaries (room_id, event_id, user_id)" +
	" VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id, event_id, user_id) DO NOTHING"

const deleteSummaryUserSQL = "" +
	"DELETE FROM replica_receipt_summaries WHERE room_id = $1 AND event_id = $2 AND user_id = $3"

const selectSummaryUsersSQL = "" +
	"SELECT user_id FROM replica_receipt_summaries WHERE room_id = $1 AND event_id = $2 ORDER BY user_id"

const purgeSummariesSQL = "" +
	"DELETE FROM replica_receipt_summaries WHERE room_id = $1"

const upsertParkedReceiptsSQL = "" +
	"INSERT INTO replica_parked_receipts (room_id, content) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO UPDATE SET content = $2"

const selectParkedReceiptsSQL = "" +
	"SELECT content FROM replica_parked_receipts WHERE room_id = $1"

const deleteParkedReceiptsSQL = "" +
	"DELETE FROM replica_parked_receipts WHERE room_id = $1"

type receiptsStatements struct {
	selectReceiptStmt *sql.Stmt
	upsertReceiptStmt *sql.Stmt
	purgeReceiptsStmt *sql.Stmt
}

type receiptSummariesStatements struct {
	insertSummaryUserStmt  *sql.Stmt
	deleteSummaryUserStmt  *sql.Stmt
	selectSummaryUsersStmt *sql.Stmt
	purgeSummariesStmt     *sql.Stmt
}

type parkedReceiptsStatements struct {
	upsertParkedReceiptsStmt *sql.Stmt
	selectParkedReceiptsStmt *sql.Stmt
	deleteParkedReceiptsStmt *sql.Stmt
}

func NewPostgresReceiptsTable(db *sql.DB) (tables.Receipts, tables.ReceiptSummaries, tables.ParkedReceipts, error) {
	_, err := db.Exec(receiptsSchema)
	if err != nil {
		return nil, nil, nil, err
	}
	r := &receiptsStatements{}
	s := &receiptSummariesStatements{}
	p := &parkedReceiptsStatements{}
	return r, s, p, sqlutil.StatementList{
		{&r.selectReceiptStmt, selectReceiptSQL},
		{&r.upsertReceiptStmt, upsertReceiptSQL},
		{&r.purgeReceiptsStmt, purgeReceiptsSQL},
		{&s.insertSummaryUserStmt, insertSummaryUserSQL},
		{&s.deleteSummaryUserStmt, deleteSummaryUserSQL},
		{&s.selectSummaryUsersStmt, selectSummaryUsersSQL},
		{&s.purgeSummariesStmt, purgeSummariesSQL},
		{&p.upsertParkedReceiptsStmt, upsertParkedReceiptsSQL},
		{&p.selectParkedReceiptsStmt, selectParkedReceiptsSQL},
		{&p.deleteParkedReceiptsStmt, deleteParkedReceiptsSQL},
	}.Prepare(db)
}

func (s *receiptsStatements) SelectReceipt(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) (*types.ReadReceipt, error) {
	receipt := &types.ReadReceipt{
		RoomID: roomID,
		UserID: userID,
	}
	var ts int64
	err := sqlutil.TxStmt(txn, s.selectReceiptStmt).QueryRowContext(ctx, roomID, userID).Scan(&receipt.EventID, &ts)
	if err != nil {
		return nil, err
	}
	receipt.Timestamp = spec.Timestamp(ts)
	return receipt, nil
}

func (s *receiptsStatements) UpsertReceipt(
	ctx context.Context, txn *sql.Tx, receipt *types.ReadReceipt,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertReceiptStmt).ExecContext(
		ctx, receipt.RoomID, receipt.UserID, receipt.EventID, int64(receipt.Timestamp),
	)
	return err
}

func (s *receiptsStatements) PurgeReceipts(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeReceiptsStmt).ExecContext(ctx, roomID)
	return err
}

func (s *receiptSummariesStatements) InsertSummaryUser(
	ctx context.Context, txn *sql.Tx, roomID, eventID, userID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertSummaryUserStmt).ExecContext(ctx, roomID, eventID, userID)
	return err
}

func (s *receiptSummariesStatements) DeleteSummaryUser(
	ctx context.Context, txn *sql.Tx, roomID, eventID, userID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteSummaryUserStmt).ExecContext(ctx, roomID, eventID, userID)
	return err
}

func (s *receiptSummariesStatements) SelectSummaryUsers(
	ctx context.Context, txn *sql.Tx, roomID, eventID string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSummaryUsersStmt).QueryContext(ctx, roomID, eventID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSummaryUsers: rows.close() failed")
	var userIDs []string
	for rows.Next() {
		var userID string
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

func (s *receiptSummariesStatements) PurgeSummaries(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeSummariesStmt).ExecContext(ctx, roomID)
	return err
}

func (s *parkedReceiptsStatements) UpsertParkedReceipts(
	ctx context.Context, txn *sql.Tx, roomID string, content json.RawMessage,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertParkedReceiptsStmt).ExecContext(ctx, roomID, string(content))
	return err
}

func (s *parkedReceiptsStatements) SelectParkedReceipts(
	ctx context.Context, txn *sql.Tx, roomID string,
) (json.RawMessage, error) {
	var content string
	err := sqlutil.TxStmt(txn, s.selectParkedReceiptsStmt).QueryRowContext(ctx, roomID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(content), nil
}

func (s *parkedReceiptsStatements) DeleteParkedReceipts(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteParkedReceiptsStmt).ExecContext(ctx, roomID)
	return err
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
	"github.com/element-hq/clientsync/syncapi/types"
)

// Database is a replica backed by one SQL database. The backend packages
// fill in the tables.
type Database struct {
	DB                *sql.DB
	Writer            sqlutil.Writer
	Rooms             tables.Rooms
	Members           tables.Members
	ThirdPartyInvites tables.ThirdPartyInvites
	Events            tables.Events
	CurrentState      tables.CurrentState
	Chunks            tables.Chunks
	ChunkEvents       tables.ChunkEvents
	LocalEchoes       tables.LocalEchoes
	Receipts          tables.Receipts
	ReceiptSummaries  tables.ReceiptSummaries
	ParkedReceipts    tables.ParkedReceipts
	RoomTags          tables.RoomTags
	RoomAccountData   tables.RoomAccountData
	ThreadSummaries   tables.ThreadSummaries
	SyncPosition      tables.SyncPosition
}

func (d *Database) WriteTransaction(ctx context.Context, f func(txn *Transaction) error) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return f(&Transaction{d: d, txn: txn})
	})
}

func (d *Database) ReadTransaction(ctx context.Context, f func(txn *Transaction) error) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		return f(&Transaction{d: d, txn: txn})
	})
}

func (d *Database) AddLocalEcho(ctx context.Context, echo *types.PendingLocalEcho) error {
	if echo.TransactionID == "" || echo.RoomID == "" {
		return fmt.Errorf("local echo needs a room ID and a transaction ID")
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.LocalEchoes.UpsertLocalEcho(ctx, txn, echo)
	})
}

func (d *Database) UpdateLocalEchoSendState(ctx context.Context, roomID, transactionID string, state types.SendState) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.LocalEchoes.UpdateSendState(ctx, txn, roomID, transactionID, state)
	})
}

func (d *Database) ForgetRoom(ctx context.Context, roomID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		t := &Transaction{d: d, txn: txn}
		if err := t.DeleteRoomChunks(ctx, roomID, true); err != nil {
			return fmt.Errorf("DeleteRoomChunks: %w", err)
		}
		purges := []func(context.Context, *sql.Tx, string) error{
			d.Events.PurgeEvents,
			d.Members.PurgeMembers,
			d.ThirdPartyInvites.PurgeThirdPartyInvites,
			d.LocalEchoes.PurgeLocalEchoes,
			d.Receipts.PurgeReceipts,
			d.ReceiptSummaries.PurgeSummaries,
			d.ParkedReceipts.DeleteParkedReceipts,
			d.RoomTags.DeleteRoomTags,
			d.RoomAccountData.PurgeAccountData,
			d.ThreadSummaries.PurgeThreadSummaries,
			d.Rooms.DeleteRoom,
		}
		for _, purge := range purges {
			if err := purge(ctx, txn, roomID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) SyncToken(ctx context.Context) (string, error) {
	return d.SyncPosition.SelectSyncToken(ctx, nil)
}

func (d *Database) StoreSyncToken(ctx context.Context, token string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SyncPosition.UpsertSyncToken(ctx, txn, token)
	})
}

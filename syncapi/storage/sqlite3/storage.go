// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/storage/sqlite3/deltas"
)

// SyncReplicaDatasource represents a replica stored in SQLite.
type SyncReplicaDatasource struct {
	shared.Database
	db     *sql.DB
	writer sqlutil.Writer
}

// NewDatabase opens the SQLite database described by dbProperties and
// prepares every table.
func NewDatabase(ctx context.Context, dbProperties *config.DatabaseOptions) (*SyncReplicaDatasource, error) {
	var d SyncReplicaDatasource
	var err error
	if d.db, err = sqlutil.Open(dbProperties); err != nil {
		return nil, err
	}
	d.writer = sqlutil.NewExclusiveWriter()
	if err = d.prepare(ctx); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *SyncReplicaDatasource) prepare(ctx context.Context) (err error) {
	rooms, err := NewSqliteRoomsTable(d.db)
	if err != nil {
		return err
	}
	members, invites, err := NewSqliteMembersTable(d.db)
	if err != nil {
		return err
	}
	// The events table deletes through the chunk tables, so they must exist first.
	chunks, chunkEvents, err := NewSqliteChunksTable(d.db)
	if err != nil {
		return err
	}
	events, err := NewSqliteEventsTable(d.db)
	if err != nil {
		return err
	}
	currentState, err := NewSqliteCurrentStateTable(d.db)
	if err != nil {
		return err
	}
	localEchoes, err := NewSqliteLocalEchoesTable(d.db)
	if err != nil {
		return err
	}
	receipts, summaries, parked, err := NewSqliteReceiptsTable(d.db)
	if err != nil {
		return err
	}
	tags, accountData, err := NewSqliteAccountDataTable(d.db)
	if err != nil {
		return err
	}
	threads, err := NewSqliteThreadSummariesTable(d.db)
	if err != nil {
		return err
	}
	position, err := NewSqliteSyncPositionTable(d.db)
	if err != nil {
		return err
	}

	m := sqlutil.NewMigrator(d.db)
	m.AddMigrations(sqlutil.Migration{
		Version: "clientsync: unique last forward chunk",
		Up:      deltas.UpLastForwardChunkUnique,
		Down:    deltas.DownLastForwardChunkUnique,
	})
	if err = m.Up(ctx); err != nil {
		return err
	}

	d.Database = shared.Database{
		DB:                d.db,
		Writer:            d.writer,
		Rooms:             rooms,
		Members:           members,
		ThirdPartyInvites: invites,
		Events:            events,
		CurrentState:      currentState,
		Chunks:            chunks,
		ChunkEvents:       chunkEvents,
		LocalEchoes:       localEchoes,
		Receipts:          receipts,
		ReceiptSummaries:  summaries,
		ParkedReceipts:    parked,
		RoomTags:          tags,
		RoomAccountData:   accountData,
		ThreadSummaries:   threads,
		SyncPosition:      position,
	}
	return nil
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
	"github.com/element-hq/clientsync/syncapi/types"
)

const chunksSchema = `
-- Contiguous slices of a room timeline, or of one thread when thread_root_id is set.
CREATE TABLE IF NOT EXISTS replica_chunks (
	chunk_id TEXT NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	thread_root_id TEXT NOT NULL DEFAULT '',
	prev_token TEXT NOT NULL DEFAULT '',
	next_token TEXT NOT NULL DEFAULT '',
	is_last_forward BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS replica_chunks_room_id_idx ON replica_chunks(room_id);

-- Membership of events in chunks. Links held by thread chunks don't own the event.
CREATE TABLE IF NOT EXISTS replica_chunk_events (
	chunk_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	display_index BIGINT NOT NULL,
	owned_by_thread_chunk BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (chunk_id, event_id)
);
CREATE INDEX IF NOT EXISTS replica_chunk_events_event_id_idx ON replica_chunk_events(event_id);
`

const insertChunkSQL = "" +
	"INSERT INTO replica_chunks (chunk_id, room_id, thread_root_id, prev_token, next_token, is_last_forward)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const selectLastForwardChunkSQL = "" +
	"SELECT chunk_id, prev_token, next_token FROM replica_chunks" +
	" WHERE room_id = $1 AND thread_root_id = $2 AND is_last_forward = 1"

const updateLastForwardSQL = "" +
	"UPDATE replica_chunks SET is_last_forward = $1 WHERE chunk_id = $2"

const countLastForwardChunksSQL = "" +
	"SELECT COUNT(*) FROM replica_chunks WHERE room_id = $1 AND thread_root_id = $2 AND is_last_forward = 1"

const selectChunkIDsSQL = "" +
	"SELECT chunk_id FROM replica_chunks WHERE room_id = $1"

const purgeChunksSQL = "" +
	"DELETE FROM replica_chunks WHERE room_id = $1"

const selectMaxDisplayIndexSQL = "" +
	"SELECT COALESCE(MAX(display_index), 0) FROM replica_chunk_events WHERE chunk_id = $1"

const insertChunkEventSQL = "" +
	"INSERT INTO replica_chunk_events (chunk_id, event_id, display_index, owned_by_thread_chunk)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (chunk_id, event_id) DO NOTHING"

const selectChunkEventIDsSQL = "" +
	"SELECT event_id FROM replica_chunk_events WHERE chunk_id = $1 ORDER BY display_index ASC"

const selectLinkedChunkSQL = "" +
	"SELECT ce.chunk_id FROM replica_chunk_events ce" +
	" JOIN replica_chunks c ON c.chunk_id = ce.chunk_id" +
	" WHERE c.room_id = $1 AND c.thread_root_id = $2 AND ce.event_id = $3" +
	" LIMIT 1"

const purgeChunkEventsSQL = "" +
	"DELETE FROM replica_chunk_events WHERE chunk_id IN (SELECT chunk_id FROM replica_chunks WHERE room_id = $1)"

type chunksStatements struct {
	insertChunkStmt            *sql.Stmt
	selectLastForwardChunkStmt *sql.Stmt
	updateLastForwardStmt      *sql.Stmt
	countLastForwardChunksStmt *sql.Stmt
	selectChunkIDsStmt         *sql.Stmt
	purgeChunksStmt            *sql.Stmt
}

type chunkEventsStatements struct {
	selectMaxDisplayIndexStmt *sql.Stmt
	insertChunkEventStmt      *sql.Stmt
	selectChunkEventIDsStmt   *sql.Stmt
	selectLinkedChunkStmt     *sql.Stmt
	purgeChunkEventsStmt      *sql.Stmt
}

func NewSqliteChunksTable(db *sql.DB) (tables.Chunks, tables.ChunkEvents, error) {
	_, err := db.Exec(chunksSchema)
	if err != nil {
		return nil, nil, err
	}
	c := &chunksStatements{}
	e := &chunkEventsStatements{}
	return c, e, sqlutil.StatementList{
		{&c.insertChunkStmt, insertChunkSQL},
		{&c.selectLastForwardChunkStmt, selectLastForwardChunkSQL},
		{&c.updateLastForwardStmt, updateLastForwardSQL},
		{&c.countLastForwardChunksStmt, countLastForwardChunksSQL},
		{&c.selectChunkIDsStmt, selectChunkIDsSQL},
		{&c.purgeChunksStmt, purgeChunksSQL},
		{&e.selectMaxDisplayIndexStmt, selectMaxDisplayIndexSQL},
		{&e.insertChunkEventStmt, insertChunkEventSQL},
		{&e.selectChunkEventIDsStmt, selectChunkEventIDsSQL},
		{&e.selectLinkedChunkStmt, selectLinkedChunkSQL},
		{&e.purgeChunkEventsStmt, purgeChunkEventsSQL},
	}.Prepare(db)
}

func (s *chunksStatements) InsertChunk(
	ctx context.Context, txn *sql.Tx, chunk *types.Chunk,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertChunkStmt).ExecContext(
		ctx, chunk.ChunkID, chunk.RoomID, chunk.ThreadRootID, chunk.PrevToken, chunk.NextToken, chunk.IsLastForward,
	)
	return err
}

func (s *chunksStatements) SelectLastForwardChunk(
	ctx context.Context, txn *sql.Tx, roomID, threadRootID string,
) (*types.Chunk, error) {
	chunk := &types.Chunk{
		RoomID:        roomID,
		ThreadRootID:  threadRootID,
		IsLastForward: true,
	}
	err := sqlutil.TxStmt(txn, s.selectLastForwardChunkStmt).QueryRowContext(ctx, roomID, threadRootID).Scan(
		&chunk.ChunkID, &chunk.PrevToken, &chunk.NextToken,
	)
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *chunksStatements) UpdateLastForward(
	ctx context.Context, txn *sql.Tx, chunkID string, isLastForward bool,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateLastForwardStmt).ExecContext(ctx, isLastForward, chunkID)
	return err
}

func (s *chunksStatements) CountLastForwardChunks(
	ctx context.Context, txn *sql.Tx, roomID, threadRootID string,
) (count int, err error) {
	err = sqlutil.TxStmt(txn, s.countLastForwardChunksStmt).QueryRowContext(ctx, roomID, threadRootID).Scan(&count)
	return
}

func (s *chunksStatements) SelectChunkIDs(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectChunkIDsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectChunkIDs: rows.close() failed")
	var chunkIDs []string
	for rows.Next() {
		var chunkID string
		if err = rows.Scan(&chunkID); err != nil {
			return nil, err
		}
		chunkIDs = append(chunkIDs, chunkID)
	}
	return chunkIDs, rows.Err()
}

func (s *chunksStatements) PurgeChunks(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeChunksStmt).ExecContext(ctx, roomID)
	return err
}

func (s *chunkEventsStatements) InsertChunkEvent(
	ctx context.Context, txn *sql.Tx, chunkID, eventID string, ownedByThreadChunk bool,
) (bool, error) {
	var maxIndex int64
	if err := sqlutil.TxStmt(txn, s.selectMaxDisplayIndexStmt).QueryRowContext(ctx, chunkID).Scan(&maxIndex); err != nil {
		return false, err
	}
	res, err := sqlutil.TxStmt(txn, s.insertChunkEventStmt).ExecContext(ctx, chunkID, eventID, maxIndex+1, ownedByThreadChunk)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *chunkEventsStatements) SelectChunkEventIDs(
	ctx context.Context, txn *sql.Tx, chunkID string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectChunkEventIDsStmt).QueryContext(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectChunkEventIDs: rows.close() failed")
	var eventIDs []string
	for rows.Next() {
		var eventID string
		if err = rows.Scan(&eventID); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}

func (s *chunkEventsStatements) SelectLinkedChunk(
	ctx context.Context, txn *sql.Tx, roomID, threadRootID, eventID string,
) (chunkID string, err error) {
	err = sqlutil.TxStmt(txn, s.selectLinkedChunkStmt).QueryRowContext(ctx, roomID, threadRootID, eventID).Scan(&chunkID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return chunkID, err
}

func (s *chunkEventsStatements) PurgeChunkEvents(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeChunkEventsStmt).ExecContext(ctx, roomID)
	return err
}

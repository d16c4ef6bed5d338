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
	"strings"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/sqlutil"
	"github.com/element-hq/clientsync/syncapi/storage/tables"
	"github.com/element-hq/clientsync/syncapi/types"
)

const eventsSchema = `
-- Every timeline and state event the replica has persisted.
CREATE TABLE IF NOT EXISTS replica_events (
	event_id TEXT NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	-- NULL for non-state events
	state_key TEXT,
	sender TEXT NOT NULL,
	origin_server_ts BIGINT NOT NULL DEFAULT 0,
	-- The client event as received, JSON encoded
	event_json TEXT NOT NULL,
	send_state TEXT NOT NULL,
	age_local_ts BIGINT NOT NULL DEFAULT 0,
	-- JSON encoded decryption result, NULL if not decrypted
	decryption TEXT,
	decryption_error TEXT NOT NULL DEFAULT '',
	-- Client-side content override, never replaces event_json
	injected_content TEXT,
	root_thread_event_id TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS replica_events_room_id_idx ON replica_events(room_id);
CREATE INDEX IF NOT EXISTS replica_events_thread_idx ON replica_events(room_id, root_thread_event_id);
`

const insertEventSQL = "" +
	"INSERT INTO replica_events (event_id, room_id, type, state_key, sender, origin_server_ts, event_json," +
	" send_state, age_local_ts, decryption, decryption_error, injected_content, root_thread_event_id, transaction_id)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)" +
	" ON CONFLICT (event_id) DO NOTHING"

const eventColumns = "" +
	"event_id, room_id, event_json, send_state, age_local_ts, decryption, decryption_error," +
	" injected_content, root_thread_event_id, transaction_id"

const selectEventSQL = "" +
	"SELECT " + eventColumns + " FROM replica_events WHERE event_id = $1"

// Variadic, see sqlutil.QueryVariadic.
const selectEventsSQL = "" +
	"SELECT " + eventColumns + " FROM replica_events WHERE event_id IN ($1)"

const updateDecryptionSQL = "" +
	"UPDATE replica_events SET decryption = $1, decryption_error = $2 WHERE event_id = $3"

const countThreadRepliesSQL = "" +
	"SELECT COUNT(*) FROM replica_events WHERE room_id = $1 AND root_thread_event_id = $2"

const deleteChunkOwnedEventsSQL = "" +
	"DELETE FROM replica_events WHERE event_id IN (" +
	"  SELECT ce.event_id FROM replica_chunk_events ce" +
	"  JOIN replica_chunks c ON c.chunk_id = ce.chunk_id" +
	"  WHERE c.room_id = $1 AND ce.owned_by_thread_chunk = 0" +
	") AND (state_key IS NULL OR $2)"

const deleteStateEventsSQL = "" +
	"DELETE FROM replica_events WHERE room_id = $1 AND state_key IS NOT NULL"

const purgeEventsSQL = "" +
	"DELETE FROM replica_events WHERE room_id = $1"

type eventsStatements struct {
	db                         *sql.DB
	insertEventStmt            *sql.Stmt
	selectEventStmt            *sql.Stmt
	updateDecryptionStmt       *sql.Stmt
	countThreadRepliesStmt     *sql.Stmt
	deleteChunkOwnedEventsStmt *sql.Stmt
	deleteStateEventsStmt      *sql.Stmt
	purgeEventsStmt            *sql.Stmt
}

func NewSqliteEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventsStatements{
		db: db,
	}
	_, err := db.Exec(eventsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.updateDecryptionStmt, updateDecryptionSQL},
		{&s.countThreadRepliesStmt, countThreadRepliesSQL},
		{&s.deleteChunkOwnedEventsStmt, deleteChunkOwnedEventsSQL},
		{&s.deleteStateEventsStmt, deleteStateEventsSQL},
		{&s.purgeEventsStmt, purgeEventsSQL},
	}.Prepare(db)
}

func (s *eventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, rec *types.TimelineEventRecord,
) (bool, error) {
	eventJSON, err := json.Marshal(rec.Event)
	if err != nil {
		return false, fmt.Errorf("json.Marshal: %w", err)
	}
	decryption, err := encodeDecryption(rec.Decryption)
	if err != nil {
		return false, err
	}
	var injected *string
	if len(rec.InjectedContent) > 0 {
		v := string(rec.InjectedContent)
		injected = &v
	}
	res, err := sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(
		ctx, rec.Event.EventID, rec.RoomID, rec.Event.Type, rec.Event.StateKey, rec.Event.Sender,
		int64(rec.Event.OriginServerTS), string(eventJSON), string(rec.SendState), rec.AgeLocalTS,
		decryption, rec.DecryptionError, injected, rec.RootThreadEventID, rec.TransactionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *eventsStatements) SelectEvent(
	ctx context.Context, txn *sql.Tx, eventID string,
) (*types.TimelineEventRecord, error) {
	return scanEvent(sqlutil.TxStmt(txn, s.selectEventStmt).QueryRowContext(ctx, eventID))
}

func (s *eventsStatements) SelectEvents(
	ctx context.Context, txn *sql.Tx, eventIDs []string,
) (map[string]*types.TimelineEventRecord, error) {
	result := make(map[string]*types.TimelineEventRecord, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, len(eventIDs))
	for i := range eventIDs {
		params[i] = eventIDs[i]
	}
	query := strings.Replace(selectEventsSQL, "($1)", sqlutil.QueryVariadic(len(eventIDs)), 1)
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, params...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, params...)
	}
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEvents: rows.close() failed")
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result[rec.Event.EventID] = rec
	}
	return result, rows.Err()
}

func (s *eventsStatements) UpdateDecryption(
	ctx context.Context, txn *sql.Tx, eventID string, result *types.DecryptionResult, errReason string,
) error {
	decryption, err := encodeDecryption(result)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.updateDecryptionStmt).ExecContext(ctx, decryption, errReason, eventID)
	return err
}

func (s *eventsStatements) CountThreadReplies(
	ctx context.Context, txn *sql.Tx, roomID, rootEventID string,
) (count int, err error) {
	err = sqlutil.TxStmt(txn, s.countThreadRepliesStmt).QueryRowContext(ctx, roomID, rootEventID).Scan(&count)
	return
}

func (s *eventsStatements) DeleteChunkOwnedEvents(
	ctx context.Context, txn *sql.Tx, roomID string, includeState bool,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteChunkOwnedEventsStmt).ExecContext(ctx, roomID, includeState)
	return err
}

func (s *eventsStatements) DeleteStateEvents(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteStateEventsStmt).ExecContext(ctx, roomID)
	return err
}

func (s *eventsStatements) PurgeEvents(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeEventsStmt).ExecContext(ctx, roomID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*types.TimelineEventRecord, error) {
	var rec types.TimelineEventRecord
	var eventID, eventJSON, sendState string
	var decryption, injected sql.NullString
	if err := row.Scan(
		&eventID, &rec.RoomID, &eventJSON, &sendState, &rec.AgeLocalTS, &decryption,
		&rec.DecryptionError, &injected, &rec.RootThreadEventID, &rec.TransactionID,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventJSON), &rec.Event); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	rec.SendState = types.SendState(sendState)
	if decryption.Valid {
		rec.Decryption = &types.DecryptionResult{}
		if err := json.Unmarshal([]byte(decryption.String), rec.Decryption); err != nil {
			return nil, fmt.Errorf("json.Unmarshal: %w", err)
		}
	}
	if injected.Valid {
		rec.InjectedContent = json.RawMessage(injected.String)
	}
	return &rec, nil
}

func encodeDecryption(result *types.DecryptionResult) (*string, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	encoded := string(b)
	return &encoded, nil
}

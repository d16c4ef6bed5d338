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
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const threadSummariesSchema = `
-- Rolled-up view of each thread.
CREATE TABLE IF NOT EXISTS replica_thread_summaries (
	room_id TEXT NOT NULL,
	root_event_id TEXT NOT NULL,
	latest_event_id TEXT NOT NULL DEFAULT '',
	latest_sender TEXT NOT NULL DEFAULT '',
	latest_ts BIGINT NOT NULL DEFAULT 0,
	num_replies INTEGER NOT NULL DEFAULT 0,
	is_participating BOOLEAN NOT NULL DEFAULT 0,
	notification_count INTEGER NOT NULL DEFAULT 0,
	highlight_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, root_event_id)
);
`

const threadSummaryColumns = "" +
	"room_id, root_event_id, latest_event_id, latest_sender, latest_ts, num_replies, is_participating," +
	" notification_count, highlight_count"

const selectThreadSummarySQL = "" +
	"SELECT " + threadSummaryColumns + " FROM replica_thread_summaries WHERE room_id = $1 AND root_event_id = $2"

const selectThreadSummariesSQL = "" +
	"SELECT " + threadSummaryColumns + " FROM replica_thread_summaries WHERE room_id = $1 ORDER BY latest_ts DESC"

const upsertThreadSummarySQL = "" +
	"INSERT INTO replica_thread_summaries (" + threadSummaryColumns + ")" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)" +
	" ON CONFLICT (room_id, root_event_id) DO UPDATE SET latest_event_id = $3, latest_sender = $4," +
	" latest_ts = $5, num_replies = $6, is_participating = $7, notification_count = $8, highlight_count = $9"

const purgeThreadSummariesSQL = "" +
	"DELETE FROM replica_thread_summaries WHERE room_id = $1"

type threadSummariesStatements struct {
	selectThreadSummaryStmt   *sql.Stmt
	selectThreadSummariesStmt *sql.Stmt
	upsertThreadSummaryStmt   *sql.Stmt
	purgeThreadSummariesStmt  *sql.Stmt
}

func NewSqliteThreadSummariesTable(db *sql.DB) (tables.ThreadSummaries, error) {
	s := &threadSummariesStatements{}
	_, err := db.Exec(threadSummariesSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.selectThreadSummaryStmt, selectThreadSummarySQL},
		{&s.selectThreadSummariesStmt, selectThreadSummariesSQL},
		{&s.upsertThreadSummaryStmt, upsertThreadSummarySQL},
		{&s.purgeThreadSummariesStmt, purgeThreadSummariesSQL},
	}.Prepare(db)
}

func (s *threadSummariesStatements) SelectThreadSummary(
	ctx context.Context, txn *sql.Tx, roomID, rootEventID string,
) (*types.ThreadSummary, error) {
	return scanThreadSummary(sqlutil.TxStmt(txn, s.selectThreadSummaryStmt).QueryRowContext(ctx, roomID, rootEventID))
}

func (s *threadSummariesStatements) SelectThreadSummaries(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]*types.ThreadSummary, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectThreadSummariesStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectThreadSummaries: rows.close() failed")
	var summaries []*types.ThreadSummary
	for rows.Next() {
		summary, err := scanThreadSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *threadSummariesStatements) UpsertThreadSummary(
	ctx context.Context, txn *sql.Tx, summary *types.ThreadSummary,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertThreadSummaryStmt).ExecContext(
		ctx, summary.RoomID, summary.RootEventID, summary.LatestEventID, summary.LatestSender,
		int64(summary.LatestTS), summary.NumReplies, summary.IsParticipating,
		summary.NotificationCount, summary.HighlightCount,
	)
	return err
}

func (s *threadSummariesStatements) PurgeThreadSummaries(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.purgeThreadSummariesStmt).ExecContext(ctx, roomID)
	return err
}

func scanThreadSummary(row rowScanner) (*types.ThreadSummary, error) {
	var summary types.ThreadSummary
	var latestTS int64
	if err := row.Scan(
		&summary.RoomID, &summary.RootEventID, &summary.LatestEventID, &summary.LatestSender, &latestTS,
		&summary.NumReplies, &summary.IsParticipating, &summary.NotificationCount, &summary.HighlightCount,
	); err != nil {
		return nil, err
	}
	summary.LatestTS = spec.Timestamp(latestTS)
	return &summary, nil
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpLastForwardChunkUnique makes sure a room (or thread) never has more than one
// last-forward chunk. Older databases may hold duplicates, all but the newest
// are closed first.
func UpLastForwardChunkUnique(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE replica_chunks SET is_last_forward = FALSE
		WHERE is_last_forward AND chunk_nid NOT IN (
			SELECT MAX(chunk_nid) FROM replica_chunks WHERE is_last_forward GROUP BY room_id, thread_root_id
		);
		CREATE UNIQUE INDEX IF NOT EXISTS replica_chunks_last_forward_idx
			ON replica_chunks(room_id, thread_root_id) WHERE is_last_forward;
	`)
	if err != nil {
		return fmt.Errorf("failed to execute upgrade: %w", err)
	}
	return nil
}

func DownLastForwardChunkUnique(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS replica_chunks_last_forward_idx;`)
	if err != nil {
		return fmt.Errorf("failed to execute downgrade: %w", err)
	}
	return nil
}

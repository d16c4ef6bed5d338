// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package threads

import (
	"context"
	"fmt"

	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/types"
)

// UpdateSummary folds a stored thread reply into the summary of its thread.
// The reply must already be persisted so that it is counted.
func UpdateSummary(
	ctx context.Context, txn storage.Transaction, roomID, rootID string,
	reply *types.ClientEvent, localUserID string,
) (*types.ThreadSummary, error) {
	summary, err := txn.ThreadSummary(ctx, roomID, rootID)
	if err != nil {
		return nil, fmt.Errorf("txn.ThreadSummary: %w", err)
	}
	if summary == nil {
		summary = &types.ThreadSummary{RoomID: roomID, RootEventID: rootID}
		root, err := txn.Event(ctx, rootID)
		if err != nil {
			return nil, fmt.Errorf("txn.Event: %w", err)
		}
		if root != nil && root.Event.Sender == localUserID {
			summary.IsParticipating = true
		}
	}
	if summary.NumReplies, err = txn.CountThreadReplies(ctx, roomID, rootID); err != nil {
		return nil, fmt.Errorf("txn.CountThreadReplies: %w", err)
	}
	if reply.OriginServerTS >= summary.LatestTS {
		summary.LatestEventID = reply.EventID
		summary.LatestSender = reply.Sender
		summary.LatestTS = reply.OriginServerTS
	}
	if reply.Sender == localUserID {
		summary.IsParticipating = true
	}
	if err = txn.UpsertThreadSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("txn.UpsertThreadSummary: %w", err)
	}
	return summary, nil
}

// ApplyUnreadCounts stores the per-thread notification counts of a room.
// Counts the server didn't send are left alone.
func ApplyUnreadCounts(
	ctx context.Context, txn storage.Transaction, roomID string,
	counts map[string]types.UnreadNotifications,
) error {
	for rootID, unread := range counts {
		summary, err := txn.ThreadSummary(ctx, roomID, rootID)
		if err != nil {
			return fmt.Errorf("txn.ThreadSummary: %w", err)
		}
		if summary == nil {
			summary = &types.ThreadSummary{RoomID: roomID, RootEventID: rootID}
		}
		if unread.NotificationCount != nil {
			summary.NotificationCount = *unread.NotificationCount
		}
		if unread.HighlightCount != nil {
			summary.HighlightCount = *unread.HighlightCount
		}
		if err = txn.UpsertThreadSummary(ctx, summary); err != nil {
			return fmt.Errorf("txn.UpsertThreadSummary: %w", err)
		}
	}
	return nil
}

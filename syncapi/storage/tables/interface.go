// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/clientsync/syncapi/types"
)

type Rooms interface {
	// SelectRoom returns sql.ErrNoRows if the room is unknown.
	SelectRoom(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomSnapshot, error)
	UpsertRoom(ctx context.Context, txn *sql.Tx, room *types.RoomSnapshot) error
	SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error)
	DeleteRoom(ctx context.Context, txn *sql.Tx, roomID string) error
}

type Members interface {
	SelectMembers(ctx context.Context, txn *sql.Tx, roomID string) (map[string]*types.MemberRecord, error)
	UpsertMember(ctx context.Context, txn *sql.Tx, roomID string, member *types.MemberRecord) error
	DeleteMember(ctx context.Context, txn *sql.Tx, roomID, userID string) error
	PurgeMembers(ctx context.Context, txn *sql.Tx, roomID string) error
}

type ThirdPartyInvites interface {
	SelectThirdPartyInvites(ctx context.Context, txn *sql.Tx, roomID string) (map[string]*types.ThirdPartyInvite, error)
	UpsertThirdPartyInvite(ctx context.Context, txn *sql.Tx, roomID string, invite *types.ThirdPartyInvite) error
	DeleteThirdPartyInvite(ctx context.Context, txn *sql.Tx, roomID, token string) error
	PurgeThirdPartyInvites(ctx context.Context, txn *sql.Tx, roomID string) error
}

type Events interface {
	// InsertEvent stores the event unless an event with the same ID exists.
	// Returns true if a row was written.
	InsertEvent(ctx context.Context, txn *sql.Tx, rec *types.TimelineEventRecord) (bool, error)
	// SelectEvent returns sql.ErrNoRows if the event is unknown.
	SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (*types.TimelineEventRecord, error)
	SelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]*types.TimelineEventRecord, error)
	UpdateDecryption(ctx context.Context, txn *sql.Tx, eventID string, result *types.DecryptionResult, errReason string) error
	CountThreadReplies(ctx context.Context, txn *sql.Tx, roomID, rootEventID string) (int, error)
	// DeleteChunkOwnedEvents deletes events linked from the room's chunks,
	// except links held by thread chunks. State events are kept unless
	// includeState is set.
	DeleteChunkOwnedEvents(ctx context.Context, txn *sql.Tx, roomID string, includeState bool) error
	DeleteStateEvents(ctx context.Context, txn *sql.Tx, roomID string) error
	PurgeEvents(ctx context.Context, txn *sql.Tx, roomID string) error
}

type CurrentState interface {
	UpsertCurrentState(ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey, eventID string) error
	// SelectCurrentStateEventID returns "" if there is no such state.
	SelectCurrentStateEventID(ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey string) (string, error)
	// SelectCurrentStateByType returns state key -> event ID.
	SelectCurrentStateByType(ctx context.Context, txn *sql.Tx, roomID, eventType string) (map[string]string, error)
	PurgeCurrentState(ctx context.Context, txn *sql.Tx, roomID string) error
}

type Chunks interface {
	InsertChunk(ctx context.Context, txn *sql.Tx, chunk *types.Chunk) error
	// SelectLastForwardChunk returns sql.ErrNoRows if there is none.
	SelectLastForwardChunk(ctx context.Context, txn *sql.Tx, roomID, threadRootID string) (*types.Chunk, error)
	UpdateLastForward(ctx context.Context, txn *sql.Tx, chunkID string, isLastForward bool) error
	CountLastForwardChunks(ctx context.Context, txn *sql.Tx, roomID, threadRootID string) (int, error)
	SelectChunkIDs(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	PurgeChunks(ctx context.Context, txn *sql.Tx, roomID string) error
}

type ChunkEvents interface {
	// InsertChunkEvent links an event into a chunk once. Returns true if
	// the link is new.
	InsertChunkEvent(ctx context.Context, txn *sql.Tx, chunkID, eventID string, ownedByThreadChunk bool) (bool, error)
	SelectChunkEventIDs(ctx context.Context, txn *sql.Tx, chunkID string) ([]string, error)
	// SelectLinkedChunk returns a chunk of the room or thread timeline that
	// already links the event, or "" if there is none.
	SelectLinkedChunk(ctx context.Context, txn *sql.Tx, roomID, threadRootID, eventID string) (string, error)
	PurgeChunkEvents(ctx context.Context, txn *sql.Tx, roomID string) error
}

type LocalEchoes interface {
	UpsertLocalEcho(ctx context.Context, txn *sql.Tx, echo *types.PendingLocalEcho) error
	// SelectLocalEcho returns sql.ErrNoRows if there is no such echo.
	SelectLocalEcho(ctx context.Context, txn *sql.Tx, roomID, transactionID string) (*types.PendingLocalEcho, error)
	SelectLocalEchoes(ctx context.Context, txn *sql.Tx, roomID string) ([]*types.PendingLocalEcho, error)
	UpdateSendState(ctx context.Context, txn *sql.Tx, roomID, transactionID string, state types.SendState) error
	DeleteLocalEcho(ctx context.Context, txn *sql.Tx, roomID, transactionID string) (bool, error)
	PurgeLocalEchoes(ctx context.Context, txn *sql.Tx, roomID string) error
}

type Receipts interface {
	// SelectReceipt returns sql.ErrNoRows if the user has no receipt.
	SelectReceipt(ctx context.Context, txn *sql.Tx, roomID, userID string) (*types.ReadReceipt, error)
	UpsertReceipt(ctx context.Context, txn *sql.Tx, receipt *types.ReadReceipt) error
	PurgeReceipts(ctx context.Context, txn *sql.Tx, roomID string) error
}

type ReceiptSummaries interface {
	InsertSummaryUser(ctx context.Context, txn *sql.Tx, roomID, eventID, userID string) error
	DeleteSummaryUser(ctx context.Context, txn *sql.Tx, roomID, eventID, userID string) error
	SelectSummaryUsers(ctx context.Context, txn *sql.Tx, roomID, eventID string) ([]string, error)
	PurgeSummaries(ctx context.Context, txn *sql.Tx, roomID string) error
}

type ParkedReceipts interface {
	UpsertParkedReceipts(ctx context.Context, txn *sql.Tx, roomID string, content json.RawMessage) error
	// SelectParkedReceipts returns nil if nothing is parked.
	SelectParkedReceipts(ctx context.Context, txn *sql.Tx, roomID string) (json.RawMessage, error)
	DeleteParkedReceipts(ctx context.Context, txn *sql.Tx, roomID string) error
}

type RoomTags interface {
	InsertRoomTag(ctx context.Context, txn *sql.Tx, roomID string, tag types.RoomTag) error
	SelectRoomTags(ctx context.Context, txn *sql.Tx, roomID string) ([]types.RoomTag, error)
	DeleteRoomTags(ctx context.Context, txn *sql.Tx, roomID string) error
}

type RoomAccountData interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, roomID, dataType string, content json.RawMessage) error
	// SelectAccountData returns nil if there is no such account data.
	SelectAccountData(ctx context.Context, txn *sql.Tx, roomID, dataType string) (json.RawMessage, error)
	PurgeAccountData(ctx context.Context, txn *sql.Tx, roomID string) error
}

type ThreadSummaries interface {
	// SelectThreadSummary returns sql.ErrNoRows if the thread is unknown.
	SelectThreadSummary(ctx context.Context, txn *sql.Tx, roomID, rootEventID string) (*types.ThreadSummary, error)
	SelectThreadSummaries(ctx context.Context, txn *sql.Tx, roomID string) ([]*types.ThreadSummary, error)
	UpsertThreadSummary(ctx context.Context, txn *sql.Tx, summary *types.ThreadSummary) error
	PurgeThreadSummaries(ctx context.Context, txn *sql.Tx, roomID string) error
}

type SyncPosition interface {
	SelectSyncToken(ctx context.Context, txn *sql.Tx) (string, error)
	UpsertSyncToken(ctx context.Context, txn *sql.Tx, token string) error
}

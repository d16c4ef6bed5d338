// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"encoding/json"

	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/types"
)

var (
	_ Database    = &shared.Database{}
	_ Transaction = &shared.Transaction{}
)

type Database interface {
	// WriteTransaction runs f inside one atomic read/write transaction. Any
	// error returned by f rolls back everything f did.
	WriteTransaction(ctx context.Context, f func(txn *shared.Transaction) error) error
	// ReadTransaction runs f against a consistent view of the replica.
	ReadTransaction(ctx context.Context, f func(txn *shared.Transaction) error) error

	// AddLocalEcho and UpdateLocalEchoSendState are used by the message
	// send path, the only writer outside of the sync pipeline.
	AddLocalEcho(ctx context.Context, echo *types.PendingLocalEcho) error
	UpdateLocalEchoSendState(ctx context.Context, roomID, transactionID string, state types.SendState) error

	// ForgetRoom deletes a room and everything it owns.
	ForgetRoom(ctx context.Context, roomID string) error

	// SyncToken returns the next_batch token of the last committed batch, or "".
	SyncToken(ctx context.Context) (string, error)
	StoreSyncToken(ctx context.Context, token string) error
}

// Transaction is the view of the replica available to the sync pipeline while
// it folds one batch. Lookups of unknown entities return nil, not an error.
type Transaction interface {
	GetOrCreateRoom(ctx context.Context, roomID string) (room *types.RoomSnapshot, created bool, err error)
	Room(ctx context.Context, roomID string) (*types.RoomSnapshot, error)
	StoreRoom(ctx context.Context, room *types.RoomSnapshot) error
	RoomIDs(ctx context.Context) ([]string, error)

	Members(ctx context.Context, roomID string) (map[string]*types.MemberRecord, error)
	UpsertMember(ctx context.Context, roomID string, member *types.MemberRecord) error
	DeleteMember(ctx context.Context, roomID, userID string) error
	ThirdPartyInvites(ctx context.Context, roomID string) (map[string]*types.ThirdPartyInvite, error)
	UpsertThirdPartyInvite(ctx context.Context, roomID string, invite *types.ThirdPartyInvite) error
	DeleteThirdPartyInvite(ctx context.Context, roomID, token string) error

	// InsertEvent is a no-op returning false if the event ID is already known.
	InsertEvent(ctx context.Context, rec *types.TimelineEventRecord) (bool, error)
	Event(ctx context.Context, eventID string) (*types.TimelineEventRecord, error)
	Events(ctx context.Context, eventIDs []string) (map[string]*types.TimelineEventRecord, error)
	UpdateEventDecryption(ctx context.Context, eventID string, result *types.DecryptionResult, errReason string) error
	SetCurrentState(ctx context.Context, roomID, eventType, stateKey, eventID string) error
	CurrentStateEventID(ctx context.Context, roomID, eventType, stateKey string) (string, error)
	CurrentStateByType(ctx context.Context, roomID, eventType string) (map[string]string, error)
	CountThreadReplies(ctx context.Context, roomID, rootEventID string) (int, error)

	LastForwardChunk(ctx context.Context, roomID, threadRootID string) (*types.Chunk, error)
	// OpenChunk creates the new last-forward chunk, closing any previous one.
	OpenChunk(ctx context.Context, roomID, threadRootID, prevToken string) (*types.Chunk, error)
	CloseChunk(ctx context.Context, chunkID string) error
	AppendToChunk(ctx context.Context, chunkID, eventID string, ownedByThreadChunk bool) (bool, error)
	ChunkEventIDs(ctx context.Context, chunkID string) ([]string, error)
	// LinkedChunk returns the chunk of the room or thread timeline already
	// holding eventID, or "" if it is in none of them.
	LinkedChunk(ctx context.Context, roomID, threadRootID, eventID string) (string, error)
	CountLastForwardChunks(ctx context.Context, roomID, threadRootID string) (int, error)
	ChunkIDs(ctx context.Context, roomID string) ([]string, error)
	// DeleteRoomChunks drops every chunk of the room together with the
	// events they own. State events go too if deleteStateEvents is set.
	DeleteRoomChunks(ctx context.Context, roomID string, deleteStateEvents bool) error

	LocalEcho(ctx context.Context, roomID, transactionID string) (*types.PendingLocalEcho, error)
	LocalEchoes(ctx context.Context, roomID string) ([]*types.PendingLocalEcho, error)
	DeleteLocalEcho(ctx context.Context, roomID, transactionID string) (bool, error)

	Receipt(ctx context.Context, roomID, userID string) (*types.ReadReceipt, error)
	UpsertReceipt(ctx context.Context, receipt *types.ReadReceipt) error
	AddReceiptSummaryUser(ctx context.Context, roomID, eventID, userID string) error
	RemoveReceiptSummaryUser(ctx context.Context, roomID, eventID, userID string) error
	ReceiptSummaryUsers(ctx context.Context, roomID, eventID string) ([]string, error)
	ParkReceipts(ctx context.Context, roomID string, content json.RawMessage) error
	ParkedReceipts(ctx context.Context, roomID string) (json.RawMessage, error)
	DeleteParkedReceipts(ctx context.Context, roomID string) error

	ReplaceRoomTags(ctx context.Context, roomID string, tags []types.RoomTag) error
	RoomTags(ctx context.Context, roomID string) ([]types.RoomTag, error)
	UpsertAccountData(ctx context.Context, roomID, dataType string, content json.RawMessage) error
	AccountData(ctx context.Context, roomID, dataType string) (json.RawMessage, error)

	ThreadSummary(ctx context.Context, roomID, rootEventID string) (*types.ThreadSummary, error)
	ThreadSummaries(ctx context.Context, roomID string) ([]*types.ThreadSummary, error)
	UpsertThreadSummary(ctx context.Context, summary *types.ThreadSummary) error
}

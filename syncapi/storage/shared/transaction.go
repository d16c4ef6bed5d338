// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/element-hq/clientsync/syncapi/types"
)

// Transaction binds the tables of a Database to one open SQL transaction.
type Transaction struct {
	d   *Database
	txn *sql.Tx
}

func (t *Transaction) GetOrCreateRoom(ctx context.Context, roomID string) (*types.RoomSnapshot, bool, error) {
	room, err := t.Room(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if room != nil {
		return room, false, nil
	}
	room = types.NewRoomSnapshot(roomID)
	if err = t.d.Rooms.UpsertRoom(ctx, t.txn, room); err != nil {
		return nil, false, fmt.Errorf("UpsertRoom: %w", err)
	}
	return room, true, nil
}

func (t *Transaction) Room(ctx context.Context, roomID string) (*types.RoomSnapshot, error) {
	room, err := t.d.Rooms.SelectRoom(ctx, t.txn, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

func (t *Transaction) StoreRoom(ctx context.Context, room *types.RoomSnapshot) error {
	return t.d.Rooms.UpsertRoom(ctx, t.txn, room)
}

func (t *Transaction) RoomIDs(ctx context.Context) ([]string, error) {
	return t.d.Rooms.SelectRoomIDs(ctx, t.txn)
}

func (t *Transaction) Members(ctx context.Context, roomID string) (map[string]*types.MemberRecord, error) {
	return t.d.Members.SelectMembers(ctx, t.txn, roomID)
}

func (t *Transaction) UpsertMember(ctx context.Context, roomID string, member *types.MemberRecord) error {
	return t.d.Members.UpsertMember(ctx, t.txn, roomID, member)
}

func (t *Transaction) DeleteMember(ctx context.Context, roomID, userID string) error {
	return t.d.Members.DeleteMember(ctx, t.txn, roomID, userID)
}

func (t *Transaction) ThirdPartyInvites(ctx context.Context, roomID string) (map[string]*types.ThirdPartyInvite, error) {
	return t.d.ThirdPartyInvites.SelectThirdPartyInvites(ctx, t.txn, roomID)
}

func (t *Transaction) UpsertThirdPartyInvite(ctx context.Context, roomID string, invite *types.ThirdPartyInvite) error {
	return t.d.ThirdPartyInvites.UpsertThirdPartyInvite(ctx, t.txn, roomID, invite)
}

func (t *Transaction) DeleteThirdPartyInvite(ctx context.Context, roomID, token string) error {
	return t.d.ThirdPartyInvites.DeleteThirdPartyInvite(ctx, t.txn, roomID, token)
}

func (t *Transaction) InsertEvent(ctx context.Context, rec *types.TimelineEventRecord) (bool, error) {
	return t.d.Events.InsertEvent(ctx, t.txn, rec)
}

func (t *Transaction) Event(ctx context.Context, eventID string) (*types.TimelineEventRecord, error) {
	rec, err := t.d.Events.SelectEvent(ctx, t.txn, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (t *Transaction) Events(ctx context.Context, eventIDs []string) (map[string]*types.TimelineEventRecord, error) {
	return t.d.Events.SelectEvents(ctx, t.txn, eventIDs)
}

func (t *Transaction) UpdateEventDecryption(ctx context.Context, eventID string, result *types.DecryptionResult, errReason string) error {
	return t.d.Events.UpdateDecryption(ctx, t.txn, eventID, result, errReason)
}

func (t *Transaction) SetCurrentState(ctx context.Context, roomID, eventType, stateKey, eventID string) error {
	return t.d.CurrentState.UpsertCurrentState(ctx, t.txn, roomID, eventType, stateKey, eventID)
}

func (t *Transaction) CurrentStateEventID(ctx context.Context, roomID, eventType, stateKey string) (string, error) {
	return t.d.CurrentState.SelectCurrentStateEventID(ctx, t.txn, roomID, eventType, stateKey)
}

func (t *Transaction) CurrentStateByType(ctx context.Context, roomID, eventType string) (map[string]string, error) {
	return t.d.CurrentState.SelectCurrentStateByType(ctx, t.txn, roomID, eventType)
}

func (t *Transaction) CountThreadReplies(ctx context.Context, roomID, rootEventID string) (int, error) {
	return t.d.Events.CountThreadReplies(ctx, t.txn, roomID, rootEventID)
}

func (t *Transaction) LastForwardChunk(ctx context.Context, roomID, threadRootID string) (*types.Chunk, error) {
	chunk, err := t.d.Chunks.SelectLastForwardChunk(ctx, t.txn, roomID, threadRootID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return chunk, err
}

func (t *Transaction) OpenChunk(ctx context.Context, roomID, threadRootID, prevToken string) (*types.Chunk, error) {
	previous, err := t.LastForwardChunk(ctx, roomID, threadRootID)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		if err = t.CloseChunk(ctx, previous.ChunkID); err != nil {
			return nil, err
		}
	}
	chunk := &types.Chunk{
		ChunkID:       uuid.NewString(),
		RoomID:        roomID,
		ThreadRootID:  threadRootID,
		PrevToken:     prevToken,
		IsLastForward: true,
	}
	if err = t.d.Chunks.InsertChunk(ctx, t.txn, chunk); err != nil {
		return nil, fmt.Errorf("InsertChunk: %w", err)
	}
	return chunk, nil
}

func (t *Transaction) CloseChunk(ctx context.Context, chunkID string) error {
	return t.d.Chunks.UpdateLastForward(ctx, t.txn, chunkID, false)
}

func (t *Transaction) AppendToChunk(ctx context.Context, chunkID, eventID string, ownedByThreadChunk bool) (bool, error) {
	return t.d.ChunkEvents.InsertChunkEvent(ctx, t.txn, chunkID, eventID, ownedByThreadChunk)
}

func (t *Transaction) ChunkEventIDs(ctx context.Context, chunkID string) ([]string, error) {
	return t.d.ChunkEvents.SelectChunkEventIDs(ctx, t.txn, chunkID)
}

func (t *Transaction) LinkedChunk(ctx context.Context, roomID, threadRootID, eventID string) (string, error) {
	return t.d.ChunkEvents.SelectLinkedChunk(ctx, t.txn, roomID, threadRootID, eventID)
}

func (t *Transaction) CountLastForwardChunks(ctx context.Context, roomID, threadRootID string) (int, error) {
	return t.d.Chunks.CountLastForwardChunks(ctx, t.txn, roomID, threadRootID)
}

func (t *Transaction) ChunkIDs(ctx context.Context, roomID string) ([]string, error) {
	return t.d.Chunks.SelectChunkIDs(ctx, t.txn, roomID)
}

func (t *Transaction) DeleteRoomChunks(ctx context.Context, roomID string, deleteStateEvents bool) error {
	// Events first, the delete finds them through the chunk links.
	if err := t.d.Events.DeleteChunkOwnedEvents(ctx, t.txn, roomID, deleteStateEvents); err != nil {
		return fmt.Errorf("DeleteChunkOwnedEvents: %w", err)
	}
	if deleteStateEvents {
		if err := t.d.Events.DeleteStateEvents(ctx, t.txn, roomID); err != nil {
			return fmt.Errorf("DeleteStateEvents: %w", err)
		}
		if err := t.d.CurrentState.PurgeCurrentState(ctx, t.txn, roomID); err != nil {
			return fmt.Errorf("PurgeCurrentState: %w", err)
		}
	}
	if err := t.d.ChunkEvents.PurgeChunkEvents(ctx, t.txn, roomID); err != nil {
		return fmt.Errorf("PurgeChunkEvents: %w", err)
	}
	return t.d.Chunks.PurgeChunks(ctx, t.txn, roomID)
}

func (t *Transaction) LocalEcho(ctx context.Context, roomID, transactionID string) (*types.PendingLocalEcho, error) {
	echo, err := t.d.LocalEchoes.SelectLocalEcho(ctx, t.txn, roomID, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return echo, err
}

func (t *Transaction) LocalEchoes(ctx context.Context, roomID string) ([]*types.PendingLocalEcho, error) {
	return t.d.LocalEchoes.SelectLocalEchoes(ctx, t.txn, roomID)
}

func (t *Transaction) DeleteLocalEcho(ctx context.Context, roomID, transactionID string) (bool, error) {
	return t.d.LocalEchoes.DeleteLocalEcho(ctx, t.txn, roomID, transactionID)
}

func (t *Transaction) Receipt(ctx context.Context, roomID, userID string) (*types.ReadReceipt, error) {
	receipt, err := t.d.Receipts.SelectReceipt(ctx, t.txn, roomID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return receipt, err
}

func (t *Transaction) UpsertReceipt(ctx context.Context, receipt *types.ReadReceipt) error {
	return t.d.Receipts.UpsertReceipt(ctx, t.txn, receipt)
}

func (t *Transaction) AddReceiptSummaryUser(ctx context.Context, roomID, eventID, userID string) error {
	return t.d.ReceiptSummaries.InsertSummaryUser(ctx, t.txn, roomID, eventID, userID)
}

func (t *Transaction) RemoveReceiptSummaryUser(ctx context.Context, roomID, eventID, userID string) error {
	return t.d.ReceiptSummaries.DeleteSummaryUser(ctx, t.txn, roomID, eventID, userID)
}

func (t *Transaction) ReceiptSummaryUsers(ctx context.Context, roomID, eventID string) ([]string, error) {
	return t.d.ReceiptSummaries.SelectSummaryUsers(ctx, t.txn, roomID, eventID)
}

func (t *Transaction) ParkReceipts(ctx context.Context, roomID string, content json.RawMessage) error {
	return t.d.ParkedReceipts.UpsertParkedReceipts(ctx, t.txn, roomID, content)
}

func (t *Transaction) ParkedReceipts(ctx context.Context, roomID string) (json.RawMessage, error) {
	return t.d.ParkedReceipts.SelectParkedReceipts(ctx, t.txn, roomID)
}

func (t *Transaction) DeleteParkedReceipts(ctx context.Context, roomID string) error {
	return t.d.ParkedReceipts.DeleteParkedReceipts(ctx, t.txn, roomID)
}

func (t *Transaction) ReplaceRoomTags(ctx context.Context, roomID string, tags []types.RoomTag) error {
	if err := t.d.RoomTags.DeleteRoomTags(ctx, t.txn, roomID); err != nil {
		return err
	}
	for _, tag := range tags {
		if err := t.d.RoomTags.InsertRoomTag(ctx, t.txn, roomID, tag); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) RoomTags(ctx context.Context, roomID string) ([]types.RoomTag, error) {
	return t.d.RoomTags.SelectRoomTags(ctx, t.txn, roomID)
}

func (t *Transaction) UpsertAccountData(ctx context.Context, roomID, dataType string, content json.RawMessage) error {
	return t.d.RoomAccountData.UpsertAccountData(ctx, t.txn, roomID, dataType, content)
}

func (t *Transaction) AccountData(ctx context.Context, roomID, dataType string) (json.RawMessage, error) {
	return t.d.RoomAccountData.SelectAccountData(ctx, t.txn, roomID, dataType)
}

func (t *Transaction) ThreadSummary(ctx context.Context, roomID, rootEventID string) (*types.ThreadSummary, error) {
	summary, err := t.d.ThreadSummaries.SelectThreadSummary(ctx, t.txn, roomID, rootEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return summary, err
}

func (t *Transaction) ThreadSummaries(ctx context.Context, roomID string) ([]*types.ThreadSummary, error) {
	return t.d.ThreadSummaries.SelectThreadSummaries(ctx, t.txn, roomID)
}

func (t *Transaction) UpsertThreadSummary(ctx context.Context, summary *types.ThreadSummary) error {
	return t.d.ThreadSummaries.UpsertThreadSummary(ctx, t.txn, summary)
}

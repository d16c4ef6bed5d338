// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package timeline appends sync timelines to the replica's chunks.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/roomstate"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/threads"
	"github.com/element-hq/clientsync/syncapi/types"
)

// Ingestor folds timeline events into the replica. It holds no per-batch
// state and may be reused across batches.
type Ingestor struct {
	LocalUserID  string
	Decrypter    api.Decrypter
	Crypto       api.CryptoObserver
	Capabilities api.Capabilities
	Rewriter     *threads.Rewriter
}

// Params of one Ingest call.
type Params struct {
	State      *roomstate.State
	Events     []types.ClientEvent
	PrevToken  string
	IsLimited  bool
	InsertType types.InsertType
	// SyncLocalTS is the local time the sync response was received, in
	// milliseconds. Used to turn unsigned.age into a local timestamp.
	SyncLocalTS int64
	Aggregator  *types.Aggregator
}

// Result of one Ingest call.
type Result struct {
	// The room's last-forward chunk after ingestion.
	Chunk *types.Chunk
	// Events stored for the first time, in timeline order.
	EventIDs []string
	// Local echoes removed, either matched or swept.
	RemovedEchoes int
}

// Ingest appends p.Events to the room's last-forward chunk in array order.
// Malformed events are skipped and reported to p.Aggregator. Any returned
// error comes from storage and must abort the batch.
func (i *Ingestor) Ingest(ctx context.Context, txn storage.Transaction, p Params) (*Result, error) {
	roomID := p.State.Room.RoomID
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"room_id":     roomID,
		"insert_type": p.InsertType,
	})

	chunk, err := txn.LastForwardChunk(ctx, roomID, "")
	if err != nil {
		return nil, fmt.Errorf("txn.LastForwardChunk: %w", err)
	}
	if p.IsLimited || chunk == nil {
		// The previous chunk, if any, is closed and kept. A gap now separates
		// it from what follows.
		if chunk, err = txn.OpenChunk(ctx, roomID, "", p.PrevToken); err != nil {
			return nil, fmt.Errorf("txn.OpenChunk: %w", err)
		}
	}

	isInitialSync := p.InsertType == types.InsertTypeInitialSync
	if !isInitialSync {
		i.prefetch(ctx, roomID, p.Events)
	}

	res := &Result{Chunk: chunk}
	sentByLocalUser := false
	for n := range p.Events {
		ev := &p.Events[n]
		// Malformed events still count towards the sweep.
		if ev.Sender != "" && ev.Sender == i.LocalUserID {
			sentByLocalUser = true
		}
		if !ev.IsValidTimelineEvent() {
			p.Aggregator.Warn(types.NewMalformedEventError(roomID, ev, "missing event_id, sender or type"))
			continue
		}
		if ev.RoomID == "" {
			ev.RoomID = roomID
		}
		inserted, removed, err := i.ingestEvent(ctx, txn, p, chunk, ev)
		if err != nil {
			return nil, err
		}
		if removed {
			res.RemovedEchoes++
		}
		if inserted {
			res.EventIDs = append(res.EventIDs, ev.EventID)
			if ev.OriginServerTS > p.State.Room.LastActivityTS {
				p.State.Room.LastActivityTS = ev.OriginServerTS
			}
		}
		if i.Crypto != nil {
			i.Crypto.OnLiveEvent(roomID, ev, isInitialSync)
		}
	}

	if !isInitialSync && sentByLocalUser {
		swept, err := sweepSentEchoes(ctx, txn, roomID)
		if err != nil {
			return nil, err
		}
		if swept > 0 {
			logger.WithField("count", swept).Debug("Removed local echoes that were never matched")
		}
		res.RemovedEchoes += swept
	}

	if len(res.EventIDs) > 0 {
		p.Aggregator.NewTimelineEvents[roomID] = append(p.Aggregator.NewTimelineEvents[roomID], res.EventIDs...)
	}
	p.Aggregator.Touch(roomID)
	return res, nil
}

func (i *Ingestor) ingestEvent(
	ctx context.Context, txn storage.Transaction, p Params, chunk *types.Chunk, ev *types.ClientEvent,
) (inserted, echoRemoved bool, err error) {
	roomID := p.State.Room.RoomID
	isInitialSync := p.InsertType == types.InsertTypeInitialSync

	rec := &types.TimelineEventRecord{
		Event:         *ev,
		RoomID:        roomID,
		SendState:     types.SendStateSynced,
		AgeLocalTS:    ageLocalTS(ev, p.SyncLocalTS),
		TransactionID: ev.TransactionID(),
	}

	var echo *types.PendingLocalEcho
	if rec.TransactionID != "" {
		if echo, err = txn.LocalEcho(ctx, roomID, rec.TransactionID); err != nil {
			return false, false, fmt.Errorf("txn.LocalEcho: %w", err)
		}
	}

	if !isInitialSync && ev.IsEncrypted() {
		i.decrypt(ctx, roomID, rec, echo)
	}
	rec.RootThreadEventID = types.ThreadRootOf(threads.ClearContent(rec))

	canUseThreading := i.Capabilities != nil && i.Capabilities.CanUseThreading()
	if !isInitialSync && !canUseThreading && i.Rewriter != nil && rec.RootThreadEventID != "" {
		if rec.InjectedContent, err = i.Rewriter.Rewrite(ctx, txn, rec, p.Aggregator); err != nil {
			return false, false, fmt.Errorf("Rewriter.Rewrite: %w", err)
		}
	}

	if inserted, err = txn.InsertEvent(ctx, rec); err != nil {
		return false, false, fmt.Errorf("txn.InsertEvent: %w", err)
	}

	if inserted && ev.IsState() {
		if err = i.applyState(ctx, txn, p, ev); err != nil {
			return false, false, err
		}
	}

	if err = appendOnce(ctx, txn, roomID, "", chunk.ChunkID, ev.EventID, inserted, false); err != nil {
		return false, false, err
	}

	if rec.RootThreadEventID != "" {
		if err = i.linkToThread(ctx, txn, roomID, rec, inserted && canUseThreading); err != nil {
			return false, false, err
		}
	}

	if echo != nil {
		if echoRemoved, err = txn.DeleteLocalEcho(ctx, roomID, echo.TransactionID); err != nil {
			return false, false, fmt.Errorf("txn.DeleteLocalEcho: %w", err)
		}
	}
	return inserted, echoRemoved, nil
}

func (i *Ingestor) applyState(ctx context.Context, txn storage.Transaction, p Params, ev *types.ClientEvent) error {
	roomID := p.State.Room.RoomID
	if _, err := p.State.Apply(ev, types.Forward); err != nil {
		var malformed *types.MalformedEventError
		if !errors.As(err, &malformed) {
			return err
		}
		// The event stays in the timeline, it just doesn't change the state.
		p.Aggregator.Warn(malformed)
		return nil
	}
	if err := txn.SetCurrentState(ctx, roomID, ev.Type, ev.StateKeyValue(), ev.EventID); err != nil {
		return fmt.Errorf("txn.SetCurrentState: %w", err)
	}
	if i.Crypto != nil {
		i.Crypto.OnStateEvent(roomID, ev)
	}
	return nil
}

func (i *Ingestor) linkToThread(
	ctx context.Context, txn storage.Transaction, roomID string, rec *types.TimelineEventRecord, updateSummary bool,
) error {
	rootID := rec.RootThreadEventID
	threadChunk, err := txn.LastForwardChunk(ctx, roomID, rootID)
	if err != nil {
		return fmt.Errorf("txn.LastForwardChunk: %w", err)
	}
	if threadChunk == nil {
		if threadChunk, err = txn.OpenChunk(ctx, roomID, rootID, ""); err != nil {
			return fmt.Errorf("txn.OpenChunk: %w", err)
		}
	}
	if err = appendOnce(ctx, txn, roomID, rootID, threadChunk.ChunkID, rec.Event.EventID, updateSummary, true); err != nil {
		return err
	}
	if updateSummary {
		if _, err = threads.UpdateSummary(ctx, txn, roomID, rootID, &rec.Event, i.LocalUserID); err != nil {
			return err
		}
	}
	return nil
}

// appendOnce links eventID into chunkID unless some chunk of the same room
// or thread timeline already holds it. A re-delivered event keeps its first
// position.
func appendOnce(
	ctx context.Context, txn storage.Transaction, roomID, threadRootID, chunkID, eventID string, isNewEvent, ownedByThreadChunk bool,
) error {
	if !isNewEvent {
		linked, err := txn.LinkedChunk(ctx, roomID, threadRootID, eventID)
		if err != nil {
			return fmt.Errorf("txn.LinkedChunk: %w", err)
		}
		if linked != "" {
			return nil
		}
	}
	if _, err := txn.AppendToChunk(ctx, chunkID, eventID, ownedByThreadChunk); err != nil {
		return fmt.Errorf("txn.AppendToChunk: %w", err)
	}
	return nil
}

// decrypt fills the decryption result of rec. A local echo of the same event
// encrypted with the same algorithm already carries the cleartext.
func (i *Ingestor) decrypt(ctx context.Context, roomID string, rec *types.TimelineEventRecord, echo *types.PendingLocalEcho) {
	if echo != nil && echo.Decryption != nil && echo.Type == types.MRoomEncrypted &&
		gjson.GetBytes(echo.Content, "algorithm").Str == rec.Event.EncryptionAlgorithm() {
		rec.Decryption = echo.Decryption
		return
	}
	if i.Decrypter == nil {
		return
	}
	result, err := i.Decrypter.DecryptEvent(ctx, roomID, &rec.Event)
	if err != nil {
		rec.DecryptionError = err.Error()
		util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
			"room_id":  roomID,
			"event_id": rec.Event.EventID,
		}).Debug("Failed to decrypt timeline event")
		return
	}
	rec.Decryption = result
}

func (i *Ingestor) prefetch(ctx context.Context, roomID string, events []types.ClientEvent) {
	prefetcher, ok := i.Decrypter.(api.Prefetcher)
	if !ok {
		return
	}
	var encrypted []*types.ClientEvent
	for n := range events {
		if events[n].IsEncrypted() && events[n].TransactionID() == "" {
			encrypted = append(encrypted, &events[n])
		}
	}
	if len(encrypted) > 0 {
		prefetcher.Prefetch(ctx, roomID, encrypted)
	}
}

// sweepSentEchoes removes local echoes stuck in SENT. Their remote copy was
// most likely received without a transaction ID, for instance across a gap.
// This is a best-effort cleanup, not a dedup guarantee.
func sweepSentEchoes(ctx context.Context, txn storage.Transaction, roomID string) (int, error) {
	echoes, err := txn.LocalEchoes(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("txn.LocalEchoes: %w", err)
	}
	swept := 0
	for _, echo := range echoes {
		if echo.SendState != types.SendStateSent {
			continue
		}
		removed, err := txn.DeleteLocalEcho(ctx, roomID, echo.TransactionID)
		if err != nil {
			return 0, fmt.Errorf("txn.DeleteLocalEcho: %w", err)
		}
		if removed {
			swept++
		}
	}
	return swept, nil
}

func ageLocalTS(ev *types.ClientEvent, syncLocalTS int64) int64 {
	age, ok := ev.Age()
	if !ok {
		age = 0
	}
	if syncLocalTS == 0 {
		syncLocalTS = int64(spec.AsTimestamp(time.Now()))
	}
	return syncLocalTS - age
}

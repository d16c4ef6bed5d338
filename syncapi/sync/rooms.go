// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/syncapi/roomstate"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/threads"
	"github.com/element-hq/clientsync/syncapi/timeline"
	"github.com/element-hq/clientsync/syncapi/types"
)

func (h *Handler) loadRoom(ctx context.Context, txn storage.Transaction, roomID string) (*roomstate.State, error) {
	room, _, err := txn.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("txn.GetOrCreateRoom: %w", err)
	}
	return roomstate.Load(ctx, txn, room, h.cache, h.profiles)
}

func (h *Handler) handleJoinedRoom(
	ctx context.Context, txn storage.Transaction, roomID string, rs *types.RoomSync, b batch, agg *types.Aggregator,
) (err error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "handleJoinedRoom")
	defer span.Finish()
	span.SetTag("room_id", roomID)
	defer func() {
		if err != nil {
			err = pkgerrors.Wrapf(err, "failed to handle joined room %s", roomID)
		}
	}()

	state, err := h.loadRoom(ctx, txn, roomID)
	if err != nil {
		return err
	}
	if state.Room.Membership == types.MembershipInvite {
		// Whatever was stored from the invite preview is not part of the
		// room's real history.
		if err = txn.DeleteRoomChunks(ctx, roomID, false); err != nil {
			return fmt.Errorf("txn.DeleteRoomChunks: %w", err)
		}
	}
	state.Room.Membership = types.MembershipJoin

	if err = h.applyStateSection(ctx, txn, state, rs.State.Events, agg); err != nil {
		return err
	}

	insertType := types.InsertTypeIncrementalSync
	if b.isInitialSync {
		insertType = types.InsertTypeInitialSync
	}
	if _, err = h.ingestor.Ingest(ctx, txn, timeline.Params{
		State:       state,
		Events:      rs.Timeline.Events,
		PrevToken:   rs.Timeline.PrevBatch,
		IsLimited:   rs.Timeline.Limited,
		InsertType:  insertType,
		SyncLocalTS: b.syncLocalTS,
		Aggregator:  agg,
	}); err != nil {
		return err
	}

	if err = h.merger.MergeEphemeral(ctx, txn, state, rs.Ephemeral.Events, b.receiptMode, agg); err != nil {
		return err
	}
	if err = h.merger.MergeRoomAccountData(ctx, txn, state.Room, rs.AccountData.Events, agg); err != nil {
		return err
	}
	if h.capabilities.CanUseThreading() && len(rs.UnreadThreadNotifications) > 0 {
		if err = threads.ApplyUnreadCounts(ctx, txn, roomID, rs.UnreadThreadNotifications); err != nil {
			return err
		}
	}

	h.updateSummary(state, &rs.Summary, &rs.UnreadNotifications)
	state.Room.InviterID = types.None[string]()
	state.Room.InviterDisplayName = types.None[string]()

	if err = state.Save(ctx, txn); err != nil {
		return err
	}
	roomsCounter.WithLabelValues(string(types.MembershipJoin)).Inc()
	agg.Touch(roomID)
	return nil
}

func (h *Handler) handleInvitedRoom(
	ctx context.Context, txn storage.Transaction, roomID string, rs *types.InvitedRoomSync, agg *types.Aggregator,
) (err error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "handleInvitedRoom")
	defer span.Finish()
	span.SetTag("room_id", roomID)
	defer func() {
		if err != nil {
			err = pkgerrors.Wrapf(err, "failed to handle invited room %s", roomID)
		}
	}()

	state, err := h.loadRoom(ctx, txn, roomID)
	if err != nil {
		return err
	}
	state.Room.Membership = types.MembershipInvite

	// Stripped state has no event IDs, so it only feeds the snapshot.
	inviter := ""
	for i := range rs.InviteState.Events {
		ev := &rs.InviteState.Events[i]
		if _, err = state.Apply(ev, types.Forward); err != nil {
			if !softFailure(err, agg) {
				return err
			}
			continue
		}
		if ev.Type == types.MRoomMember && ev.StateKeyEquals(h.localUserID) &&
			gjson.GetBytes(ev.Content, "membership").Str == string(types.MembershipInvite) {
			inviter = ev.Sender
		}
	}

	if inviter != "" {
		state.Room.InviterID = types.Some(inviter)
		state.Room.InviterDisplayName = types.Some(state.ResolveDisplayName(ctx, inviter))
	} else {
		state.Room.InviterID = types.None[string]()
		state.Room.InviterDisplayName = types.None[string]()
	}
	state.Room.JoinedMembersCount = state.CountMembers(types.MembershipJoin)
	state.Room.InvitedMembersCount = state.CountMembers(types.MembershipInvite)

	if err = state.Save(ctx, txn); err != nil {
		return err
	}
	roomsCounter.WithLabelValues(string(types.MembershipInvite)).Inc()
	agg.Touch(roomID)
	return nil
}

func (h *Handler) handleLeftRoom(
	ctx context.Context, txn storage.Transaction, roomID string, rs *types.RoomSync, agg *types.Aggregator,
) (err error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "handleLeftRoom")
	defer span.Finish()
	span.SetTag("room_id", roomID)
	defer func() {
		if err != nil {
			err = pkgerrors.Wrapf(err, "failed to handle left room %s", roomID)
		}
	}()

	state, err := h.loadRoom(ctx, txn, roomID)
	if err != nil {
		return err
	}
	// The room's events are about to go, so the trailing state only
	// updates the snapshot.
	for _, events := range [][]types.ClientEvent{rs.State.Events, rs.Timeline.Events} {
		for i := range events {
			if _, err = state.Apply(&events[i], types.Forward); err != nil && !softFailure(err, agg) {
				return err
			}
		}
	}

	state.Room.Membership = types.MembershipLeave
	if state.Membership(h.localUserID) == types.MembershipBan {
		state.Room.Membership = types.MembershipBan
	}
	state.Room.TypingUsers = nil
	if err = h.merger.MergeRoomAccountData(ctx, txn, state.Room, rs.AccountData.Events, agg); err != nil {
		return err
	}
	if err = txn.DeleteRoomChunks(ctx, roomID, true); err != nil {
		return fmt.Errorf("txn.DeleteRoomChunks: %w", err)
	}

	if err = state.Save(ctx, txn); err != nil {
		return err
	}
	roomsCounter.WithLabelValues(string(types.MembershipLeave)).Inc()
	agg.Touch(roomID)
	return nil
}

// applyStateSection stores and applies the state section of a joined room.
// These events are not part of any chunk.
func (h *Handler) applyStateSection(
	ctx context.Context, txn storage.Transaction, state *roomstate.State, events []types.ClientEvent, agg *types.Aggregator,
) error {
	roomID := state.Room.RoomID
	for i := range events {
		ev := &events[i]
		if !ev.IsState() || !ev.IsValidTimelineEvent() {
			agg.Warn(types.NewMalformedEventError(roomID, ev, "not a state event"))
			continue
		}
		if ev.RoomID == "" {
			ev.RoomID = roomID
		}
		if _, err := state.Apply(ev, types.Forward); err != nil {
			if !softFailure(err, agg) {
				return err
			}
			continue
		}
		if _, err := txn.InsertEvent(ctx, &types.TimelineEventRecord{
			Event:     *ev,
			RoomID:    roomID,
			SendState: types.SendStateSynced,
		}); err != nil {
			return fmt.Errorf("txn.InsertEvent: %w", err)
		}
		if err := txn.SetCurrentState(ctx, roomID, ev.Type, ev.StateKeyValue(), ev.EventID); err != nil {
			return fmt.Errorf("txn.SetCurrentState: %w", err)
		}
		h.crypto.OnStateEvent(roomID, ev)
	}
	return nil
}

// updateSummary recomputes the derived counters of a joined room.
func (h *Handler) updateSummary(state *roomstate.State, summary *types.RoomSummary, unread *types.UnreadNotifications) {
	room := state.Room
	if h.capabilities.IsLazyLoadingEnabled() {
		// The roster is incomplete, the server knows better.
		if summary.JoinedMemberCount != nil {
			room.JoinedMembersCount = *summary.JoinedMemberCount
		}
		if summary.InvitedMemberCount != nil {
			room.InvitedMembersCount = *summary.InvitedMemberCount
		}
		if summary.Heroes != nil {
			room.Heroes = summary.Heroes
		}
	} else {
		room.JoinedMembersCount = state.CountMembers(types.MembershipJoin)
		room.InvitedMembersCount = state.CountMembers(types.MembershipInvite)
		room.Heroes = heroes(state, h.localUserID)
	}
	if unread.NotificationCount != nil {
		room.NotificationCount = *unread.NotificationCount
	}
	if unread.HighlightCount != nil {
		room.HighlightCount = *unread.HighlightCount
	}
}

const maxHeroes = 5

// heroes picks the first active members other than the local user, sorted by
// user ID.
func heroes(state *roomstate.State, localUserID string) []string {
	var out []string
	for _, userID := range state.MemberIDs() {
		if userID == localUserID || !types.IsActive(state.Membership(userID)) {
			continue
		}
		out = append(out, userID)
		if len(out) == maxHeroes {
			break
		}
	}
	return out
}

// softFailure records malformed events and reports whether err was one.
func softFailure(err error, agg *types.Aggregator) bool {
	var malformed *types.MalformedEventError
	if errors.As(err, &malformed) {
		agg.Warn(malformed)
		return true
	}
	return false
}

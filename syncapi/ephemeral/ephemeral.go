// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package ephemeral merges the transient parts of a sync response (receipts,
// typing) and room account data into the replica.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/syncapi/roomstate"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/types"
)

// Merger folds ephemeral fragments and room account data of one room.
type Merger struct {
	// LocalUserID is never listed as typing.
	LocalUserID string
}

// MergeEphemeral applies the ephemeral events of a room. Events that can't be
// read are reported to agg and skipped. Only storage failures are returned.
func (m *Merger) MergeEphemeral(
	ctx context.Context, txn storage.Transaction, state *roomstate.State,
	events []types.ClientEvent, mode ReceiptMode, agg *types.Aggregator,
) error {
	roomID := state.Room.RoomID
	if mode == ReceiptsIncremental {
		drained, err := DrainParkedReceipts(ctx, txn, roomID)
		if err != nil {
			return err
		}
		if drained {
			agg.DrainedParkedReceipts = append(agg.DrainedParkedReceipts, roomID)
		}
	}

	sawTyping := false
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case types.MReceipt:
			err := MergeReceipts(ctx, txn, roomID, ev.Content, mode)
			if errors.Is(err, ErrMalformedReceipts) {
				agg.Warn(types.NewMalformedEventError(roomID, ev, err.Error()))
				continue
			}
			if err != nil {
				return err
			}
		case types.MTyping:
			userIDs, err := typingUserIDs(ev.Content)
			if err != nil {
				agg.Warn(types.NewMalformedEventError(roomID, ev, err.Error()))
				continue
			}
			sawTyping = true
			m.setTyping(ctx, state, userIDs)
		}
	}
	if !sawTyping {
		m.setTyping(ctx, state, nil)
	}
	return nil
}

func typingUserIDs(content json.RawMessage) ([]string, error) {
	res := gjson.GetBytes(content, "user_ids")
	if res.Exists() && !res.IsArray() {
		return nil, fmt.Errorf("user_ids is not an array")
	}
	var userIDs []string
	for _, userID := range res.Array() {
		if userID.Type == gjson.String && userID.Str != "" {
			userIDs = append(userIDs, userID.Str)
		}
	}
	return userIDs, nil
}

// setTyping replaces the typing users of the room wholesale.
func (m *Merger) setTyping(ctx context.Context, state *roomstate.State, userIDs []string) {
	typing := make([]types.TypingUser, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID == m.LocalUserID {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		user := types.TypingUser{
			UserID:      userID,
			DisplayName: state.ResolveDisplayName(ctx, userID),
		}
		if member := state.Member(userID); member != nil {
			user.AvatarURL = member.AvatarURL
		}
		typing = append(typing, user)
	}
	if len(typing) == 0 {
		typing = nil
	}
	state.Room.TypingUsers = typing
}

// MergeRoomAccountData applies m.fully_read and m.tag, and stores every
// other room account data event verbatim.
func (m *Merger) MergeRoomAccountData(
	ctx context.Context, txn storage.Transaction, room *types.RoomSnapshot,
	events []types.ClientEvent, agg *types.Aggregator,
) error {
	for i := range events {
		ev := &events[i]
		if ev.Type == "" || !gjson.ValidBytes(ev.Content) || !gjson.ParseBytes(ev.Content).IsObject() {
			agg.Warn(types.NewMalformedEventError(room.RoomID, ev, "account data content is not an object"))
			continue
		}
		switch ev.Type {
		case types.MFullyRead:
			eventID := gjson.GetBytes(ev.Content, "event_id")
			if eventID.Type != gjson.String {
				agg.Warn(types.NewMalformedEventError(room.RoomID, ev, "event_id is not a string"))
				continue
			}
			room.FullyReadEventID = eventID.Str
		case types.MTag:
			tags, err := parseTags(ev.Content)
			if err != nil {
				agg.Warn(types.NewMalformedEventError(room.RoomID, ev, err.Error()))
				continue
			}
			if err = txn.ReplaceRoomTags(ctx, room.RoomID, tags); err != nil {
				return fmt.Errorf("txn.ReplaceRoomTags: %w", err)
			}
		default:
			if err := txn.UpsertAccountData(ctx, room.RoomID, ev.Type, ev.Content); err != nil {
				return fmt.Errorf("txn.UpsertAccountData: %w", err)
			}
		}
	}
	return nil
}

// MergeGlobalAccountData stores global account data events verbatim.
func MergeGlobalAccountData(ctx context.Context, txn storage.Transaction, events []types.ClientEvent) error {
	for i := range events {
		ev := &events[i]
		if ev.Type == "" || !gjson.ValidBytes(ev.Content) {
			util.GetLogger(ctx).WithFields(logrus.Fields{
				"type": ev.Type,
			}).Warn("Skipping malformed global account data")
			continue
		}
		if err := txn.UpsertAccountData(ctx, "", ev.Type, ev.Content); err != nil {
			return fmt.Errorf("txn.UpsertAccountData: %w", err)
		}
	}
	return nil
}

// parseTags reads {"tags": {name: {"order": n}}}. Tags are returned sorted by
// name.
func parseTags(content json.RawMessage) ([]types.RoomTag, error) {
	res := gjson.GetBytes(content, "tags")
	if !res.Exists() || res.Type == gjson.Null {
		return nil, nil
	}
	if !res.IsObject() {
		return nil, fmt.Errorf("tags is not an object")
	}
	var tags []types.RoomTag
	res.ForEach(func(name, value gjson.Result) bool {
		tag := types.RoomTag{Name: name.Str}
		if order := value.Get("order"); order.Type == gjson.Number {
			o := order.Float()
			tag.Order = &o
		}
		tags = append(tags, tag)
		return true
	})
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

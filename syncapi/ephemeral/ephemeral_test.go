// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ephemeral

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/clientsync/syncapi/roomstate"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/element-hq/clientsync/test"
)

const (
	roomID = "!room:server"
	alice  = "@alice:server"
	bob    = "@bob:server"
)

func receiptContent(t *testing.T, eventID, userID string, ts int64) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		eventID: map[string]interface{}{
			"m.read": map[string]interface{}{
				userID: map[string]interface{}{"ts": ts},
			},
		},
	})
	require.NoError(t, err)
	return b
}

func TestParseReceipts(t *testing.T) {
	triples, err := parseReceipts(json.RawMessage(`{
		"$a": {"m.read": {"@alice:server": {"ts": 10}, "@bob:server": {"ts": 11}}},
		"$b": {"m.read": {"@carol:server": {"ts": 12}}, "m.read.private": {"@dave:server": {"ts": 1}}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []receiptTriple{
		{eventID: "$a", userID: "@alice:server", ts: 10},
		{eventID: "$a", userID: "@bob:server", ts: 11},
		{eventID: "$b", userID: "@carol:server", ts: 12},
	}, triples)

	_, err = parseReceipts(json.RawMessage(`[]`))
	assert.ErrorIs(t, err, ErrMalformedReceipts)
	_, err = parseReceipts(json.RawMessage(`{`))
	assert.ErrorIs(t, err, ErrMalformedReceipts)
}

func TestReceiptsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			if err := MergeReceipts(ctx, txn, roomID, receiptContent(t, "$a", alice, 10), ReceiptsIncremental); err != nil {
				return err
			}
			// Older or equal timestamps are ignored.
			if err := MergeReceipts(ctx, txn, roomID, receiptContent(t, "$b", alice, 10), ReceiptsIncremental); err != nil {
				return err
			}
			receipt, err := txn.Receipt(ctx, roomID, alice)
			assert.NoError(t, err)
			assert.Equal(t, "$a", receipt.EventID)

			if err = MergeReceipts(ctx, txn, roomID, receiptContent(t, "$b", alice, 20), ReceiptsIncremental); err != nil {
				return err
			}
			users, err := txn.ReceiptSummaryUsers(ctx, roomID, "$a")
			assert.NoError(t, err)
			assert.Empty(t, users)
			users, err = txn.ReceiptSummaryUsers(ctx, roomID, "$b")
			assert.NoError(t, err)
			assert.Equal(t, []string{alice}, users)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestInitialReceiptsAreTrusted(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			if err := MergeReceipts(ctx, txn, roomID, receiptContent(t, "$a", alice, 10), ReceiptsInitial); err != nil {
				return err
			}
			if err := MergeReceipts(ctx, txn, roomID, receiptContent(t, "$b", alice, 5), ReceiptsInitial); err != nil {
				return err
			}
			receipt, err := txn.Receipt(ctx, roomID, alice)
			assert.NoError(t, err)
			assert.Equal(t, "$b", receipt.EventID)
			users, err := txn.ReceiptSummaryUsers(ctx, roomID, "$a")
			assert.NoError(t, err)
			assert.Empty(t, users)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestParkedReceiptsDrainedOnce(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		merger := &Merger{LocalUserID: alice}

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			room, _, err := txn.GetOrCreateRoom(ctx, roomID)
			if err != nil {
				return err
			}
			state := roomstate.New(room, nil, nil)
			parked := []types.ClientEvent{{Type: types.MReceipt, Content: receiptContent(t, "$old", bob, 10)}}
			agg := types.NewAggregator()
			if err = merger.MergeEphemeral(ctx, txn, state, parked, ReceiptsPark, agg); err != nil {
				return err
			}
			receipt, err := txn.Receipt(ctx, roomID, bob)
			assert.NoError(t, err)
			assert.Nil(t, receipt)

			live := []types.ClientEvent{{Type: types.MReceipt, Content: receiptContent(t, "$new", bob, 20)}}
			if err = merger.MergeEphemeral(ctx, txn, state, live, ReceiptsIncremental, agg); err != nil {
				return err
			}
			assert.Equal(t, []string{roomID}, agg.DrainedParkedReceipts)
			receipt, err = txn.Receipt(ctx, roomID, bob)
			assert.NoError(t, err)
			assert.Equal(t, "$new", receipt.EventID)

			content, err := txn.ParkedReceipts(ctx, roomID)
			assert.NoError(t, err)
			assert.Nil(t, content)

			if err = merger.MergeEphemeral(ctx, txn, state, nil, ReceiptsIncremental, agg); err != nil {
				return err
			}
			assert.Len(t, agg.DrainedParkedReceipts, 1)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestTypingReplacesSet(t *testing.T) {
	ctx := context.Background()
	state := roomstate.New(types.NewRoomSnapshot(roomID), nil, nil)
	_, err := state.Apply(test.MemberEvent(t, roomID, bob, bob, types.MembershipJoin, "Bob"), types.Forward)
	require.NoError(t, err)

	merger := &Merger{LocalUserID: alice}
	typing := []types.ClientEvent{{
		Type:    types.MTyping,
		Content: json.RawMessage(`{"user_ids": ["@alice:server", "@bob:server", "@carol:server"]}`),
	}}
	agg := types.NewAggregator()
	require.NoError(t, merger.MergeEphemeral(ctx, nil, state, typing, ReceiptsInitial, agg))
	assert.Equal(t, []types.TypingUser{
		{UserID: bob, DisplayName: "Bob"},
		{UserID: "@carol:server", DisplayName: "@carol:server"},
	}, state.Room.TypingUsers)

	require.NoError(t, merger.MergeEphemeral(ctx, nil, state, nil, ReceiptsInitial, agg))
	assert.Nil(t, state.Room.TypingUsers)

	bad := []types.ClientEvent{{Type: types.MTyping, EventID: "", Content: json.RawMessage(`{"user_ids": "nope"}`)}}
	require.NoError(t, merger.MergeEphemeral(ctx, nil, state, bad, ReceiptsInitial, agg))
	assert.Len(t, agg.Warnings, 1)
}

func TestRoomAccountData(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		merger := &Merger{LocalUserID: alice}
		agg := types.NewAggregator()

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			room, _, err := txn.GetOrCreateRoom(ctx, roomID)
			if err != nil {
				return err
			}
			events := []types.ClientEvent{
				{Type: types.MFullyRead, Content: json.RawMessage(`{"event_id": "$read"}`)},
				{Type: types.MTag, Content: json.RawMessage(`{"tags": {"u.work": {"order": 0.5}, "m.favourite": {}}}`)},
				{Type: "org.example.custom", Content: json.RawMessage(`{"a": 1}`)},
				{Type: "org.example.broken", Content: json.RawMessage(`"string"`)},
			}
			if err = merger.MergeRoomAccountData(ctx, txn, room, events, agg); err != nil {
				return err
			}
			assert.Equal(t, "$read", room.FullyReadEventID)
			assert.Len(t, agg.Warnings, 1)

			tags, err := txn.RoomTags(ctx, roomID)
			assert.NoError(t, err)
			if assert.Len(t, tags, 2) {
				assert.Equal(t, "m.favourite", tags[0].Name)
				assert.Nil(t, tags[0].Order)
				assert.Equal(t, "u.work", tags[1].Name)
				assert.InDelta(t, 0.5, *tags[1].Order, 0.0001)
			}

			// Tags are replaced wholesale.
			events = []types.ClientEvent{{Type: types.MTag, Content: json.RawMessage(`{"tags": {"m.lowpriority": {}}}`)}}
			if err = merger.MergeRoomAccountData(ctx, txn, room, events, agg); err != nil {
				return err
			}
			tags, err = txn.RoomTags(ctx, roomID)
			assert.NoError(t, err)
			assert.Equal(t, []types.RoomTag{{Name: "m.lowpriority"}}, tags)

			custom, err := txn.AccountData(ctx, roomID, "org.example.custom")
			assert.NoError(t, err)
			assert.JSONEq(t, `{"a": 1}`, string(custom))

			if err = MergeGlobalAccountData(ctx, txn, []types.ClientEvent{
				{Type: "m.direct", Content: json.RawMessage(`{"@bob:server": ["!dm:server"]}`)},
			}); err != nil {
				return err
			}
			direct, err := txn.AccountData(ctx, "", "m.direct")
			assert.NoError(t, err)
			assert.JSONEq(t, `{"@bob:server": ["!dm:server"]}`, string(direct))
			return nil
		})
		require.NoError(t, err)
	})
}

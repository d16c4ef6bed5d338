// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package threads

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/element-hq/clientsync/test"
)

const (
	roomID = "!room:server"
	alice  = "@alice:server"
	bob    = "@bob:server"
)

type fakeDecrypter struct {
	calls int
}

func (d *fakeDecrypter) DecryptEvent(_ context.Context, _ string, ev *types.ClientEvent) (*types.DecryptionResult, error) {
	d.calls++
	return &types.DecryptionResult{
		ClearEvent: json.RawMessage(`{"type":"m.room.message","content":{"msgtype":"m.text","body":"secret root"}}`),
		Algorithm:  types.AlgorithmMegolm,
	}, nil
}

func record(ev *types.ClientEvent) *types.TimelineEventRecord {
	return &types.TimelineEventRecord{Event: *ev, RoomID: roomID, SendState: types.SendStateSynced}
}

func TestTrimQuote(t *testing.T) {
	assert.Equal(t, "first line", trimQuote("first line\nsecond line"))
	long := strings.Repeat("é", 100)
	trimmed := trimQuote(long)
	assert.Equal(t, strings.Repeat("é", 80)+"…", trimmed)
}

func TestStripReplyFallback(t *testing.T) {
	assert.Equal(t, "answer", stripReplyFallback("> <@bob:server> question\n> more\n\nanswer"))
	assert.Equal(t, "plain", stripReplyFallback("plain"))
}

func TestRewriteThreadReply(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		root := test.MessageEvent(t, roomID, bob, "What do you think?\nLong explanation")
		reply := test.ThreadReply(t, roomID, alice, root.EventID, "Sounds good")
		original := append(json.RawMessage(nil), reply.Content...)

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			if _, err := txn.InsertEvent(ctx, record(root)); err != nil {
				return err
			}
			rec := record(reply)
			agg := types.NewAggregator()
			content, err := (&Rewriter{}).Rewrite(ctx, txn, rec, agg)
			if err != nil {
				return err
			}
			assert.Empty(t, agg.MissingThreadRoots)
			assert.Equal(t, "m.text", gjson.GetBytes(content, "msgtype").Str)
			assert.Equal(t, "Sounds good", gjson.GetBytes(content, "body").Str)
			assert.Equal(t, types.RelationThread, gjson.GetBytes(content, `m\.relates_to.rel_type`).Str)
			assert.Equal(t, root.EventID, gjson.GetBytes(content, `m\.relates_to.m\.in_reply_to.event_id`).Str)
			formatted := gjson.GetBytes(content, "formatted_body").Str
			assert.Contains(t, formatted, "<mx-reply><blockquote>")
			assert.Contains(t, formatted, "https://matrix.to/#/!room:server/"+root.EventID)
			assert.Contains(t, formatted, "What do you think?</blockquote></mx-reply>Sounds good")
			assert.NotContains(t, formatted, "Long explanation")

			// The event itself is untouched.
			assert.Equal(t, string(original), string(rec.Event.Content))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestRewriteMissingRoot(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			agg := types.NewAggregator()
			reply := test.ThreadReply(t, roomID, alice, "$unknown:server", "hello")
			content, err := (&Rewriter{}).Rewrite(ctx, txn, record(reply), agg)
			assert.NoError(t, err)
			assert.Nil(t, content)
			assert.Equal(t, roomID, agg.MissingThreadRoots["$unknown:server"])

			plain := test.MessageEvent(t, roomID, alice, "not a thread")
			content, err = (&Rewriter{}).Rewrite(ctx, txn, record(plain), agg)
			assert.NoError(t, err)
			assert.Nil(t, content)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestRewriteDecryptsRoot(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		root := test.EncryptedEvent(t, roomID, bob)
		reply := test.ThreadReply(t, roomID, alice, root.EventID, "replying")
		decrypter := &fakeDecrypter{}

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			if _, err := txn.InsertEvent(ctx, record(root)); err != nil {
				return err
			}
			content, err := (&Rewriter{Decrypter: decrypter}).Rewrite(ctx, txn, record(reply), types.NewAggregator())
			if err != nil {
				return err
			}
			assert.Contains(t, gjson.GetBytes(content, "formatted_body").Str, "secret root")

			stored, err := txn.Event(ctx, root.EventID)
			assert.NoError(t, err)
			if assert.NotNil(t, stored) {
				assert.NotNil(t, stored.Decryption)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, decrypter.calls)
	})
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		root := test.MessageEvent(t, roomID, bob, "root")
		first := test.ThreadReply(t, roomID, bob, root.EventID, "one")
		second := test.ThreadReply(t, roomID, alice, root.EventID, "two")

		err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
			if _, err := txn.InsertEvent(ctx, record(root)); err != nil {
				return err
			}
			for _, reply := range []*types.ClientEvent{first, second} {
				rec := record(reply)
				rec.RootThreadEventID = root.EventID
				if _, err := txn.InsertEvent(ctx, rec); err != nil {
					return err
				}
			}
			summary, err := UpdateSummary(ctx, txn, roomID, root.EventID, first, alice)
			if err != nil {
				return err
			}
			assert.False(t, summary.IsParticipating)

			summary, err = UpdateSummary(ctx, txn, roomID, root.EventID, second, alice)
			if err != nil {
				return err
			}
			assert.True(t, summary.IsParticipating)
			assert.Equal(t, 2, summary.NumReplies)
			assert.Equal(t, second.EventID, summary.LatestEventID)

			notifications, highlights := 3, 1
			err = ApplyUnreadCounts(ctx, txn, roomID, map[string]types.UnreadNotifications{
				root.EventID: {NotificationCount: &notifications, HighlightCount: &highlights},
			})
			if err != nil {
				return err
			}
			stored, err := txn.ThreadSummary(ctx, roomID, root.EventID)
			assert.NoError(t, err)
			if assert.NotNil(t, stored) {
				assert.Equal(t, 3, stored.NotificationCount)
				assert.Equal(t, 1, stored.HighlightCount)
				assert.Equal(t, 2, stored.NumReplies)
			}
			return nil
		})
		require.NoError(t, err)
	})
}

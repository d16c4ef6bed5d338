// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package timeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/roomstate"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/threads"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/element-hq/clientsync/test"
)

const (
	roomID = "!room:server"
	alice  = "@alice:server"
	bob    = "@bob:server"
)

type countingDecrypter struct {
	calls int
	fail  map[string]bool
}

func (d *countingDecrypter) DecryptEvent(_ context.Context, _ string, ev *types.ClientEvent) (*types.DecryptionResult, error) {
	d.calls++
	if d.fail[ev.EventID] {
		return nil, &api.CryptoError{Code: "UNKNOWN_INBOUND_SESSION_ID", Reason: "missing session"}
	}
	return &types.DecryptionResult{
		ClearEvent: json.RawMessage(`{"type":"m.room.message","content":{"msgtype":"m.text","body":"clear"}}`),
		Algorithm:  types.AlgorithmMegolm,
	}, nil
}

type recordingObserver struct {
	state, live []string
}

func (o *recordingObserver) OnStateEvent(_ string, ev *types.ClientEvent) {
	o.state = append(o.state, ev.EventID)
}
func (o *recordingObserver) OnLiveEvent(_ string, ev *types.ClientEvent, _ bool) {
	o.live = append(o.live, ev.EventID)
}

func loadState(ctx context.Context, txn storage.Transaction) (*roomstate.State, error) {
	room, _, err := txn.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return roomstate.Load(ctx, txn, room, nil, nil)
}

func ingest(
	ctx context.Context, db storage.Database, ingestor *Ingestor, agg *types.Aggregator,
	events []types.ClientEvent, limited bool, insertType types.InsertType,
) (res *Result, err error) {
	err = db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
		state, err := loadState(ctx, txn)
		if err != nil {
			return err
		}
		res, err = ingestor.Ingest(ctx, txn, Params{
			State:       state,
			Events:      events,
			PrevToken:   "prev",
			IsLimited:   limited,
			InsertType:  insertType,
			SyncLocalTS: 2_000_000_000_000,
			Aggregator:  agg,
		})
		if err != nil {
			return err
		}
		return state.Save(ctx, txn)
	})
	return
}

func events(evs ...*types.ClientEvent) []types.ClientEvent {
	out := make([]types.ClientEvent, len(evs))
	for i, ev := range evs {
		out[i] = *ev
	}
	return out
}

func TestIngestKeepsOrderAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		ingestor := &Ingestor{LocalUserID: alice}

		batch := events(
			test.MessageEvent(t, roomID, bob, "one"),
			test.MessageEvent(t, roomID, bob, "two", test.WithUnsigned(map[string]int{"age": 500})),
			test.MessageEvent(t, roomID, bob, "three"),
		)
		agg := types.NewAggregator()
		res, err := ingest(ctx, db, ingestor, agg, batch, false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Equal(t, []string{batch[0].EventID, batch[1].EventID, batch[2].EventID}, res.EventIDs)
		assert.Equal(t, res.EventIDs, agg.NewTimelineEvents[roomID])

		again, err := ingest(ctx, db, ingestor, types.NewAggregator(), batch, false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Empty(t, again.EventIDs)
		assert.Equal(t, res.Chunk.ChunkID, again.Chunk.ChunkID)

		err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			eventIDs, err := txn.ChunkEventIDs(ctx, res.Chunk.ChunkID)
			require.NoError(t, err)
			assert.Equal(t, res.EventIDs, eventIDs)

			rec, err := txn.Event(ctx, batch[1].EventID)
			require.NoError(t, err)
			assert.Equal(t, int64(2_000_000_000_000-500), rec.AgeLocalTS)
			assert.Equal(t, types.SendStateSynced, rec.SendState)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestLimitedSyncOpensNewChunk(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		ingestor := &Ingestor{LocalUserID: alice}

		first, err := ingest(ctx, db, ingestor, types.NewAggregator(),
			events(test.MessageEvent(t, roomID, bob, "before gap")), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		second, err := ingest(ctx, db, ingestor, types.NewAggregator(),
			events(test.MessageEvent(t, roomID, bob, "after gap")), true, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.NotEqual(t, first.Chunk.ChunkID, second.Chunk.ChunkID)
		assert.Equal(t, "prev", second.Chunk.PrevToken)

		err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			count, err := txn.CountLastForwardChunks(ctx, roomID, "")
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			chunkIDs, err := txn.ChunkIDs(ctx, roomID)
			require.NoError(t, err)
			assert.Len(t, chunkIDs, 2)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestRedeliveredEventStaysInItsChunk(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		ingestor := &Ingestor{LocalUserID: alice}

		e1 := test.MessageEvent(t, roomID, bob, "one")
		e2 := test.MessageEvent(t, roomID, bob, "two")
		first, err := ingest(ctx, db, ingestor, types.NewAggregator(), events(e1), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		second, err := ingest(ctx, db, ingestor, types.NewAggregator(), events(e1, e2), true, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		require.NotEqual(t, first.Chunk.ChunkID, second.Chunk.ChunkID)
		assert.Equal(t, []string{e2.EventID}, second.EventIDs)

		err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			chunkIDs, err := txn.ChunkIDs(ctx, roomID)
			require.NoError(t, err)
			require.Len(t, chunkIDs, 2)
			owners := 0
			for _, chunkID := range chunkIDs {
				eventIDs, err := txn.ChunkEventIDs(ctx, chunkID)
				require.NoError(t, err)
				for _, eventID := range eventIDs {
					if eventID == e1.EventID {
						owners++
					}
				}
			}
			assert.Equal(t, 1, owners)

			eventIDs, err := txn.ChunkEventIDs(ctx, second.Chunk.ChunkID)
			require.NoError(t, err)
			assert.Equal(t, []string{e2.EventID}, eventIDs)

			linked, err := txn.LinkedChunk(ctx, roomID, "", e1.EventID)
			require.NoError(t, err)
			assert.Equal(t, first.Chunk.ChunkID, linked)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		noSender := test.MessageEvent(t, roomID, "", "who?")
		good := test.MessageEvent(t, roomID, bob, "fine")
		badTopic := test.NewEvent(t, roomID, bob, types.MRoomTopic, map[string]int{"topic": 1}, test.WithStateKey(""))

		agg := types.NewAggregator()
		res, err := ingest(ctx, db, &Ingestor{}, agg, events(noSender, good, badTopic), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Equal(t, []string{good.EventID, badTopic.EventID}, res.EventIDs)
		assert.Len(t, agg.Warnings, 2)
	})
}

func TestStateEventsInTimeline(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		observer := &recordingObserver{}

		topic := test.NewEvent(t, roomID, bob, types.MRoomTopic, map[string]string{"topic": "news"}, test.WithStateKey(""))
		msg := test.MessageEvent(t, roomID, bob, "hi")
		_, err := ingest(ctx, db, &Ingestor{Crypto: observer}, types.NewAggregator(), events(topic, msg), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Equal(t, []string{topic.EventID}, observer.state)
		assert.Equal(t, []string{topic.EventID, msg.EventID}, observer.live)

		err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			room, err := txn.Room(ctx, roomID)
			require.NoError(t, err)
			assert.Equal(t, "news", room.Topic)
			assert.Equal(t, msg.OriginServerTS, room.LastActivityTS)
			eventID, err := txn.CurrentStateEventID(ctx, roomID, types.MRoomTopic, "")
			require.NoError(t, err)
			assert.Equal(t, topic.EventID, eventID)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestLocalEchoRemovedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		require.NoError(t, db.AddLocalEcho(ctx, &types.PendingLocalEcho{
			TransactionID: "tx1",
			RoomID:        roomID,
			EventID:       "$local-tx1",
			Type:          types.MRoomMessage,
			Content:       json.RawMessage(`{"msgtype":"m.text","body":"hello"}`),
			SendState:     types.SendStateSending,
		}))

		remote := test.MessageEvent(t, roomID, alice, "hello", test.WithUnsigned(map[string]string{"transaction_id": "tx1"}))
		res, err := ingest(ctx, db, &Ingestor{LocalUserID: alice}, types.NewAggregator(), events(remote), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Equal(t, 1, res.RemovedEchoes)

		again, err := ingest(ctx, db, &Ingestor{LocalUserID: alice}, types.NewAggregator(), events(remote), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Equal(t, 0, again.RemovedEchoes)

		err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			echoes, err := txn.LocalEchoes(ctx, roomID)
			require.NoError(t, err)
			assert.Empty(t, echoes)
			rec, err := txn.Event(ctx, remote.EventID)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, "tx1", rec.TransactionID)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestEncryptedEchoDecryptionIsReused(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		require.NoError(t, db.AddLocalEcho(ctx, &types.PendingLocalEcho{
			TransactionID: "tx2",
			RoomID:        roomID,
			Type:          types.MRoomEncrypted,
			Content:       json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2"}`),
			SendState:     types.SendStateSent,
			Decryption: &types.DecryptionResult{
				ClearEvent: json.RawMessage(`{"type":"m.room.message","content":{"body":"from echo"}}`),
				Algorithm:  types.AlgorithmMegolm,
			},
		}))

		decrypter := &countingDecrypter{fail: map[string]bool{}}
		remote := test.EncryptedEvent(t, roomID, alice, test.WithUnsigned(map[string]string{"transaction_id": "tx2"}))
		broken := test.EncryptedEvent(t, roomID, bob)
		decrypter.fail[broken.EventID] = true
		other := test.EncryptedEvent(t, roomID, bob)

		ingestor := &Ingestor{LocalUserID: alice, Decrypter: decrypter}
		res, err := ingest(ctx, db, ingestor, types.NewAggregator(), events(remote, broken, other), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Len(t, res.EventIDs, 3)
		assert.Equal(t, 2, decrypter.calls)

		err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			rec, err := txn.Event(ctx, remote.EventID)
			require.NoError(t, err)
			require.NotNil(t, rec.Decryption)
			assert.Contains(t, string(rec.Decryption.ClearEvent), "from echo")

			rec, err = txn.Event(ctx, broken.EventID)
			require.NoError(t, err)
			assert.Nil(t, rec.Decryption)
			assert.Contains(t, rec.DecryptionError, "UNKNOWN_INBOUND_SESSION_ID")

			rec, err = txn.Event(ctx, other.EventID)
			require.NoError(t, err)
			assert.NotNil(t, rec.Decryption)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestInitialSyncDoesNotDecrypt(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		decrypter := &countingDecrypter{}
		_, err := ingest(ctx, db, &Ingestor{Decrypter: decrypter}, types.NewAggregator(),
			events(test.EncryptedEvent(t, roomID, bob)), false, types.InsertTypeInitialSync)
		require.NoError(t, err)
		assert.Equal(t, 0, decrypter.calls)
	})
}

func TestSentEchoesSwept(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		for _, echo := range []*types.PendingLocalEcho{
			{TransactionID: "stuck", RoomID: roomID, Type: types.MRoomMessage, SendState: types.SendStateSent},
			{TransactionID: "inflight", RoomID: roomID, Type: types.MRoomMessage, SendState: types.SendStateSending},
		} {
			require.NoError(t, db.AddLocalEcho(ctx, echo))
		}

		// Nothing from the local user: no sweep.
		res, err := ingest(ctx, db, &Ingestor{LocalUserID: alice}, types.NewAggregator(),
			events(test.MessageEvent(t, roomID, bob, "hi")), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Equal(t, 0, res.RemovedEchoes)

		res, err = ingest(ctx, db, &Ingestor{LocalUserID: alice}, types.NewAggregator(),
			events(test.MessageEvent(t, roomID, alice, "mine")), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Equal(t, 1, res.RemovedEchoes)

		err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			echoes, err := txn.LocalEchoes(ctx, roomID)
			require.NoError(t, err)
			require.Len(t, echoes, 1)
			assert.Equal(t, "inflight", echoes[0].TransactionID)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestMalformedLocalEventStillSweepsEchoes(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()
		require.NoError(t, db.AddLocalEcho(ctx, &types.PendingLocalEcho{
			TransactionID: "stuck", RoomID: roomID, Type: types.MRoomMessage, SendState: types.SendStateSent,
		}))

		noEventID := test.MessageEvent(t, roomID, alice, "mine", test.WithEventID(""))
		agg := types.NewAggregator()
		res, err := ingest(ctx, db, &Ingestor{LocalUserID: alice}, agg, events(noEventID), false, types.InsertTypeIncrementalSync)
		require.NoError(t, err)
		assert.Empty(t, res.EventIDs)
		assert.Len(t, agg.Warnings, 1)
		assert.Equal(t, 1, res.RemovedEchoes)
	})
}

func TestThreadRepliesLinked(t *testing.T) {
	ctx := context.Background()
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := test.MustCreateDatabase(t, dbType)
		defer close()

		root := test.MessageEvent(t, roomID, bob, "root")
		reply := test.ThreadReply(t, roomID, alice, root.EventID, "reply")

		t.Run("threading", func(t *testing.T) {
			ingestor := &Ingestor{LocalUserID: alice, Capabilities: api.StaticCapabilities{Threading: true}, Rewriter: &threads.Rewriter{}}
			_, err := ingest(ctx, db, ingestor, types.NewAggregator(), events(root, reply), false, types.InsertTypeIncrementalSync)
			require.NoError(t, err)

			err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
				chunk, err := txn.LastForwardChunk(ctx, roomID, root.EventID)
				require.NoError(t, err)
				require.NotNil(t, chunk)
				eventIDs, err := txn.ChunkEventIDs(ctx, chunk.ChunkID)
				require.NoError(t, err)
				assert.Equal(t, []string{reply.EventID}, eventIDs)

				summary, err := txn.ThreadSummary(ctx, roomID, root.EventID)
				require.NoError(t, err)
				require.NotNil(t, summary)
				assert.Equal(t, 1, summary.NumReplies)
				assert.True(t, summary.IsParticipating)

				rec, err := txn.Event(ctx, reply.EventID)
				require.NoError(t, err)
				assert.Nil(t, rec.InjectedContent)
				assert.Equal(t, root.EventID, rec.RootThreadEventID)
				return nil
			})
			require.NoError(t, err)
		})

		t.Run("legacy", func(t *testing.T) {
			legacyReply := test.ThreadReply(t, roomID, bob, root.EventID, "legacy reply")
			ingestor := &Ingestor{LocalUserID: alice, Capabilities: api.StaticCapabilities{}, Rewriter: &threads.Rewriter{}}
			_, err := ingest(ctx, db, ingestor, types.NewAggregator(), events(legacyReply), false, types.InsertTypeIncrementalSync)
			require.NoError(t, err)

			err = db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
				rec, err := txn.Event(ctx, legacyReply.EventID)
				require.NoError(t, err)
				assert.Contains(t, string(rec.InjectedContent), "mx-reply")
				assert.NotContains(t, string(rec.Event.Content), "mx-reply")

				summary, err := txn.ThreadSummary(ctx, roomID, root.EventID)
				require.NoError(t, err)
				assert.Equal(t, 1, summary.NumReplies)
				return nil
			})
			require.NoError(t, err)
		})
	})
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"context"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/sync"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/element-hq/clientsync/test"
)

// overlapDetector fails when two batches run at the same time.
type overlapDetector struct {
	active     atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32
}

func (d *overlapDetector) HandleSyncResponse(context.Context, *types.SyncResponse, bool, api.ProgressReporter) error {
	if d.active.Inc() > 1 {
		d.overlapped.Store(true)
	}
	defer d.active.Dec()
	d.calls.Inc()
	return nil
}

func TestReplicaSerialisesBatches(t *testing.T) {
	detector := &overlapDetector{}
	replica := NewReplica(nil, detector, nil)

	var wg stdsync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, replica.HandleSyncResponse(context.Background(), &types.SyncResponse{}, false, nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), detector.calls.Load())
	assert.False(t, detector.overlapped.Load())
}

func TestReplicaForgetRoom(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := test.MustCreateDatabase(t, dbType)
		defer closeDB()

		cfg := &config.ClientSync{}
		cfg.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})
		handler := sync.NewHandler(db, &cfg.SyncAPI, "@alice:server", nil, sync.Collaborators{})
		replica := NewReplica(db, handler, nil)

		ctx := context.Background()
		roomID := "!room:server"
		res := &types.SyncResponse{
			NextBatch: "s1",
			Rooms: types.RoomsSyncResponse{
				Join: map[string]types.RoomSync{
					roomID: {
						State: types.EventList{Events: []types.ClientEvent{
							*test.MemberEvent(t, roomID, "@alice:server", "@alice:server", types.MembershipJoin, "Alice"),
						}},
						Timeline: types.Timeline{
							Events: []types.ClientEvent{*test.MessageEvent(t, roomID, "@alice:server", "hi")},
						},
					},
				},
			},
		}
		require.NoError(t, replica.HandleSyncResponse(ctx, res, true, nil))
		require.NoError(t, replica.ForgetRoom(ctx, roomID))

		require.NoError(t, db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
			room, err := txn.Room(ctx, roomID)
			require.NoError(t, err)
			assert.Nil(t, room)
			chunks, err := txn.ChunkIDs(ctx, roomID)
			require.NoError(t, err)
			assert.Empty(t, chunks)
			members, err := txn.Members(ctx, roomID)
			require.NoError(t, err)
			assert.Empty(t, members)
			return nil
		}))
	})
}

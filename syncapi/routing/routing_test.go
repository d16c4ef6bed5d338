// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/element-hq/clientsync/test"
)

const roomID = "!room:server"

type fakeForgetter struct {
	forgotten []string
	err       error
}

func (f *fakeForgetter) ForgetRoom(_ context.Context, roomID string) error {
	f.forgotten = append(f.forgotten, roomID)
	return f.err
}

type closedWaiter struct{}

func (closedWaiter) WaitForRoom(string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type neverWaiter struct{}

func (neverWaiter) WaitForRoom(string) <-chan struct{} {
	return make(chan struct{})
}

func newRouter(t *testing.T, db storage.Database, forgetter RoomForgetter, waiter RoomWaiter) *mux.Router {
	cfg := &config.ClientSync{}
	cfg.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})
	cfg.Global.Metrics.Enabled = true
	cfg.Global.Metrics.BasicAuth.Username = ""
	cfg.Global.Metrics.BasicAuth.Password = ""
	router := mux.NewRouter()
	Setup(router, &cfg.SyncAPI, db, forgetter, waiter, nil)
	return router
}

func do(t *testing.T, router http.Handler, method, path string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func seed(t *testing.T, db storage.Database) (eventIDs []string) {
	ctx := context.Background()
	msg := test.MessageEvent(t, roomID, "@bob:server", "hello")
	err := db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
		room, _, err := txn.GetOrCreateRoom(ctx, roomID)
		if err != nil {
			return err
		}
		room.Membership = types.MembershipJoin
		room.Name = "Test room"
		room.EncryptionAlgorithm = types.Some(types.AlgorithmMegolm)
		if err = txn.StoreRoom(ctx, room); err != nil {
			return err
		}
		if err = txn.UpsertMember(ctx, roomID, &types.MemberRecord{
			UserID: "@bob:server", Membership: types.MembershipJoin, DisplayName: "Bob",
		}); err != nil {
			return err
		}
		chunk, err := txn.OpenChunk(ctx, roomID, "", "p0")
		if err != nil {
			return err
		}
		if _, err = txn.InsertEvent(ctx, &types.TimelineEventRecord{Event: *msg, RoomID: roomID, SendState: types.SendStateSynced}); err != nil {
			return err
		}
		if _, err = txn.AppendToChunk(ctx, chunk.ChunkID, msg.EventID, false); err != nil {
			return err
		}
		return txn.AddReceiptSummaryUser(ctx, roomID, msg.EventID, "@bob:server")
	})
	require.NoError(t, err)
	require.NoError(t, db.StoreSyncToken(ctx, "s42"))
	return []string{msg.EventID}
}

func TestDebugAPI(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := test.MustCreateDatabase(t, dbType)
		defer closeDB()
		eventIDs := seed(t, db)
		router := newRouter(t, db, &fakeForgetter{}, closedWaiter{})

		var token map[string]string
		require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/debug/v1/sync_token", &token))
		assert.Equal(t, "s42", token["next_batch"])

		var rooms map[string][]string
		require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/debug/v1/rooms", &rooms))
		assert.Equal(t, []string{roomID}, rooms["rooms"])

		var room map[string]interface{}
		require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/debug/v1/rooms/"+roomID, &room))
		assert.Equal(t, "Test room", room["name"])
		assert.Equal(t, types.AlgorithmMegolm, room["encryption_algorithm"])
		assert.NotContains(t, room, "inviter_id")

		var members struct {
			Members map[string]types.MemberRecord `json:"members"`
		}
		require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/debug/v1/rooms/"+roomID+"/members", &members))
		assert.Equal(t, "Bob", members.Members["@bob:server"].DisplayName)

		var timeline timelineResponse
		require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/debug/v1/rooms/"+roomID+"/timeline", &timeline))
		require.Len(t, timeline.Events, 1)
		assert.Equal(t, eventIDs[0], timeline.Events[0].Event.EventID)
		assert.Equal(t, "p0", timeline.Chunk.PrevToken)

		var receipts map[string][]string
		require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/debug/v1/rooms/"+roomID+"/receipts/"+eventIDs[0], &receipts))
		assert.Equal(t, []string{"@bob:server"}, receipts["read_by"])

		var threads map[string][]interface{}
		require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/debug/v1/rooms/"+roomID+"/threads", &threads))
		assert.Empty(t, threads["threads"])

		assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/debug/v1/rooms/!unknown:server", nil))
		assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/debug/v1/rooms/!unknown:server/members", nil))
		assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/debug/v1/rooms/!unknown:server/timeline", nil))
		assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/metrics", nil))
	})
}

func TestForgetRoom(t *testing.T) {
	forgetter := &fakeForgetter{}
	router := newRouter(t, nil, forgetter, neverWaiter{})

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/debug/v1/rooms/"+roomID+"/forget", nil))
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/debug/v1/rooms/notaroom/forget", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, router, http.MethodGet, "/debug/v1/rooms/"+roomID+"/forget", nil))
	assert.Equal(t, []string{roomID}, forgetter.forgotten)

	forgetter.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, do(t, router, http.MethodPost, "/debug/v1/rooms/"+roomID+"/forget", nil))
}

func TestWaitForRoom(t *testing.T) {
	var res map[string]bool
	require.Equal(t, http.StatusOK, do(t, newRouter(t, nil, nil, closedWaiter{}), http.MethodGet, "/debug/v1/rooms/"+roomID+"/wait", &res))
	assert.True(t, res["updated"])

	require.Equal(t, http.StatusOK, do(t, newRouter(t, nil, nil, neverWaiter{}), http.MethodGet, "/debug/v1/rooms/"+roomID+"/wait?timeout=10", &res))
	assert.False(t, res["updated"])

	assert.Equal(t, http.StatusBadRequest, do(t, newRouter(t, nil, nil, neverWaiter{}), http.MethodGet, "/debug/v1/rooms/"+roomID+"/wait?timeout=soon", nil))
}

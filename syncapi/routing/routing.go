// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/element-hq/clientsync/internal/httputil"
	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/storage"
)

// RoomForgetter deletes a room from the replica. Implemented by the
// syncapi.Replica so that forgetting is serialised with sync batches.
type RoomForgetter interface {
	ForgetRoom(ctx context.Context, roomID string) error
}

// RoomWaiter hands out channels closed by the next timeline notification of
// a room.
type RoomWaiter interface {
	WaitForRoom(roomID string) <-chan struct{}
}

// Setup registers the debug API on router. The API is read-only apart from
// forgetting rooms.
func Setup(
	router *mux.Router, cfg *config.SyncAPI, db storage.Database,
	forgetter RoomForgetter, waiter RoomWaiter, limits *httputil.RateLimits,
) {
	v1 := router.PathPrefix("/debug/v1").Subrouter()

	v1.Handle("/sync_token",
		httputil.MakeJSONAPI("debug_sync_token", limits, func(req *http.Request) util.JSONResponse {
			return GetSyncToken(req, db)
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms",
		httputil.MakeJSONAPI("debug_rooms", limits, func(req *http.Request) util.JSONResponse {
			return ListRooms(req, db)
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms/{roomID}",
		httputil.MakeJSONAPI("debug_room", limits, func(req *http.Request) util.JSONResponse {
			return GetRoom(req, db, mux.Vars(req)["roomID"])
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms/{roomID}/members",
		httputil.MakeJSONAPI("debug_room_members", limits, func(req *http.Request) util.JSONResponse {
			return GetMembers(req, db, mux.Vars(req)["roomID"])
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms/{roomID}/timeline",
		httputil.MakeJSONAPI("debug_room_timeline", limits, func(req *http.Request) util.JSONResponse {
			return GetTimeline(req, db, mux.Vars(req)["roomID"])
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms/{roomID}/threads",
		httputil.MakeJSONAPI("debug_room_threads", limits, func(req *http.Request) util.JSONResponse {
			return GetThreads(req, db, mux.Vars(req)["roomID"])
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms/{roomID}/receipts/{eventID}",
		httputil.MakeJSONAPI("debug_room_receipts", limits, func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return GetReceipts(req, db, vars["roomID"], vars["eventID"])
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms/{roomID}/wait",
		httputil.MakeJSONAPI("debug_room_wait", limits, func(req *http.Request) util.JSONResponse {
			return WaitForRoom(req, waiter, mux.Vars(req)["roomID"])
		}),
	).Methods(http.MethodGet)

	v1.Handle("/rooms/{roomID}/forget",
		httputil.MakeJSONAPI("debug_room_forget", limits, func(req *http.Request) util.JSONResponse {
			return ForgetRoom(req, forgetter, mux.Vars(req)["roomID"])
		}),
	).Methods(http.MethodPost)

	if cfg.Matrix != nil && cfg.Matrix.Metrics.Enabled {
		router.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Matrix.Metrics.BasicAuth.Username,
			Password: cfg.Matrix.Metrics.BasicAuth.Password,
		}))
	}
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/types"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

type roomResponse struct {
	*types.RoomSnapshot
	EncryptionAlgorithm *string         `json:"encryption_algorithm,omitempty"`
	InviterID           *string         `json:"inviter_id,omitempty"`
	InviterDisplayName  *string         `json:"inviter_display_name,omitempty"`
	Tags                []types.RoomTag `json:"tags,omitempty"`
}

type timelineResponse struct {
	Chunk  *types.Chunk                 `json:"chunk"`
	Events []*types.TimelineEventRecord `json:"events"`
}

func internalError(req *http.Request, err error, msg string) util.JSONResponse {
	util.GetLogger(req.Context()).WithError(err).Error(msg)
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: spec.InternalServerError{},
	}
}

func notFound(msg string) util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusNotFound,
		JSON: spec.NotFound(msg),
	}
}

func GetSyncToken(req *http.Request, db storage.Database) util.JSONResponse {
	token, err := db.SyncToken(req.Context())
	if err != nil {
		return internalError(req, err, "db.SyncToken failed")
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"next_batch": token},
	}
}

func ListRooms(req *http.Request, db storage.Database) util.JSONResponse {
	var roomIDs []string
	err := db.ReadTransaction(req.Context(), func(txn *shared.Transaction) (err error) {
		roomIDs, err = txn.RoomIDs(req.Context())
		return err
	})
	if err != nil {
		return internalError(req, err, "txn.RoomIDs failed")
	}
	if roomIDs == nil {
		roomIDs = []string{}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string][]string{"rooms": roomIDs},
	}
}

func GetRoom(req *http.Request, db storage.Database, roomID string) util.JSONResponse {
	ctx := req.Context()
	var res *roomResponse
	err := db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
		room, err := txn.Room(ctx, roomID)
		if err != nil || room == nil {
			return err
		}
		tags, err := txn.RoomTags(ctx, roomID)
		if err != nil {
			return err
		}
		res = &roomResponse{
			RoomSnapshot:        room,
			EncryptionAlgorithm: room.EncryptionAlgorithm.Ptr(),
			InviterID:           room.InviterID.Ptr(),
			InviterDisplayName:  room.InviterDisplayName.Ptr(),
			Tags:                tags,
		}
		return nil
	})
	if err != nil {
		return internalError(req, err, "failed to read room")
	}
	if res == nil {
		return notFound("Unknown room")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func GetMembers(req *http.Request, db storage.Database, roomID string) util.JSONResponse {
	ctx := req.Context()
	var members map[string]*types.MemberRecord
	found := false
	err := db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
		room, err := txn.Room(ctx, roomID)
		if err != nil || room == nil {
			return err
		}
		found = true
		members, err = txn.Members(ctx, roomID)
		return err
	})
	if err != nil {
		return internalError(req, err, "txn.Members failed")
	}
	if !found {
		return notFound("Unknown room")
	}
	if members == nil {
		members = map[string]*types.MemberRecord{}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{"members": members},
	}
}

// GetTimeline returns the live chunk of a room, or of a thread when the
// thread query parameter names its root.
func GetTimeline(req *http.Request, db storage.Database, roomID string) util.JSONResponse {
	ctx := req.Context()
	threadRootID := req.URL.Query().Get("thread")
	var res *timelineResponse
	err := db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
		chunk, err := txn.LastForwardChunk(ctx, roomID, threadRootID)
		if err != nil || chunk == nil {
			return err
		}
		eventIDs, err := txn.ChunkEventIDs(ctx, chunk.ChunkID)
		if err != nil {
			return err
		}
		events, err := txn.Events(ctx, eventIDs)
		if err != nil {
			return err
		}
		res = &timelineResponse{Chunk: chunk, Events: make([]*types.TimelineEventRecord, 0, len(eventIDs))}
		for _, eventID := range eventIDs {
			if rec, ok := events[eventID]; ok {
				res.Events = append(res.Events, rec)
			}
		}
		return nil
	})
	if err != nil {
		return internalError(req, err, "failed to read timeline")
	}
	if res == nil {
		return notFound("No timeline for this room")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func GetThreads(req *http.Request, db storage.Database, roomID string) util.JSONResponse {
	ctx := req.Context()
	var summaries []*types.ThreadSummary
	err := db.ReadTransaction(ctx, func(txn *shared.Transaction) (err error) {
		summaries, err = txn.ThreadSummaries(ctx, roomID)
		return err
	})
	if err != nil {
		return internalError(req, err, "txn.ThreadSummaries failed")
	}
	if summaries == nil {
		summaries = []*types.ThreadSummary{}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]interface{}{"threads": summaries},
	}
}

// GetReceipts returns the users whose read receipt points at eventID.
func GetReceipts(req *http.Request, db storage.Database, roomID, eventID string) util.JSONResponse {
	ctx := req.Context()
	var userIDs []string
	err := db.ReadTransaction(ctx, func(txn *shared.Transaction) (err error) {
		userIDs, err = txn.ReceiptSummaryUsers(ctx, roomID, eventID)
		return err
	})
	if err != nil {
		return internalError(req, err, "txn.ReceiptSummaryUsers failed")
	}
	if userIDs == nil {
		userIDs = []string{}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string][]string{"read_by": userIDs},
	}
}

// WaitForRoom blocks until the room gets new timeline events or the timeout
// (in milliseconds) expires.
func WaitForRoom(req *http.Request, waiter RoomWaiter, roomID string) util.JSONResponse {
	timeout := defaultWaitTimeout
	if raw := req.URL.Query().Get("timeout"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("timeout must be a non-negative integer"),
			}
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter.WaitForRoom(roomID):
		return util.JSONResponse{Code: http.StatusOK, JSON: map[string]bool{"updated": true}}
	case <-timer.C:
		return util.JSONResponse{Code: http.StatusOK, JSON: map[string]bool{"updated": false}}
	case <-req.Context().Done():
		return util.JSONResponse{Code: http.StatusOK, JSON: map[string]bool{"updated": false}}
	}
}

func ForgetRoom(req *http.Request, forgetter RoomForgetter, roomID string) util.JSONResponse {
	if _, err := spec.NewRoomID(roomID); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("invalid room ID"),
		}
	}
	if err := forgetter.ForgetRoom(req.Context(), roomID); err != nil {
		return internalError(req, err, "ForgetRoom failed")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Direction in which a state event is applied.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// InsertType describes where a batch of timeline events came from.
type InsertType int

const (
	InsertTypeInitialSync InsertType = iota
	InsertTypeIncrementalSync
	InsertTypePagination
)

func (t InsertType) String() string {
	switch t {
	case InsertTypeInitialSync:
		return "initial_sync"
	case InsertTypePagination:
		return "pagination"
	default:
		return "incremental_sync"
	}
}

// SendState of an event. Local echoes move from Sending to Sent (or Failed)
// on the send path and become Synced once the server echoes them back.
type SendState string

const (
	SendStateUnsent  SendState = "unsent"
	SendStateSending SendState = "sending"
	SendStateSent    SendState = "sent"
	SendStateSynced  SendState = "synced"
	SendStateFailed  SendState = "failed"
)

// Chunk is a contiguous slice of timeline. ThreadRootID is "" for the main
// room timeline.
type Chunk struct {
	ChunkID       string `json:"chunk_id"`
	RoomID        string `json:"room_id"`
	ThreadRootID  string `json:"thread_root_id,omitempty"`
	PrevToken     string `json:"prev_token,omitempty"`
	NextToken     string `json:"next_token,omitempty"`
	IsLastForward bool   `json:"is_last_forward"`
}

// DecryptionResult is the cleartext of an encrypted event.
type DecryptionResult struct {
	// The decrypted payload, {"type": ..., "content": ...}.
	ClearEvent                   json.RawMessage `json:"clear_event"`
	Algorithm                    string          `json:"algorithm,omitempty"`
	SenderCurve25519Key          string          `json:"sender_key,omitempty"`
	ClaimedEd25519Key            string          `json:"claimed_ed25519_key,omitempty"`
	ForwardingCurve25519KeyChain []string        `json:"forwarding_curve25519_key_chain,omitempty"`
	IsSafe                       bool            `json:"is_safe"`
}

// TimelineEventRecord is the persisted form of a timeline or state event.
type TimelineEventRecord struct {
	Event      ClientEvent `json:"event"`
	RoomID     string      `json:"room_id"`
	SendState  SendState   `json:"send_state"`
	AgeLocalTS int64       `json:"age_local_ts,omitempty"`

	Decryption      *DecryptionResult `json:"decryption,omitempty"`
	DecryptionError string            `json:"decryption_error,omitempty"`
	// Client-side content override, never written over Event.Content.
	InjectedContent   json.RawMessage `json:"injected_content,omitempty"`
	RootThreadEventID string          `json:"root_thread_event_id,omitempty"`
	TransactionID     string          `json:"transaction_id,omitempty"`
}

// PendingLocalEcho is a message sent by this device that the server hasn't
// echoed back yet.
type PendingLocalEcho struct {
	TransactionID string            `json:"transaction_id"`
	RoomID        string            `json:"room_id"`
	EventID       string            `json:"event_id"`
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	SendState     SendState         `json:"send_state"`
	Decryption    *DecryptionResult `json:"decryption,omitempty"`
	CreatedTS     spec.Timestamp    `json:"created_ts"`
}

// ReadReceipt is the latest m.read receipt of one user in one room.
type ReadReceipt struct {
	RoomID    string         `json:"room_id"`
	UserID    string         `json:"user_id"`
	EventID   string         `json:"event_id"`
	Timestamp spec.Timestamp `json:"ts"`
}

// ThreadSummary is the rolled-up view of a thread.
type ThreadSummary struct {
	RoomID            string         `json:"room_id"`
	RootEventID       string         `json:"root_event_id"`
	LatestEventID     string         `json:"latest_event_id"`
	LatestSender      string         `json:"latest_sender"`
	LatestTS          spec.Timestamp `json:"latest_ts"`
	NumReplies        int            `json:"num_replies"`
	IsParticipating   bool           `json:"is_participating"`
	NotificationCount int            `json:"notification_count"`
	HighlightCount    int            `json:"highlight_count"`
}

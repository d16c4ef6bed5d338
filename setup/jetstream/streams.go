// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

// Header names.
const (
	RoomID        = "room_id"
	EventID       = "event_id"
	TransactionID = "transaction_id"
	SendState     = "send_state"
)

// Subjects, prefixed with the configured topic prefix.
var (
	// OutputTimelineEvents carries the event IDs newly stored for a room.
	OutputTimelineEvents = "OutputTimelineEvents"
	// InputLocalEchoState carries send state updates for local echoes.
	InputLocalEchoState = "InputLocalEchoState"
)

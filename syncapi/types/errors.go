// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "fmt"

// MalformedEventError is a soft failure: the event is skipped and the batch
// carries on.
type MalformedEventError struct {
	RoomID    string
	EventID   string
	EventType string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %q event %q in room %q: %s", e.EventType, e.EventID, e.RoomID, e.Reason)
}

// NewMalformedEventError builds a MalformedEventError for ev.
func NewMalformedEventError(roomID string, ev *ClientEvent, reason string) *MalformedEventError {
	return &MalformedEventError{
		RoomID:    roomID,
		EventID:   ev.EventID,
		EventType: ev.Type,
		Reason:    reason,
	}
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// SyncResponse is a decoded /sync response.
type SyncResponse struct {
	NextBatch   string            `json:"next_batch"`
	AccountData EventList         `json:"account_data,omitempty"`
	Rooms       RoomsSyncResponse `json:"rooms"`
}

type EventList struct {
	Events []ClientEvent `json:"events,omitempty"`
}

type RoomsSyncResponse struct {
	Join   map[string]RoomSync        `json:"join,omitempty"`
	Invite map[string]InvitedRoomSync `json:"invite,omitempty"`
	Leave  map[string]RoomSync        `json:"leave,omitempty"`
}

// IsEmpty returns true when the response carries no room updates.
func (r *SyncResponse) IsEmpty() bool {
	return len(r.Rooms.Join) == 0 && len(r.Rooms.Invite) == 0 && len(r.Rooms.Leave) == 0 && len(r.AccountData.Events) == 0
}

// RoomSync is a joined or left room section.
type RoomSync struct {
	State                     EventList                      `json:"state,omitempty"`
	Timeline                  Timeline                       `json:"timeline,omitempty"`
	Ephemeral                 EventList                      `json:"ephemeral,omitempty"`
	AccountData               EventList                      `json:"account_data,omitempty"`
	Summary                   RoomSummary                    `json:"summary,omitempty"`
	UnreadNotifications       UnreadNotifications            `json:"unread_notifications,omitempty"`
	UnreadThreadNotifications map[string]UnreadNotifications `json:"unread_thread_notifications,omitempty"`
}

type Timeline struct {
	Events    []ClientEvent `json:"events,omitempty"`
	Limited   bool          `json:"limited,omitempty"`
	PrevBatch string        `json:"prev_batch,omitempty"`
}

type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

type UnreadNotifications struct {
	NotificationCount *int `json:"notification_count,omitempty"`
	HighlightCount    *int `json:"highlight_count,omitempty"`
}

// InvitedRoomSync is an invited room section. Invite state is stripped and
// usually lacks event IDs.
type InvitedRoomSync struct {
	InviteState EventList `json:"invite_state"`
}

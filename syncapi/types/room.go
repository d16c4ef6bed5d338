// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/event"
)

// Membership is the membership of a user in a room.
type Membership = event.Membership

const (
	MembershipNone   Membership = ""
	MembershipInvite            = event.MembershipInvite
	MembershipJoin              = event.MembershipJoin
	MembershipLeave             = event.MembershipLeave
	MembershipBan               = event.MembershipBan
	MembershipKnock             = event.MembershipKnock
	// MembershipKick is never sent by a server. It is derived from a leave
	// applied by someone other than the member while they were joined.
	MembershipKick Membership = "kick"
)

// IsActive returns true for members that count towards the room's population.
func IsActive(m Membership) bool {
	return m == MembershipJoin || m == MembershipInvite
}

// HasLeft returns true for every way of no longer being in a room.
func HasLeft(m Membership) bool {
	return m == MembershipLeave || m == MembershipBan || m == MembershipKick
}

// RoomSnapshot is the denormalised current state of a room as known to the
// replica.
type RoomSnapshot struct {
	RoomID     string     `json:"room_id"`
	Membership Membership `json:"membership"`

	Name              string          `json:"name,omitempty"`
	Topic             string          `json:"topic,omitempty"`
	AvatarURL         string          `json:"avatar_url,omitempty"`
	CanonicalAlias    string          `json:"canonical_alias,omitempty"`
	AltAliases        []string        `json:"alt_aliases,omitempty"`
	JoinRule          string          `json:"join_rule,omitempty"`
	GuestAccess       string          `json:"guest_access,omitempty"`
	HistoryVisibility string          `json:"history_visibility,omitempty"`
	RoomType          string          `json:"room_type,omitempty"`
	PowerLevels       json.RawMessage `json:"power_levels,omitempty"`
	Tombstone         *Tombstone      `json:"tombstone,omitempty"`
	PinnedEvents      []string        `json:"pinned_events,omitempty"`
	RelatedGroups     []string        `json:"related_groups,omitempty"`
	// Per-domain alias lists keyed by the m.room.aliases state key.
	AliasesByDomain map[string][]string `json:"aliases_by_domain,omitempty"`

	// Once Present, never goes back to Absent. An empty algorithm is kept as
	// Some("").
	EncryptionAlgorithm Optional[string] `json:"-"`

	NotificationCount   int      `json:"notification_count"`
	HighlightCount      int      `json:"highlight_count"`
	JoinedMembersCount  int      `json:"joined_members_count"`
	InvitedMembersCount int      `json:"invited_members_count"`
	Heroes              []string `json:"heroes,omitempty"`

	InviterID          Optional[string] `json:"-"`
	InviterDisplayName Optional[string] `json:"-"`

	FullyReadEventID string       `json:"fully_read_event_id,omitempty"`
	TypingUsers      []TypingUser `json:"typing_users,omitempty"`

	LastActivityTS spec.Timestamp `json:"last_activity_ts,omitempty"`
}

// NewRoomSnapshot returns an empty snapshot for a room the replica hasn't
// seen before.
func NewRoomSnapshot(roomID string) *RoomSnapshot {
	return &RoomSnapshot{
		RoomID:              roomID,
		Membership:          MembershipNone,
		AliasesByDomain:     map[string][]string{},
		EncryptionAlgorithm: None[string](),
		InviterID:           None[string](),
		InviterDisplayName:  None[string](),
	}
}

// IsEncrypted returns true once any m.room.encryption event has been seen.
func (r *RoomSnapshot) IsEncrypted() bool {
	return r.EncryptionAlgorithm.IsPresent()
}

// Tombstone is the content of m.room.tombstone.
type Tombstone struct {
	Body            string `json:"body"`
	ReplacementRoom string `json:"replacement_room"`
}

// MemberRecord is one roster entry.
type MemberRecord struct {
	UserID                string         `json:"user_id"`
	Membership            Membership     `json:"membership"`
	DisplayName           string         `json:"displayname,omitempty"`
	AvatarURL             string         `json:"avatar_url,omitempty"`
	ThirdPartyInviteToken string         `json:"third_party_invite_token,omitempty"`
	Reason                string         `json:"reason,omitempty"`
	IsDirect              bool           `json:"is_direct,omitempty"`
	Sender                string         `json:"sender,omitempty"`
	EventID               string         `json:"event_id,omitempty"`
	OriginServerTS        spec.Timestamp `json:"origin_server_ts,omitempty"`
}

// SameContent returns true when both records describe the same membership
// as far as the roster is concerned.
func (m *MemberRecord) SameContent(other *MemberRecord) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Membership == other.Membership &&
		m.DisplayName == other.DisplayName &&
		m.AvatarURL == other.AvatarURL &&
		m.ThirdPartyInviteToken == other.ThirdPartyInviteToken &&
		m.Reason == other.Reason &&
		m.IsDirect == other.IsDirect
}

// ThirdPartyInvite is a pending m.room.third_party_invite keyed by token.
type ThirdPartyInvite struct {
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
	Sender      string `json:"sender"`
	EventID     string `json:"event_id"`
	// The user that joined using this invite, once exchanged.
	ExchangedBy string `json:"exchanged_by,omitempty"`
}

// TypingUser is a user currently typing, rendered with roster information.
type TypingUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RoomTag is one entry of m.tag account data.
type RoomTag struct {
	Name  string   `json:"name"`
	Order *float64 `json:"order,omitempty"`
}

// Profile is a global user profile.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

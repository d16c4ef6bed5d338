// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// Event types understood by the replica.
const (
	MRoomMember            = "m.room.member"
	MRoomEncryption        = "m.room.encryption"
	MRoomEncrypted         = "m.room.encrypted"
	MRoomAliases           = "m.room.aliases"
	MRoomCanonicalAlias    = "m.room.canonical_alias"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomTopic             = "m.room.topic"
	MRoomName              = "m.room.name"
	MRoomAvatar            = "m.room.avatar"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomGuestAccess       = "m.room.guest_access"
	MRoomTombstone         = "m.room.tombstone"
	MRoomPinnedEvents      = "m.room.pinned_events"
	MRoomRelatedGroups     = "m.room.related_groups"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomCreate            = "m.room.create"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
	MRoomMessage           = "m.room.message"
	MSpaceChild            = "m.space.child"
	MSpaceParent           = "m.space.parent"

	MReceipt   = "m.receipt"
	MTyping    = "m.typing"
	MRead      = "m.read"
	MFullyRead = "m.fully_read"
	MTag       = "m.tag"

	// RelationThread is the stable thread relation type.
	RelationThread = "m.thread"
	// RelationThreadUnstable is the relation type used by older clients.
	RelationThreadUnstable = "io.element.thread"

	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// ClientEvent is an event as delivered by the client-server sync API.
type ClientEvent struct {
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Type           string          `json:"type"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	// Some servers still send prev_content at the top level.
	PrevContent json.RawMessage `json:"prev_content,omitempty"`
	Redacts     string          `json:"redacts,omitempty"`
}

// IsState returns true if the event carries a state key.
func (e *ClientEvent) IsState() bool {
	return e.StateKey != nil
}

// StateKeyValue returns the state key or "" for non-state events.
func (e *ClientEvent) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// StateKeyEquals returns true if the event is a state event with the given key.
func (e *ClientEvent) StateKeyEquals(key string) bool {
	return e.StateKey != nil && *e.StateKey == key
}

// IsEncrypted returns true for m.room.encrypted events.
func (e *ClientEvent) IsEncrypted() bool {
	return e.Type == MRoomEncrypted
}

// Age returns unsigned.age in milliseconds, if present.
func (e *ClientEvent) Age() (int64, bool) {
	res := gjson.GetBytes(e.Unsigned, "age")
	if !res.Exists() || res.Type != gjson.Number {
		return 0, false
	}
	return res.Int(), true
}

// TransactionID returns unsigned.transaction_id, only sent to the device that
// originated the event.
func (e *ClientEvent) TransactionID() string {
	return gjson.GetBytes(e.Unsigned, "transaction_id").Str
}

// ResolvedPrevContent returns the previous content of a state event, looking at
// the top-level field first and unsigned.prev_content second.
func (e *ClientEvent) ResolvedPrevContent() json.RawMessage {
	if isPresentContent(e.PrevContent) {
		return e.PrevContent
	}
	if res := gjson.GetBytes(e.Unsigned, "prev_content"); res.Exists() && res.Type != gjson.Null {
		return json.RawMessage(res.Raw)
	}
	return nil
}

// ContentFor returns the content to apply in the given direction.
func (e *ClientEvent) ContentFor(dir Direction) json.RawMessage {
	if dir == Backward {
		return e.ResolvedPrevContent()
	}
	if isPresentContent(e.Content) {
		return e.Content
	}
	return nil
}

// RelationType returns content.m.relates_to.rel_type.
func (e *ClientEvent) RelationType() string {
	return RelationTypeOf(e.Content)
}

// ThreadRootID returns the root event ID when the event is part of a thread.
func (e *ClientEvent) ThreadRootID() string {
	return ThreadRootOf(e.Content)
}

// EncryptionAlgorithm returns content.algorithm for encrypted events.
func (e *ClientEvent) EncryptionAlgorithm() string {
	return gjson.GetBytes(e.Content, "algorithm").Str
}

// IsValidTimelineEvent reports whether the fields needed to persist the event
// are present.
func (e *ClientEvent) IsValidTimelineEvent() bool {
	return e.EventID != "" && e.Sender != "" && e.Type != ""
}

// RelationTypeOf returns m.relates_to.rel_type of a content object.
func RelationTypeOf(content json.RawMessage) string {
	return gjson.GetBytes(content, `m\.relates_to.rel_type`).Str
}

// ThreadRootOf returns the thread root of a content object, or "" if the
// content does not relate to a thread.
func ThreadRootOf(content json.RawMessage) string {
	switch RelationTypeOf(content) {
	case RelationThread, RelationThreadUnstable:
		return gjson.GetBytes(content, `m\.relates_to.event_id`).Str
	}
	return ""
}

func isPresentContent(content json.RawMessage) bool {
	if len(content) == 0 {
		return false
	}
	res := gjson.ParseBytes(content)
	return res.Type != gjson.Null
}

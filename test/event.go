// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"go.uber.org/atomic"

	"github.com/element-hq/clientsync/syncapi/types"
)

var eventCounter = atomic.NewInt64(0)

// EventOption customises an event built by NewEvent.
type EventOption func(ev *types.ClientEvent)

// WithStateKey makes the event a state event.
func WithStateKey(stateKey string) EventOption {
	return func(ev *types.ClientEvent) {
		ev.StateKey = &stateKey
	}
}

// WithEventID overrides the generated event ID.
func WithEventID(eventID string) EventOption {
	return func(ev *types.ClientEvent) {
		ev.EventID = eventID
	}
}

// WithTimestamp sets origin_server_ts.
func WithTimestamp(ts spec.Timestamp) EventOption {
	return func(ev *types.ClientEvent) {
		ev.OriginServerTS = ts
	}
}

// WithUnsigned sets the unsigned object.
func WithUnsigned(unsigned interface{}) EventOption {
	return func(ev *types.ClientEvent) {
		ev.Unsigned = mustMarshal(unsigned)
	}
}

// WithPrevContent sets the top-level prev_content.
func WithPrevContent(prev interface{}) EventOption {
	return func(ev *types.ClientEvent) {
		ev.PrevContent = mustMarshal(prev)
	}
}

// NewEvent builds a client event with a unique event ID.
func NewEvent(t *testing.T, roomID, sender, eventType string, content interface{}, opts ...EventOption) *types.ClientEvent {
	t.Helper()
	n := eventCounter.Inc()
	ev := &types.ClientEvent{
		EventID:        fmt.Sprintf("$%d:localhost", n),
		RoomID:         roomID,
		Sender:         sender,
		Type:           eventType,
		OriginServerTS: spec.Timestamp(1_700_000_000_000 + n),
	}
	if content != nil {
		ev.Content = mustMarshal(content)
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// MemberEvent builds an m.room.member event for target.
func MemberEvent(t *testing.T, roomID, sender, target string, membership types.Membership, displayName string, opts ...EventOption) *types.ClientEvent {
	t.Helper()
	content := map[string]interface{}{
		"membership": membership,
	}
	if displayName != "" {
		content["displayname"] = displayName
	}
	return NewEvent(t, roomID, sender, types.MRoomMember, content, append([]EventOption{WithStateKey(target)}, opts...)...)
}

// MessageEvent builds an m.room.message text event.
func MessageEvent(t *testing.T, roomID, sender, body string, opts ...EventOption) *types.ClientEvent {
	t.Helper()
	return NewEvent(t, roomID, sender, types.MRoomMessage, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}, opts...)
}

// ThreadReply builds an m.room.message replying in the thread of rootID.
func ThreadReply(t *testing.T, roomID, sender, rootID, body string, opts ...EventOption) *types.ClientEvent {
	t.Helper()
	return NewEvent(t, roomID, sender, types.MRoomMessage, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
		"m.relates_to": map[string]interface{}{
			"rel_type": types.RelationThread,
			"event_id": rootID,
		},
	}, opts...)
}

// EncryptedEvent builds an m.room.encrypted event.
func EncryptedEvent(t *testing.T, roomID, sender string, opts ...EventOption) *types.ClientEvent {
	t.Helper()
	return NewEvent(t, roomID, sender, types.MRoomEncrypted, map[string]interface{}{
		"algorithm":  types.AlgorithmMegolm,
		"ciphertext": "AwgAEn",
		"device_id":  "DEVICE",
		"sender_key": "senderkey",
		"session_id": "session",
	}, opts...)
}

func mustMarshal(v interface{}) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptional(t *testing.T) {
	var unset Optional[string]
	assert.False(t, unset.IsLoaded())
	assert.False(t, unset.IsPresent())
	assert.Nil(t, unset.Ptr())
	assert.Equal(t, "fallback", unset.OrElse("fallback"))

	none := None[string]()
	assert.True(t, none.IsLoaded())
	assert.False(t, none.IsPresent())
	assert.Equal(t, "absent", none.State.String())

	// An empty value is still present.
	empty := Some("")
	assert.True(t, empty.IsPresent())
	v, ok := empty.Get()
	assert.True(t, ok)
	assert.Equal(t, "", v)
	if assert.NotNil(t, empty.Ptr()) {
		assert.Equal(t, "", *empty.Ptr())
	}

	assert.Equal(t, None[int](), FromPtr[int](nil))
	n := 3
	assert.Equal(t, Some(3), FromPtr(&n))
}

func strPtr(s string) *string { return &s }

func TestClientEventHelpers(t *testing.T) {
	ev := &ClientEvent{
		EventID:  "$a",
		Sender:   "@bob:server",
		Type:     MRoomMember,
		StateKey: strPtr("@bob:server"),
		Content:  json.RawMessage(`{"membership":"join"}`),
		Unsigned: json.RawMessage(`{"age":1200,"transaction_id":"txn1","prev_content":{"membership":"invite"}}`),
	}
	assert.True(t, ev.IsState())
	assert.True(t, ev.StateKeyEquals("@bob:server"))
	assert.False(t, ev.StateKeyEquals(""))
	assert.True(t, ev.IsValidTimelineEvent())
	age, ok := ev.Age()
	assert.True(t, ok)
	assert.Equal(t, int64(1200), age)
	assert.Equal(t, "txn1", ev.TransactionID())
	assert.JSONEq(t, `{"membership":"invite"}`, string(ev.ContentFor(Backward)))
	assert.JSONEq(t, `{"membership":"join"}`, string(ev.ContentFor(Forward)))

	// Top-level prev_content wins over unsigned.
	ev.PrevContent = json.RawMessage(`{"membership":"leave"}`)
	assert.JSONEq(t, `{"membership":"leave"}`, string(ev.ResolvedPrevContent()))

	msg := &ClientEvent{Type: MRoomMessage, Content: json.RawMessage(`null`)}
	assert.False(t, msg.IsState())
	assert.Equal(t, "", msg.StateKeyValue())
	assert.Nil(t, msg.ContentFor(Forward))
	assert.Nil(t, msg.ResolvedPrevContent())
	_, ok = msg.Age()
	assert.False(t, ok)
	assert.False(t, msg.IsValidTimelineEvent())
}

func TestThreadRelations(t *testing.T) {
	tests := []struct {
		content string
		root    string
	}{
		{`{"m.relates_to":{"rel_type":"m.thread","event_id":"$root"}}`, "$root"},
		{`{"m.relates_to":{"rel_type":"io.element.thread","event_id":"$root"}}`, "$root"},
		{`{"m.relates_to":{"rel_type":"m.annotation","event_id":"$root"}}`, ""},
		{`{"body":"hi"}`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.root, ThreadRootOf(json.RawMessage(tt.content)), tt.content)
	}
	enc := &ClientEvent{Type: MRoomEncrypted, Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2"}`)}
	assert.True(t, enc.IsEncrypted())
	assert.Equal(t, AlgorithmMegolm, enc.EncryptionAlgorithm())
}

func TestMembership(t *testing.T) {
	assert.True(t, IsActive(MembershipJoin))
	assert.True(t, IsActive(MembershipInvite))
	assert.False(t, IsActive(MembershipLeave))
	for _, m := range []Membership{MembershipLeave, MembershipBan, MembershipKick} {
		assert.True(t, HasLeft(m), m)
	}
	assert.False(t, HasLeft(MembershipKnock))

	a := &MemberRecord{UserID: "@a:s", Membership: MembershipJoin, DisplayName: "A", EventID: "$1"}
	b := &MemberRecord{UserID: "@a:s", Membership: MembershipJoin, DisplayName: "A", EventID: "$2"}
	assert.True(t, a.SameContent(b))
	b.DisplayName = "B"
	assert.False(t, a.SameContent(b))
	assert.False(t, a.SameContent(nil))
	assert.True(t, (*MemberRecord)(nil).SameContent(nil))

	room := NewRoomSnapshot("!r:s")
	assert.False(t, room.IsEncrypted())
	room.EncryptionAlgorithm = Some("")
	assert.True(t, room.IsEncrypted())
}

func TestAggregator(t *testing.T) {
	agg := NewAggregator()
	agg.Touch("!b:s")
	agg.Touch("!a:s")
	agg.Touch("!b:s")
	assert.Equal(t, []string{"!a:s", "!b:s"}, agg.TouchedRoomIDs())

	ev := &ClientEvent{EventID: "$bad", Type: MRoomName}
	agg.Warn(fmt.Errorf("wrapped: %w", NewMalformedEventError("!a:s", ev, "missing content")))
	if assert.Len(t, agg.Warnings, 1) {
		var malformed *MalformedEventError
		assert.True(t, errors.As(agg.Warnings[0], &malformed))
		assert.Equal(t, "$bad", malformed.EventID)
		assert.Contains(t, malformed.Error(), "missing content")
	}
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/clientsync/internal/caching"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/element-hq/clientsync/test"
)

const (
	roomID = "!room:server"
	alice  = "@alice:server"
	bob    = "@bob:server"
)

type mapCache struct {
	names   map[string]caching.DisplayNames
	aliases map[string][]string
}

func newMapCache() *mapCache {
	return &mapCache{names: map[string]caching.DisplayNames{}, aliases: map[string][]string{}}
}

func (c *mapCache) GetRoomDisplayNames(roomID string) (caching.DisplayNames, bool) {
	names, ok := c.names[roomID]
	return names, ok
}
func (c *mapCache) StoreRoomDisplayNames(roomID string, names caching.DisplayNames) {
	c.names[roomID] = names
}
func (c *mapCache) InvalidateRoomDisplayNames(roomID string) { delete(c.names, roomID) }
func (c *mapCache) GetRoomAliases(roomID string) ([]string, bool) {
	aliases, ok := c.aliases[roomID]
	return aliases, ok
}
func (c *mapCache) StoreRoomAliases(roomID string, aliases []string) { c.aliases[roomID] = aliases }
func (c *mapCache) InvalidateRoomAliases(roomID string)              { delete(c.aliases, roomID) }

type staticProfiles map[string]*types.Profile

func (p staticProfiles) QueryProfile(_ context.Context, userID string) (*types.Profile, error) {
	if profile, ok := p[userID]; ok {
		return profile, nil
	}
	return nil, errors.New("unknown user")
}

func newState() *State {
	return New(types.NewRoomSnapshot(roomID), newMapCache(), nil)
}

func mustApply(t *testing.T, s *State, ev *types.ClientEvent) bool {
	t.Helper()
	handled, err := s.Apply(ev, types.Forward)
	require.NoError(t, err)
	return handled
}

func TestApplyMemberIsIdempotent(t *testing.T) {
	s := newState()
	ev := test.MemberEvent(t, roomID, alice, alice, types.MembershipJoin, "Alice")

	assert.True(t, mustApply(t, s, ev))
	first := *s.Member(alice)
	assert.False(t, mustApply(t, s, ev))
	assert.Equal(t, first, *s.Member(alice))

	// Same content under another event ID is also a replay.
	again := test.MemberEvent(t, roomID, alice, alice, types.MembershipJoin, "Alice")
	assert.False(t, mustApply(t, s, again))
	assert.Equal(t, []string{alice}, s.MemberIDs())
}

func TestApplyMemberRemoval(t *testing.T) {
	s := newState()
	mustApply(t, s, test.MemberEvent(t, roomID, alice, alice, types.MembershipJoin, "Alice"))

	removal := test.NewEvent(t, roomID, alice, types.MRoomMember, nil, test.WithStateKey(alice))
	assert.True(t, mustApply(t, s, removal))
	assert.Nil(t, s.Member(alice))
	assert.False(t, mustApply(t, s, removal))
}

func TestApplyMemberDerivesKick(t *testing.T) {
	s := newState()
	mustApply(t, s, test.MemberEvent(t, roomID, alice, alice, types.MembershipJoin, "Alice",
		test.WithUnsigned(map[string]interface{}{})))
	s.members[alice].AvatarURL = "mxc://server/alice"

	assert.True(t, mustApply(t, s, test.MemberEvent(t, roomID, bob, alice, types.MembershipLeave, "")))
	member := s.Member(alice)
	require.NotNil(t, member)
	assert.Equal(t, types.MembershipKick, member.Membership)
	assert.Equal(t, "Alice", member.DisplayName)
	assert.Equal(t, "mxc://server/alice", member.AvatarURL)

	// Leaving by yourself is not a kick.
	mustApply(t, s, test.MemberEvent(t, roomID, bob, bob, types.MembershipJoin, "Bob"))
	mustApply(t, s, test.MemberEvent(t, roomID, bob, bob, types.MembershipLeave, ""))
	assert.Equal(t, types.MembershipLeave, s.Membership(bob))
	assert.Equal(t, "Bob", s.Member(bob).DisplayName)
}

func TestApplyMemberRejectsBadStateKey(t *testing.T) {
	s := newState()
	_, err := s.Apply(test.MemberEvent(t, roomID, alice, "not-a-user", types.MembershipJoin, ""), types.Forward)
	var malformed *types.MalformedEventError
	require.ErrorAs(t, err, &malformed)
	assert.Empty(t, s.MemberIDs())
}

func TestEncryptionNeverReverts(t *testing.T) {
	s := newState()
	assert.False(t, s.Room.IsEncrypted())

	mustApply(t, s, test.NewEvent(t, roomID, alice, types.MRoomEncryption,
		map[string]string{"algorithm": "m.megolm.v1"}, test.WithStateKey("")))
	assert.Equal(t, "m.megolm.v1", s.Room.EncryptionAlgorithm.OrElse("unset"))

	mustApply(t, s, test.NewEvent(t, roomID, alice, types.MRoomEncryption,
		map[string]string{}, test.WithStateKey("")))
	algorithm, ok := s.Room.EncryptionAlgorithm.Get()
	assert.True(t, ok)
	assert.Equal(t, "", algorithm)
	assert.True(t, s.Room.IsEncrypted())
}

func TestApplyBackwardUsesPrevContent(t *testing.T) {
	s := newState()
	ev := test.NewEvent(t, roomID, alice, types.MRoomTopic, map[string]string{"topic": "new"},
		test.WithStateKey(""),
		test.WithUnsigned(map[string]interface{}{"prev_content": map[string]string{"topic": "old"}}))

	handled, err := s.Apply(ev, types.Backward)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "old", s.Room.Topic)
}

func TestApplySimpleFields(t *testing.T) {
	s := newState()
	for _, tc := range []struct {
		eventType string
		content   interface{}
		check     func() bool
	}{
		{types.MRoomName, map[string]string{"name": "Room"}, func() bool { return s.Room.Name == "Room" }},
		{types.MRoomAvatar, map[string]string{"url": "mxc://a/b"}, func() bool { return s.Room.AvatarURL == "mxc://a/b" }},
		{types.MRoomJoinRules, map[string]string{"join_rule": "invite"}, func() bool { return s.Room.JoinRule == "invite" }},
		{types.MRoomGuestAccess, map[string]string{"guest_access": "forbidden"}, func() bool { return s.Room.GuestAccess == "forbidden" }},
		{types.MRoomHistoryVisibility, map[string]string{"history_visibility": "shared"}, func() bool { return s.Room.HistoryVisibility == "shared" }},
		{types.MRoomCreate, map[string]string{"type": "m.space"}, func() bool { return s.Room.RoomType == "m.space" }},
		{types.MRoomPinnedEvents, map[string][]string{"pinned": {"$a", "$b"}}, func() bool { return len(s.Room.PinnedEvents) == 2 }},
		{types.MRoomTombstone, map[string]string{"body": "gone", "replacement_room": "!new:server"}, func() bool {
			return s.Room.Tombstone != nil && s.Room.Tombstone.ReplacementRoom == "!new:server"
		}},
		{types.MRoomPowerLevels, map[string]interface{}{"users": map[string]int{alice: 100}}, func() bool {
			var pl struct {
				Users map[string]int `json:"users"`
			}
			return json.Unmarshal(s.Room.PowerLevels, &pl) == nil && pl.Users[alice] == 100
		}},
	} {
		t.Run(tc.eventType, func(t *testing.T) {
			assert.True(t, mustApply(t, s, test.NewEvent(t, roomID, alice, tc.eventType, tc.content, test.WithStateKey(""))))
			assert.True(t, tc.check())
		})
	}
}

func TestApplyMalformedAndUnknown(t *testing.T) {
	s := newState()
	s.Room.Name = "Before"

	bad := test.NewEvent(t, roomID, alice, types.MRoomName, map[string]int{"name": 42}, test.WithStateKey(""))
	handled, err := s.Apply(bad, types.Forward)
	assert.False(t, handled)
	var malformed *types.MalformedEventError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, bad.EventID, malformed.EventID)
	assert.Equal(t, "Before", s.Room.Name)

	notObject := test.NewEvent(t, roomID, alice, types.MRoomName, nil, test.WithStateKey(""))
	notObject.Content = json.RawMessage(`[1,2]`)
	_, err = s.Apply(notObject, types.Forward)
	require.ErrorAs(t, err, &malformed)

	unknown := test.NewEvent(t, roomID, alice, "org.example.custom", map[string]string{"a": "b"}, test.WithStateKey(""))
	handled, err = s.Apply(unknown, types.Forward)
	assert.NoError(t, err)
	assert.False(t, handled)

	message := test.MessageEvent(t, roomID, alice, "hello")
	handled, err = s.Apply(message, types.Forward)
	assert.NoError(t, err)
	assert.False(t, handled)
}

func TestResolveDisplayNameDisambiguates(t *testing.T) {
	const (
		alice1 = "@id1:server"
		alice2 = "@id2:server"
	)
	s := newState()
	mustApply(t, s, test.MemberEvent(t, roomID, alice1, alice1, types.MembershipJoin, "Alice"))
	assert.Equal(t, "Alice", s.ResolveDisplayName(context.Background(), alice1))

	mustApply(t, s, test.MemberEvent(t, roomID, alice2, alice2, types.MembershipJoin, "Alice"))
	assert.Equal(t, "Alice (@id1:server)", s.ResolveDisplayName(context.Background(), alice1))
	assert.Equal(t, "Alice (@id2:server)", s.ResolveDisplayName(context.Background(), alice2))

	// Unknown users fall back to their ID.
	assert.Equal(t, bob, s.ResolveDisplayName(context.Background(), bob))
}

func TestResolveDisplayNameForInvites(t *testing.T) {
	s := New(types.NewRoomSnapshot(roomID), nil, staticProfiles{
		bob: {UserID: bob, DisplayName: "Bobby"},
	})
	mustApply(t, s, test.MemberEvent(t, roomID, alice, bob, types.MembershipInvite, ""))
	mustApply(t, s, test.MemberEvent(t, roomID, alice, "@carol:server", types.MembershipInvite, ""))

	assert.Equal(t, "Bobby", s.ResolveDisplayName(context.Background(), bob))
	assert.Equal(t, "@carol:server", s.ResolveDisplayName(context.Background(), "@carol:server"))
}

func TestDisplayNameCacheInvalidatedOnRosterChange(t *testing.T) {
	cache := newMapCache()
	s := New(types.NewRoomSnapshot(roomID), cache, nil)
	mustApply(t, s, test.MemberEvent(t, roomID, alice, alice, types.MembershipJoin, "Alice"))
	assert.Equal(t, "Alice", s.ResolveDisplayName(context.Background(), alice))
	_, cached := cache.GetRoomDisplayNames(roomID)
	assert.True(t, cached)

	mustApply(t, s, test.MemberEvent(t, roomID, alice, alice, types.MembershipJoin, "Alicia"))
	_, cached = cache.GetRoomDisplayNames(roomID)
	assert.False(t, cached)
	assert.Equal(t, "Alicia", s.ResolveDisplayName(context.Background(), alice))
}

func TestAliasesMerged(t *testing.T) {
	cache := newMapCache()
	s := New(types.NewRoomSnapshot(roomID), cache, nil)

	mustApply(t, s, test.NewEvent(t, roomID, alice, types.MRoomAliases,
		map[string][]string{"aliases": {"#b:b.org", "#shared:a.org"}}, test.WithStateKey("b.org")))
	mustApply(t, s, test.NewEvent(t, roomID, alice, types.MRoomAliases,
		map[string][]string{"aliases": {"#a:a.org", "#shared:a.org"}}, test.WithStateKey("a.org")))
	assert.Equal(t, []string{"#a:a.org", "#shared:a.org", "#b:b.org"}, s.Aliases())

	mustApply(t, s, test.NewEvent(t, roomID, alice, types.MRoomCanonicalAlias,
		map[string]interface{}{"alias": "#main:a.org", "alt_aliases": []string{"#a:a.org", "#alt:a.org"}},
		test.WithStateKey("")))
	assert.Equal(t, []string{"#a:a.org", "#shared:a.org", "#b:b.org", "#main:a.org", "#alt:a.org"}, s.Aliases())

	// Replacing a domain's list drops its old entries.
	mustApply(t, s, test.NewEvent(t, roomID, alice, types.MRoomAliases,
		map[string][]string{"aliases": {}}, test.WithStateKey("b.org")))
	assert.NotContains(t, s.Aliases(), "#b:b.org")

	_, err := s.Apply(test.NewEvent(t, roomID, alice, types.MRoomAliases,
		map[string][]string{"aliases": {}}, test.WithStateKey("bad domain!")), types.Forward)
	var malformed *types.MalformedEventError
	assert.ErrorAs(t, err, &malformed)
}

func TestThirdPartyInviteExchange(t *testing.T) {
	s := newState()
	mustApply(t, s, test.NewEvent(t, roomID, alice, types.MRoomThirdPartyInvite,
		map[string]string{"display_name": "b...@example.com"}, test.WithStateKey("tok")))
	require.NotNil(t, s.ThirdPartyInvite("tok"))

	join := test.NewEvent(t, roomID, bob, types.MRoomMember, map[string]interface{}{
		"membership": "join",
		"third_party_invite": map[string]interface{}{
			"signed": map[string]string{"token": "tok", "mxid": bob},
		},
	}, test.WithStateKey(bob))
	mustApply(t, s, join)
	assert.Equal(t, "tok", s.Member(bob).ThirdPartyInviteToken)
	assert.Equal(t, bob, s.ThirdPartyInvite("tok").ExchangedBy)
}

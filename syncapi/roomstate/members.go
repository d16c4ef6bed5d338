// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/internal/caching"
	"github.com/element-hq/clientsync/syncapi/types"
)

func (s *State) applyMember(ev *types.ClientEvent, content json.RawMessage) (bool, error) {
	userID := ev.StateKeyValue()
	if _, err := spec.NewUserID(userID, true); err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, "state key is not a user ID")
	}
	membership, err := stringField(content, "membership")
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	current := s.members[userID]

	if membership == "" {
		// No member content: the member is gone from this point of view.
		if current == nil {
			return false, nil
		}
		s.removeMember(userID)
		return true, nil
	}

	if current != nil && ev.EventID != "" && current.EventID == ev.EventID {
		return false, nil
	}

	member := &types.MemberRecord{
		UserID:         userID,
		Membership:     types.Membership(membership),
		IsDirect:       gjson.GetBytes(content, "is_direct").Bool(),
		Sender:         ev.Sender,
		EventID:        ev.EventID,
		OriginServerTS: ev.OriginServerTS,
	}
	for key, field := range map[string]*string{
		"displayname": &member.DisplayName,
		"avatar_url":  &member.AvatarURL,
		"reason":      &member.Reason,
	} {
		if *field, err = stringField(content, key); err != nil {
			return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
		}
	}
	member.ThirdPartyInviteToken = gjson.GetBytes(content, "third_party_invite.signed.token").Str

	if current != nil && (member.Membership == types.MembershipLeave || member.Membership == types.MembershipBan) {
		// Departed members keep the name and avatar they had.
		if member.DisplayName == "" {
			member.DisplayName = current.DisplayName
		}
		if member.AvatarURL == "" {
			member.AvatarURL = current.AvatarURL
		}
		wasIn := current.Membership == types.MembershipJoin || current.Membership == types.MembershipKick
		if wasIn && member.Membership == types.MembershipLeave && ev.Sender != userID {
			member.Membership = types.MembershipKick
		}
	}

	if member.SameContent(current) {
		return false, nil
	}

	if member.ThirdPartyInviteToken != "" {
		if invite, ok := s.invites[member.ThirdPartyInviteToken]; ok && invite.ExchangedBy != userID {
			invite.ExchangedBy = userID
			s.dirtyInvites[invite.Token] = struct{}{}
		}
	}

	s.members[userID] = member
	delete(s.removedMembers, userID)
	s.dirtyMembers[userID] = struct{}{}
	s.invalidateDisplayNames()
	return true, nil
}

func (s *State) removeMember(userID string) {
	delete(s.members, userID)
	delete(s.dirtyMembers, userID)
	s.removedMembers[userID] = struct{}{}
	s.invalidateDisplayNames()
}

// Member returns the roster entry of userID, or nil.
func (s *State) Member(userID string) *types.MemberRecord {
	return s.members[userID]
}

// Membership returns the membership of userID, or MembershipNone.
func (s *State) Membership(userID string) types.Membership {
	if m := s.members[userID]; m != nil {
		return m.Membership
	}
	return types.MembershipNone
}

// MemberIDs returns the user IDs of the roster in sorted order.
func (s *State) MemberIDs() []string {
	userIDs := make([]string, 0, len(s.members))
	for userID := range s.members {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	return userIDs
}

// CountMembers returns the number of members with the given membership.
func (s *State) CountMembers(membership types.Membership) int {
	count := 0
	for _, m := range s.members {
		if m.Membership == membership {
			count++
		}
	}
	return count
}

// ResolveDisplayName returns the name to render for userID in this room.
// Members sharing a display name are told apart by their user ID. Invited
// users without a name fall back to their global profile, and the user ID
// is used when nothing else is known.
func (s *State) ResolveDisplayName(ctx context.Context, userID string) string {
	var cached caching.DisplayNames
	if s.cache != nil {
		if names, ok := s.cache.GetRoomDisplayNames(s.Room.RoomID); ok {
			if name, ok := names[userID]; ok {
				return name
			}
			cached = names
		}
	}

	name := s.computeDisplayName(ctx, userID)

	if s.cache != nil {
		updated := make(caching.DisplayNames, len(cached)+1)
		for k, v := range cached {
			updated[k] = v
		}
		updated[userID] = name
		s.cache.StoreRoomDisplayNames(s.Room.RoomID, updated)
	}
	return name
}

func (s *State) computeDisplayName(ctx context.Context, userID string) string {
	member := s.members[userID]
	if member == nil {
		return userID
	}
	if member.DisplayName != "" {
		sharing := 0
		for _, other := range s.members {
			if other.DisplayName == member.DisplayName {
				sharing++
			}
		}
		if sharing > 1 {
			return fmt.Sprintf("%s (%s)", member.DisplayName, userID)
		}
		return member.DisplayName
	}
	if member.Membership == types.MembershipInvite && s.profiles != nil {
		profile, err := s.profiles.QueryProfile(ctx, userID)
		if err != nil {
			util.GetLogger(ctx).WithError(err).WithField("user_id", userID).Debug("Failed to query profile")
		} else if profile != nil && profile.DisplayName != "" {
			return profile.DisplayName
		}
	}
	return userID
}

// Aliases returns the merged alias list of the room: the per-domain lists in
// domain order followed by the canonical alias and its alternatives, without
// duplicates.
func (s *State) Aliases() []string {
	if s.cache != nil {
		if aliases, ok := s.cache.GetRoomAliases(s.Room.RoomID); ok {
			return append([]string(nil), aliases...)
		}
	}
	domains := make([]string, 0, len(s.Room.AliasesByDomain))
	for domain := range s.Room.AliasesByDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	seen := map[string]struct{}{}
	merged := []string{}
	add := func(alias string) {
		if alias == "" {
			return
		}
		if _, ok := seen[alias]; ok {
			return
		}
		seen[alias] = struct{}{}
		merged = append(merged, alias)
	}
	for _, domain := range domains {
		for _, alias := range s.Room.AliasesByDomain[domain] {
			add(alias)
		}
	}
	add(s.Room.CanonicalAlias)
	for _, alias := range s.Room.AltAliases {
		add(alias)
	}

	if s.cache != nil {
		s.cache.StoreRoomAliases(s.Room.RoomID, merged)
	}
	return append([]string(nil), merged...)
}

func (s *State) invalidateDisplayNames() {
	if s.cache != nil {
		s.cache.InvalidateRoomDisplayNames(s.Room.RoomID)
	}
}

func (s *State) invalidateAliases() {
	if s.cache != nil {
		s.cache.InvalidateRoomAliases(s.Room.RoomID)
	}
}

// InvalidateCaches drops every cached value derived from the room.
func InvalidateCaches(cache caching.RoomStateCache, roomID string) {
	if cache == nil {
		return
	}
	cache.InvalidateRoomDisplayNames(roomID)
	cache.InvalidateRoomAliases(roomID)
}

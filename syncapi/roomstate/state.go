// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomstate folds state events into a room snapshot and its roster.
package roomstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/internal/caching"
	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/types"
)

// State is the in-memory working copy of one room while a batch is folded.
// It is not safe for concurrent use.
type State struct {
	Room *types.RoomSnapshot

	members map[string]*types.MemberRecord
	invites map[string]*types.ThirdPartyInvite

	dirtyMembers   map[string]struct{}
	removedMembers map[string]struct{}
	dirtyInvites   map[string]struct{}
	removedInvites map[string]struct{}

	cache    caching.RoomStateCache
	profiles api.ProfileResolver
}

// New returns a State with an empty roster. cache and profiles may be nil.
func New(room *types.RoomSnapshot, cache caching.RoomStateCache, profiles api.ProfileResolver) *State {
	return &State{
		Room:           room,
		members:        map[string]*types.MemberRecord{},
		invites:        map[string]*types.ThirdPartyInvite{},
		dirtyMembers:   map[string]struct{}{},
		removedMembers: map[string]struct{}{},
		dirtyInvites:   map[string]struct{}{},
		removedInvites: map[string]struct{}{},
		cache:          cache,
		profiles:       profiles,
	}
}

// Load reads the roster of room from storage.
func Load(
	ctx context.Context, txn storage.Transaction, room *types.RoomSnapshot,
	cache caching.RoomStateCache, profiles api.ProfileResolver,
) (*State, error) {
	s := New(room, cache, profiles)
	members, err := txn.Members(ctx, room.RoomID)
	if err != nil {
		return nil, fmt.Errorf("txn.Members: %w", err)
	}
	invites, err := txn.ThirdPartyInvites(ctx, room.RoomID)
	if err != nil {
		return nil, fmt.Errorf("txn.ThirdPartyInvites: %w", err)
	}
	if members != nil {
		s.members = members
	}
	if invites != nil {
		s.invites = invites
	}
	return s, nil
}

// Save writes the snapshot and every roster change made since Load.
func (s *State) Save(ctx context.Context, txn storage.Transaction) error {
	roomID := s.Room.RoomID
	for userID := range s.removedMembers {
		if err := txn.DeleteMember(ctx, roomID, userID); err != nil {
			return fmt.Errorf("txn.DeleteMember: %w", err)
		}
	}
	for userID := range s.dirtyMembers {
		if err := txn.UpsertMember(ctx, roomID, s.members[userID]); err != nil {
			return fmt.Errorf("txn.UpsertMember: %w", err)
		}
	}
	for token := range s.removedInvites {
		if err := txn.DeleteThirdPartyInvite(ctx, roomID, token); err != nil {
			return fmt.Errorf("txn.DeleteThirdPartyInvite: %w", err)
		}
	}
	for token := range s.dirtyInvites {
		if err := txn.UpsertThirdPartyInvite(ctx, roomID, s.invites[token]); err != nil {
			return fmt.Errorf("txn.UpsertThirdPartyInvite: %w", err)
		}
	}
	if err := txn.StoreRoom(ctx, s.Room); err != nil {
		return fmt.Errorf("txn.StoreRoom: %w", err)
	}
	s.dirtyMembers = map[string]struct{}{}
	s.removedMembers = map[string]struct{}{}
	s.dirtyInvites = map[string]struct{}{}
	s.removedInvites = map[string]struct{}{}
	return nil
}

// Apply folds one state event into the snapshot. dir selects content
// (Forward) or prev_content (Backward). Unknown event types are not handled
// and leave the snapshot untouched. A malformed event returns a
// *types.MalformedEventError and leaves the snapshot untouched.
func (s *State) Apply(ev *types.ClientEvent, dir types.Direction) (handled bool, err error) {
	if ev == nil || !ev.IsState() {
		return false, nil
	}
	content := ev.ContentFor(dir)
	if content != nil && !gjson.ValidBytes(content) {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, "content is not valid JSON")
	}
	if content != nil && !gjson.ParseBytes(content).IsObject() {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, "content is not an object")
	}

	switch ev.Type {
	case types.MRoomMember:
		return s.applyMember(ev, content)
	case types.MRoomThirdPartyInvite:
		return s.applyThirdPartyInvite(ev, content)
	case types.MRoomEncryption:
		return s.applyEncryption(ev, content)
	case types.MRoomAliases:
		return s.applyAliases(ev, content)
	case types.MRoomCanonicalAlias:
		return s.applyCanonicalAlias(ev, content)
	case types.MRoomName:
		return s.applyString(ev, content, "name", &s.Room.Name)
	case types.MRoomTopic:
		return s.applyString(ev, content, "topic", &s.Room.Topic)
	case types.MRoomAvatar:
		return s.applyString(ev, content, "url", &s.Room.AvatarURL)
	case types.MRoomJoinRules:
		return s.applyString(ev, content, "join_rule", &s.Room.JoinRule)
	case types.MRoomGuestAccess:
		return s.applyString(ev, content, "guest_access", &s.Room.GuestAccess)
	case types.MRoomHistoryVisibility:
		return s.applyString(ev, content, "history_visibility", &s.Room.HistoryVisibility)
	case types.MRoomCreate:
		return s.applyString(ev, content, "type", &s.Room.RoomType)
	case types.MRoomTombstone:
		return s.applyTombstone(ev, content)
	case types.MRoomPinnedEvents:
		return s.applyStringList(ev, content, "pinned", &s.Room.PinnedEvents)
	case types.MRoomRelatedGroups:
		return s.applyStringList(ev, content, "groups", &s.Room.RelatedGroups)
	case types.MRoomPowerLevels:
		s.Room.PowerLevels = cloneRaw(content)
		return true, nil
	}
	return false, nil
}

func (s *State) applyString(ev *types.ClientEvent, content json.RawMessage, key string, field *string) (bool, error) {
	value, err := stringField(content, key)
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	*field = value
	return true, nil
}

func (s *State) applyStringList(ev *types.ClientEvent, content json.RawMessage, key string, field *[]string) (bool, error) {
	values, err := stringListField(content, key)
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	*field = values
	return true, nil
}

func (s *State) applyEncryption(ev *types.ClientEvent, content json.RawMessage) (bool, error) {
	algorithm, err := stringField(content, "algorithm")
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	// Encryption can't be switched off by a later event. An empty algorithm
	// is kept as an explicit empty value rather than clearing the field.
	s.Room.EncryptionAlgorithm = types.Some(algorithm)
	return true, nil
}

func (s *State) applyAliases(ev *types.ClientEvent, content json.RawMessage) (bool, error) {
	domain := ev.StateKeyValue()
	if domain == "" {
		return false, nil
	}
	if _, _, valid := spec.ParseAndValidateServerName(spec.ServerName(domain)); !valid {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, "state key is not a server name")
	}
	aliases, err := stringListField(content, "aliases")
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	if s.Room.AliasesByDomain == nil {
		s.Room.AliasesByDomain = map[string][]string{}
	}
	if aliases == nil {
		aliases = []string{}
	}
	s.Room.AliasesByDomain[domain] = aliases
	s.invalidateAliases()
	return true, nil
}

func (s *State) applyCanonicalAlias(ev *types.ClientEvent, content json.RawMessage) (bool, error) {
	alias, err := stringField(content, "alias")
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	altAliases, err := stringListField(content, "alt_aliases")
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	s.Room.CanonicalAlias = alias
	s.Room.AltAliases = altAliases
	s.invalidateAliases()
	return true, nil
}

func (s *State) applyTombstone(ev *types.ClientEvent, content json.RawMessage) (bool, error) {
	if content == nil {
		s.Room.Tombstone = nil
		return true, nil
	}
	var tombstone types.Tombstone
	if err := json.Unmarshal(content, &tombstone); err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	s.Room.Tombstone = &tombstone
	return true, nil
}

func (s *State) applyThirdPartyInvite(ev *types.ClientEvent, content json.RawMessage) (bool, error) {
	token := ev.StateKeyValue()
	if token == "" {
		return false, nil
	}
	if content == nil {
		// Revoked.
		if _, ok := s.invites[token]; !ok {
			return false, nil
		}
		delete(s.invites, token)
		delete(s.dirtyInvites, token)
		s.removedInvites[token] = struct{}{}
		return true, nil
	}
	displayName, err := stringField(content, "display_name")
	if err != nil {
		return false, types.NewMalformedEventError(s.Room.RoomID, ev, err.Error())
	}
	invite := &types.ThirdPartyInvite{
		Token:       token,
		DisplayName: displayName,
		Sender:      ev.Sender,
		EventID:     ev.EventID,
	}
	if existing, ok := s.invites[token]; ok {
		invite.ExchangedBy = existing.ExchangedBy
	}
	s.invites[token] = invite
	delete(s.removedInvites, token)
	s.dirtyInvites[token] = struct{}{}
	return true, nil
}

// ThirdPartyInvite returns the invite cached for token, or nil.
func (s *State) ThirdPartyInvite(token string) *types.ThirdPartyInvite {
	return s.invites[token]
}

func stringField(content json.RawMessage, key string) (string, error) {
	if content == nil {
		return "", nil
	}
	res := gjson.GetBytes(content, key)
	switch res.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return res.Str, nil
	}
	return "", fmt.Errorf("%s is not a string", key)
}

func stringListField(content json.RawMessage, key string) ([]string, error) {
	if content == nil {
		return nil, nil
	}
	res := gjson.GetBytes(content, key)
	if !res.Exists() || res.Type == gjson.Null {
		return nil, nil
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("%s is not an array", key)
	}
	var values []string
	for _, item := range res.Array() {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("%s contains a non-string value", key)
		}
		values = append(values, item.Str)
	}
	return values, nil
}

func cloneRaw(content json.RawMessage) json.RawMessage {
	if content == nil {
		return nil
	}
	return append(json.RawMessage(nil), content...)
}

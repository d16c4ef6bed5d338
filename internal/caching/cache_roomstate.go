// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

// RoomStateCache holds values derived from a room's roster and aliases.
// Entries are dropped on every write and recomputed by the next reader.
type RoomStateCache interface {
	GetRoomDisplayNames(roomID string) (DisplayNames, bool)
	StoreRoomDisplayNames(roomID string, names DisplayNames)
	InvalidateRoomDisplayNames(roomID string)

	GetRoomAliases(roomID string) ([]string, bool)
	StoreRoomAliases(roomID string, aliases []string)
	InvalidateRoomAliases(roomID string)
}

func (c Caches) GetRoomDisplayNames(roomID string) (DisplayNames, bool) {
	return c.RoomDisplayNames.Get(roomID)
}

func (c Caches) StoreRoomDisplayNames(roomID string, names DisplayNames) {
	c.RoomDisplayNames.Set(roomID, names)
}

func (c Caches) InvalidateRoomDisplayNames(roomID string) {
	c.RoomDisplayNames.Unset(roomID)
}

func (c Caches) GetRoomAliases(roomID string) ([]string, bool) {
	return c.RoomAliases.Get(roomID)
}

func (c Caches) StoreRoomAliases(roomID string, aliases []string) {
	c.RoomAliases.Set(roomID, aliases)
}

func (c Caches) InvalidateRoomAliases(roomID string) {
	c.RoomAliases.Unset(roomID)
}

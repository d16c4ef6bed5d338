// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "sort"

// Aggregator collects per-batch side effects that are acted upon once the
// batch has been committed.
type Aggregator struct {
	// Rooms written by this batch.
	TouchedRooms map[string]struct{}
	// Thread roots referenced by replies but not found locally, root -> room.
	MissingThreadRoots map[string]string
	// New timeline event IDs per room, in ingestion order.
	NewTimelineEvents map[string][]string
	// Rooms whose parked receipts were merged.
	DrainedParkedReceipts []string
	// Soft failures.
	Warnings []error
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		TouchedRooms:       map[string]struct{}{},
		MissingThreadRoots: map[string]string{},
		NewTimelineEvents:  map[string][]string{},
	}
}

func (a *Aggregator) Touch(roomID string) {
	a.TouchedRooms[roomID] = struct{}{}
}

func (a *Aggregator) Warn(err error) {
	a.Warnings = append(a.Warnings, err)
}

// TouchedRoomIDs returns the touched rooms in a stable order.
func (a *Aggregator) TouchedRoomIDs() []string {
	roomIDs := make([]string, 0, len(a.TouchedRooms))
	for roomID := range a.TouchedRooms {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)
	return roomIDs
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/types"
)

const roomTypeSpace = "m.space"

// SpaceHierarchyValidator checks the m.space.child links of spaces against
// the rooms known to the replica.
type SpaceHierarchyValidator struct {
	db storage.Database
}

func NewSpaceHierarchyValidator(db storage.Database) *SpaceHierarchyValidator {
	return &SpaceHierarchyValidator{db: db}
}

// ValidateSpaceHierarchy logs children of the given spaces that the replica
// knows nothing about. Rooms that aren't spaces are ignored.
func (v *SpaceHierarchyValidator) ValidateSpaceHierarchy(ctx context.Context, roomIDs []string) error {
	unknown := map[string][]string{}
	err := v.db.ReadTransaction(ctx, func(txn *shared.Transaction) error {
		for _, roomID := range roomIDs {
			children, err := spaceChildren(ctx, txn, roomID)
			if err != nil {
				return err
			}
			for _, childID := range children {
				child, err := txn.Room(ctx, childID)
				if err != nil {
					return fmt.Errorf("txn.Room: %w", err)
				}
				if child == nil {
					unknown[roomID] = append(unknown[roomID], childID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for spaceID, children := range unknown {
		util.GetLogger(ctx).WithFields(logrus.Fields{
			"space_id": spaceID,
			"children": children,
		}).Debug("Space links to rooms not known locally")
	}
	return nil
}

// spaceChildren returns the valid child room IDs of a space, sorted. An
// m.space.child without a via list is a removed link.
func spaceChildren(ctx context.Context, txn storage.Transaction, roomID string) ([]string, error) {
	room, err := txn.Room(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("txn.Room: %w", err)
	}
	if room == nil || room.RoomType != roomTypeSpace {
		return nil, nil
	}
	links, err := txn.CurrentStateByType(ctx, roomID, types.MSpaceChild)
	if err != nil {
		return nil, fmt.Errorf("txn.CurrentStateByType: %w", err)
	}
	eventIDs := make([]string, 0, len(links))
	for _, eventID := range links {
		eventIDs = append(eventIDs, eventID)
	}
	events, err := txn.Events(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("txn.Events: %w", err)
	}
	children := make([]string, 0, len(links))
	for childID, eventID := range links {
		rec, ok := events[eventID]
		if !ok {
			continue
		}
		if via := gjson.GetBytes(rec.Event.Content, "via"); !via.IsArray() || len(via.Array()) == 0 {
			continue
		}
		children = append(children, childID)
	}
	sort.Strings(children)
	return children, nil
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/types"
)

// ReceiptMode selects how an m.receipt fragment is merged.
type ReceiptMode int

const (
	// ReceiptsIncremental only accepts receipts newer than the stored ones.
	ReceiptsIncremental ReceiptMode = iota
	// ReceiptsInitial trusts the fragment, there is nothing to merge against.
	ReceiptsInitial
	// ReceiptsPark stores the fragment as-is, to be merged by the next
	// incremental sync.
	ReceiptsPark
)

func (m ReceiptMode) String() string {
	switch m {
	case ReceiptsInitial:
		return "initial"
	case ReceiptsPark:
		return "park"
	default:
		return "incremental"
	}
}

// ErrMalformedReceipts is returned when an m.receipt content object can't be
// read at all.
var ErrMalformedReceipts = errors.New("malformed receipts")

type receiptTriple struct {
	eventID string
	userID  string
	ts      spec.Timestamp
}

// parseReceipts flattens {eventID: {"m.read": {userID: {"ts": n}}}} in
// content order. Entries without a user ID or event ID are dropped.
func parseReceipts(content json.RawMessage) ([]receiptTriple, error) {
	if !gjson.ValidBytes(content) {
		return nil, fmt.Errorf("%w: content is not valid JSON", ErrMalformedReceipts)
	}
	root := gjson.ParseBytes(content)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: content is not an object", ErrMalformedReceipts)
	}
	var triples []receiptTriple
	root.ForEach(func(eventID, receipts gjson.Result) bool {
		if eventID.Str == "" {
			return true
		}
		receipts.Get(`m\.read`).ForEach(func(userID, receipt gjson.Result) bool {
			if userID.Str != "" {
				triples = append(triples, receiptTriple{
					eventID: eventID.Str,
					userID:  userID.Str,
					ts:      spec.Timestamp(receipt.Get("ts").Uint()),
				})
			}
			return true
		})
		return true
	})
	return triples, nil
}

// MergeReceipts folds one m.receipt content object into the receipts of
// roomID.
func MergeReceipts(ctx context.Context, txn storage.Transaction, roomID string, content json.RawMessage, mode ReceiptMode) error {
	if mode == ReceiptsPark {
		if err := txn.ParkReceipts(ctx, roomID, content); err != nil {
			return fmt.Errorf("txn.ParkReceipts: %w", err)
		}
		return nil
	}
	triples, err := parseReceipts(content)
	if err != nil {
		return err
	}
	for _, r := range triples {
		current, err := txn.Receipt(ctx, roomID, r.userID)
		if err != nil {
			return fmt.Errorf("txn.Receipt: %w", err)
		}
		if mode == ReceiptsIncremental && current != nil && r.ts <= current.Timestamp {
			continue
		}
		if err = moveReceipt(ctx, txn, roomID, current, r); err != nil {
			return err
		}
	}
	return nil
}

func moveReceipt(ctx context.Context, txn storage.Transaction, roomID string, current *types.ReadReceipt, r receiptTriple) error {
	if current != nil && current.EventID != r.eventID {
		if err := txn.RemoveReceiptSummaryUser(ctx, roomID, current.EventID, r.userID); err != nil {
			return fmt.Errorf("txn.RemoveReceiptSummaryUser: %w", err)
		}
	}
	if err := txn.AddReceiptSummaryUser(ctx, roomID, r.eventID, r.userID); err != nil {
		return fmt.Errorf("txn.AddReceiptSummaryUser: %w", err)
	}
	err := txn.UpsertReceipt(ctx, &types.ReadReceipt{
		RoomID:    roomID,
		UserID:    r.userID,
		EventID:   r.eventID,
		Timestamp: r.ts,
	})
	if err != nil {
		return fmt.Errorf("txn.UpsertReceipt: %w", err)
	}
	return nil
}

// DrainParkedReceipts merges the fragment parked for roomID, if any, and
// deletes it. Returns true if something was drained.
func DrainParkedReceipts(ctx context.Context, txn storage.Transaction, roomID string) (bool, error) {
	parked, err := txn.ParkedReceipts(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("txn.ParkedReceipts: %w", err)
	}
	if parked == nil {
		return false, nil
	}
	// A parked fragment that doesn't parse is dropped along with the rest.
	if err = MergeReceipts(ctx, txn, roomID, parked, ReceiptsIncremental); err != nil && !errors.Is(err, ErrMalformedReceipts) {
		return false, err
	}
	if err = txn.DeleteParkedReceipts(ctx, roomID); err != nil {
		return false, fmt.Errorf("txn.DeleteParkedReceipts: %w", err)
	}
	return true, nil
}

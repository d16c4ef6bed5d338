// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api defines the collaborators the sync replica calls out to.
package api

import (
	"context"
	"fmt"

	"github.com/element-hq/clientsync/syncapi/types"
)

// Decrypter decrypts m.room.encrypted events.
type Decrypter interface {
	DecryptEvent(ctx context.Context, roomID string, ev *types.ClientEvent) (*types.DecryptionResult, error)
}

// Prefetcher is implemented by decrypters that can decrypt a batch of
// events ahead of ingestion, for instance concurrently.
type Prefetcher interface {
	Prefetch(ctx context.Context, roomID string, events []*types.ClientEvent)
}

// CryptoError is returned by a Decrypter when an event cannot be decrypted.
// The error is persisted with the event.
type CryptoError struct {
	Code   string
	Reason string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// CryptoObserver is told about every event the replica accepts so that the
// crypto layer can track room encryption and device lists.
type CryptoObserver interface {
	OnStateEvent(roomID string, ev *types.ClientEvent)
	OnLiveEvent(roomID string, ev *types.ClientEvent, isInitialSync bool)
}

// Capabilities reports homeserver and client features.
type Capabilities interface {
	CanUseThreading() bool
	IsLazyLoadingEnabled() bool
}

// TimelineNotifier is told about new timeline events after they are committed.
type TimelineNotifier interface {
	OnNewTimelineEvents(roomID string, eventIDs []string)
}

// ProfileResolver looks up global profiles.
type ProfileResolver interface {
	QueryProfile(ctx context.Context, userID string) (*types.Profile, error)
}

// HierarchyValidator is run after every batch with the rooms it touched.
type HierarchyValidator interface {
	ValidateSpaceHierarchy(ctx context.Context, roomIDs []string) error
}

// InitialSyncStep names the phases of an initial sync for progress reporting.
type InitialSyncStep string

const (
	StepImportingJoinedRooms  InitialSyncStep = "importing_joined_rooms"
	StepImportingInvitedRooms InitialSyncStep = "importing_invited_rooms"
	StepImportingLeftRooms    InitialSyncStep = "importing_left_rooms"
)

// ProgressReporter receives initial sync progress in [0, 1].
type ProgressReporter interface {
	ReportProgress(step InitialSyncStep, progress float64)
}

// StaticCapabilities is a fixed Capabilities value.
type StaticCapabilities struct {
	Threading   bool
	LazyLoading bool
}

func (c StaticCapabilities) CanUseThreading() bool      { return c.Threading }
func (c StaticCapabilities) IsLazyLoadingEnabled() bool { return c.LazyLoading }

// NoopCryptoObserver ignores everything.
type NoopCryptoObserver struct{}

func (NoopCryptoObserver) OnStateEvent(string, *types.ClientEvent)     {}
func (NoopCryptoObserver) OnLiveEvent(string, *types.ClientEvent, bool) {}

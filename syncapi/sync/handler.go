// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sync folds sync responses into the replica, one atomic batch at a
// time.
package sync

import (
	"context"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/util"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/internal/caching"
	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/ephemeral"
	"github.com/element-hq/clientsync/syncapi/roomstate"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/storage/shared"
	"github.com/element-hq/clientsync/syncapi/threads"
	"github.com/element-hq/clientsync/syncapi/timeline"
	"github.com/element-hq/clientsync/syncapi/types"
)

// Share of the initial sync progress taken by each section.
const (
	joinedRoomsWeight  = 0.6
	invitedRoomsWeight = 0.1
	leftRoomsWeight    = 0.3
)

// Collaborators are the external services the handler calls. Any of them may
// be nil.
type Collaborators struct {
	Decrypter    api.Decrypter
	Crypto       api.CryptoObserver
	Capabilities api.Capabilities
	Notifier     api.TimelineNotifier
	Profiles     api.ProfileResolver
	Hierarchy    api.HierarchyValidator
}

// Handler is the entry point of the sync pipeline. HandleSyncResponse must
// not be called concurrently.
type Handler struct {
	db           storage.Database
	cfg          *config.SyncAPI
	localUserID  string
	cache        caching.RoomStateCache
	capabilities api.Capabilities
	profiles     api.ProfileResolver
	notifier     api.TimelineNotifier
	hierarchy    api.HierarchyValidator
	crypto       api.CryptoObserver
	ingestor     *timeline.Ingestor
	merger       *ephemeral.Merger
}

func NewHandler(
	db storage.Database, cfg *config.SyncAPI, localUserID string,
	cache caching.RoomStateCache, c Collaborators,
) *Handler {
	if c.Capabilities == nil {
		c.Capabilities = api.StaticCapabilities{
			Threading:   cfg.ThreadMessagesEnabled,
			LazyLoading: cfg.LazyLoadMembers,
		}
	}
	if c.Crypto == nil {
		c.Crypto = api.NoopCryptoObserver{}
	}
	if c.Hierarchy == nil {
		c.Hierarchy = NewSpaceHierarchyValidator(db)
	}
	return &Handler{
		db:           db,
		cfg:          cfg,
		localUserID:  localUserID,
		cache:        cache,
		capabilities: c.Capabilities,
		profiles:     c.Profiles,
		notifier:     c.Notifier,
		hierarchy:    c.Hierarchy,
		crypto:       c.Crypto,
		ingestor: &timeline.Ingestor{
			LocalUserID:  localUserID,
			Decrypter:    c.Decrypter,
			Crypto:       c.Crypto,
			Capabilities: c.Capabilities,
			Rewriter:     &threads.Rewriter{Decrypter: c.Decrypter},
		},
		merger: &ephemeral.Merger{LocalUserID: localUserID},
	}
}

// batch is what one transaction folds.
type batch struct {
	joined        []string
	invited       []string
	left          []string
	accountData   bool
	isInitialSync bool
	receiptMode   ephemeral.ReceiptMode
	syncLocalTS   int64
}

// HandleSyncResponse folds res into the replica. Either every room of a
// transaction is written or none is. Large initial syncs are split into
// several transactions, each reported to reporter once committed. A
// returned error means the response must be retried from the last
// committed sync token.
func (h *Handler) HandleSyncResponse(
	ctx context.Context, res *types.SyncResponse, isInitialSync bool, reporter api.ProgressReporter,
) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "HandleSyncResponse")
	defer span.Finish()
	span.SetTag("initial", isInitialSync)

	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"next_batch": res.NextBatch,
		"initial":    isInitialSync,
		"joined":     len(res.Rooms.Join),
		"invited":    len(res.Rooms.Invite),
		"left":       len(res.Rooms.Leave),
	})
	ctx = util.ContextWithLogger(ctx, logger)
	start := time.Now()
	defer func() { observeBatch(isInitialSync, time.Since(start)) }()

	b := batch{
		joined:        sortedKeys(res.Rooms.Join),
		invited:       sortedKeys(res.Rooms.Invite),
		left:          sortedKeys(res.Rooms.Leave),
		accountData:   len(res.AccountData.Events) > 0,
		isInitialSync: isInitialSync,
		receiptMode:   ephemeral.ReceiptsIncremental,
		syncLocalTS:   time.Now().UnixMilli(),
	}
	if isInitialSync {
		b.receiptMode = ephemeral.ReceiptsInitial
	}

	touched := map[string]struct{}{}
	var err error
	if isInitialSync && h.cfg.InitialSyncStrategy == config.InitialSyncStrategyOptimized &&
		len(b.joined) > h.cfg.MaxRoomsPerTransaction {
		err = h.handlePartitioned(ctx, res, b, reporter, touched)
	} else {
		err = h.handleBatch(ctx, res, b, touched)
		if err == nil && isInitialSync {
			report(reporter, api.StepImportingJoinedRooms, joinedRoomsWeight)
			report(reporter, api.StepImportingInvitedRooms, joinedRoomsWeight+invitedRoomsWeight)
			report(reporter, api.StepImportingLeftRooms, 1)
		}
	}

	// Whatever was committed is checked, even if a later transaction failed.
	if len(touched) > 0 {
		if verr := h.hierarchy.ValidateSpaceHierarchy(ctx, sortedKeys(touched)); verr != nil {
			logger.WithError(verr).Warn("Space hierarchy validation failed")
		}
	}
	if err != nil {
		logger.WithError(err).Error("Failed to handle sync response")
		return err
	}
	logger.WithField("took", time.Since(start)).Debug("Handled sync response")
	return nil
}

// handlePartitioned writes the joined rooms of a large initial sync in
// bounded transactions, then invites, leaves and account data in a last one.
func (h *Handler) handlePartitioned(
	ctx context.Context, res *types.SyncResponse, b batch, reporter api.ProgressReporter, touched map[string]struct{},
) error {
	if h.cfg.ParkReceiptsDuringInitialSync {
		b.receiptMode = ephemeral.ReceiptsPark
	}
	partitions := partitionRoomIDs(b.joined, computeBestChunkSize(len(b.joined), h.cfg.MaxRoomsPerTransaction))
	util.GetLogger(ctx).WithField("partitions", len(partitions)).Info("Splitting initial sync")

	for i, roomIDs := range partitions {
		part := b
		part.joined, part.invited, part.left, part.accountData = roomIDs, nil, nil, false
		if err := h.handleBatch(ctx, res, part, touched); err != nil {
			return err
		}
		partitionsCounter.Inc()
		report(reporter, api.StepImportingJoinedRooms, joinedRoomsWeight*float64(i+1)/float64(len(partitions)))
	}

	if len(b.invited) > 0 || len(b.left) > 0 || b.accountData {
		rest := b
		rest.joined = nil
		if err := h.handleBatch(ctx, res, rest, touched); err != nil {
			return err
		}
	}
	report(reporter, api.StepImportingInvitedRooms, joinedRoomsWeight+invitedRoomsWeight)
	report(reporter, api.StepImportingLeftRooms, 1)
	return nil
}

// handleBatch runs one write transaction over the rooms named by b, then
// does the post-commit work for them.
func (h *Handler) handleBatch(ctx context.Context, res *types.SyncResponse, b batch, touched map[string]struct{}) error {
	agg := types.NewAggregator()
	err := h.db.WriteTransaction(ctx, func(txn *shared.Transaction) error {
		for _, roomID := range b.joined {
			rs := res.Rooms.Join[roomID]
			if err := h.handleJoinedRoom(ctx, txn, roomID, &rs, b, agg); err != nil {
				return err
			}
		}
		for _, roomID := range b.invited {
			rs := res.Rooms.Invite[roomID]
			if err := h.handleInvitedRoom(ctx, txn, roomID, &rs, agg); err != nil {
				return err
			}
		}
		for _, roomID := range b.left {
			rs := res.Rooms.Leave[roomID]
			if err := h.handleLeftRoom(ctx, txn, roomID, &rs, agg); err != nil {
				return err
			}
		}
		if b.accountData {
			if err := ephemeral.MergeGlobalAccountData(ctx, txn, res.AccountData.Events); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The transaction was rolled back, so were the cache entries
		// computed inside it.
		for roomID := range agg.TouchedRooms {
			roomstate.InvalidateCaches(h.cache, roomID)
		}
		return err
	}
	h.afterCommit(ctx, agg)
	for roomID := range agg.TouchedRooms {
		touched[roomID] = struct{}{}
	}
	return nil
}

// afterCommit drops derived caches of the rooms written and tells listeners
// about new timeline events.
func (h *Handler) afterCommit(ctx context.Context, agg *types.Aggregator) {
	logger := util.GetLogger(ctx)
	for _, roomID := range agg.TouchedRoomIDs() {
		roomstate.InvalidateCaches(h.cache, roomID)
	}
	for _, warning := range agg.Warnings {
		skippedEventsCounter.Inc()
		logger.WithError(warning).Warn("Skipped malformed event")
		sentry.CaptureException(warning)
	}
	if len(agg.MissingThreadRoots) > 0 {
		logger.WithField("count", len(agg.MissingThreadRoots)).Debug("Thread roots missing locally")
	}
	if h.notifier == nil {
		return
	}
	for _, roomID := range sortedKeys(agg.NewTimelineEvents) {
		h.notifier.OnNewTimelineEvents(roomID, agg.NewTimelineEvents[roomID])
	}
}

func report(reporter api.ProgressReporter, step api.InitialSyncStep, progress float64) {
	if reporter != nil {
		reporter.ReportProgress(step, progress)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

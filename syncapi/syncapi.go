// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"context"
	"fmt"

	"github.com/Arceliar/phony"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/internal/caching"
	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/setup/jetstream"
	"github.com/element-hq/clientsync/setup/process"
	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/consumers"
	"github.com/element-hq/clientsync/syncapi/crypto"
	"github.com/element-hq/clientsync/syncapi/notifier"
	"github.com/element-hq/clientsync/syncapi/poller"
	"github.com/element-hq/clientsync/syncapi/roomstate"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/sync"
	"github.com/element-hq/clientsync/syncapi/types"
)

// Replica serialises every write to the replica through one actor, so that
// sync batches and room removal never interleave.
type Replica struct {
	phony.Inbox
	db       storage.Database
	handler  poller.SyncHandler
	cache    caching.RoomStateCache
	prefetch *crypto.PrefetchDecrypter
}

func NewReplica(db storage.Database, handler poller.SyncHandler, cache caching.RoomStateCache) *Replica {
	return &Replica{
		db:      db,
		handler: handler,
		cache:   cache,
	}
}

// HandleSyncResponse folds res into the replica. Calls from different
// goroutines are applied one after the other.
func (r *Replica) HandleSyncResponse(
	ctx context.Context, res *types.SyncResponse, isInitialSync bool, reporter api.ProgressReporter,
) (err error) {
	phony.Block(r, func() {
		err = r.handler.HandleSyncResponse(ctx, res, isInitialSync, reporter)
		if r.prefetch != nil {
			r.prefetch.Reset()
		}
	})
	return
}

// ForgetRoom deletes everything the replica knows about a room.
func (r *Replica) ForgetRoom(ctx context.Context, roomID string) (err error) {
	phony.Block(r, func() {
		err = r.db.ForgetRoom(ctx, roomID)
		roomstate.InvalidateCaches(r.cache, roomID)
	})
	if err == nil {
		logrus.WithField("room_id", roomID).Info("Forgot room")
	}
	return
}

// Components is everything AddSyncAPIComponent builds.
type Components struct {
	DB        storage.Database
	Caches    *caching.Caches
	Notifier  *notifier.Notifier
	Replica   *Replica
	Poller    *poller.Poller
	LocalEcho *consumers.LocalEchoConsumer
}

// Options carries the collaborators supplied by the embedding application.
// All of them may be nil.
type Options struct {
	Decrypter api.Decrypter
	Crypto    api.CryptoObserver
	Hierarchy api.HierarchyValidator
	Progress  api.ProgressReporter
}

// AddSyncAPIComponent sets up the replica database, the sync pipeline and
// the poller feeding it. nc may be nil, in which case timeline
// notifications stay in-process and local echoes are not consumed.
func AddSyncAPIComponent(
	processContext *process.ProcessContext,
	cfg *config.ClientSync,
	nc *nats.Conn,
	opts Options,
) (*Components, error) {
	syncDB, err := storage.NewSyncReplicaDatasource(processContext.Context(), cfg.SyncAPI.DatabaseOrGlobal())
	if err != nil {
		return nil, fmt.Errorf("storage.NewSyncReplicaDatasource: %w", err)
	}

	accessToken, err := cfg.Global.ResolveAccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access token: %w", err)
	}
	// The long poll must be allowed to outlive the server-side timeout.
	client, err := poller.NewClient(&cfg.Global, accessToken, cfg.SyncAPI.PollTimeout*2)
	if err != nil {
		return nil, err
	}

	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Cache.EnablePrometheus)
	profiles := caching.NewProfileCache(poller.NewProfileResolver(client), cfg.Global.Cache.ProfileTTL)

	var publisher notifier.Publisher
	if nc != nil {
		publisher = nc
	}
	n := notifier.NewNotifier(publisher, cfg.Global.JetStream.Prefixed(jetstream.OutputTimelineEvents))

	var prefetch *crypto.PrefetchDecrypter
	var decrypter api.Decrypter
	if opts.Decrypter != nil {
		prefetch = crypto.NewPrefetchDecrypter(opts.Decrypter, cfg.SyncAPI.DecryptionConcurrency)
		decrypter = prefetch
	}

	handler := sync.NewHandler(syncDB, &cfg.SyncAPI, cfg.Global.UserID, caches, sync.Collaborators{
		Decrypter: decrypter,
		Crypto:    opts.Crypto,
		Notifier:  n,
		Profiles:  profiles,
		Hierarchy: opts.Hierarchy,
	})
	replica := NewReplica(syncDB, handler, caches)
	replica.prefetch = prefetch

	components := &Components{
		DB:       syncDB,
		Caches:   caches,
		Notifier: n,
		Replica:  replica,
		Poller:   poller.NewPoller(&cfg.SyncAPI, client, syncDB, replica, opts.Progress),
	}
	if nc != nil {
		components.LocalEcho = consumers.NewLocalEchoConsumer(processContext, &cfg.SyncAPI, nc, syncDB)
		if err = components.LocalEcho.Start(); err != nil {
			return nil, fmt.Errorf("failed to start local echo consumer: %w", err)
		}
	}
	return components, nil
}

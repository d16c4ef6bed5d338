// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package poller long-polls /sync and hands every response to the sync
// pipeline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/setup/process"
	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/types"
)

// ErrUnauthorized is returned when the homeserver rejects the access token.
// Retrying won't help.
var ErrUnauthorized = errors.New("access token rejected by homeserver")

const lazyLoadFilter = `{"room":{"state":{"lazy_load_members":true}}}`

// SyncHandler folds one sync response into the replica.
type SyncHandler interface {
	HandleSyncResponse(ctx context.Context, res *types.SyncResponse, isInitialSync bool, reporter api.ProgressReporter) error
}

type Poller struct {
	cfg      *config.SyncAPI
	client   *gomatrix.Client
	db       storage.Database
	handler  SyncHandler
	reporter api.ProgressReporter
	running  atomic.Bool
	batches  atomic.Int64
}

// NewClient returns a gomatrix client whose connections go through the
// configured dialer.
func NewClient(cfg *config.Global, accessToken string, timeout time.Duration) (*gomatrix.Client, error) {
	client, err := gomatrix.NewClient(cfg.HomeserverURL, cfg.UserID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("gomatrix.NewClient: %w", err)
	}
	dialer := internal.GetDialer(cfg.HTTPClient.AllowNetworks, cfg.HTTPClient.DenyNetworks, cfg.HTTPClient.DialTimeout)
	client.Client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: dialer.DialContext,
		},
	}
	return client, nil
}

func NewPoller(
	cfg *config.SyncAPI, client *gomatrix.Client, db storage.Database,
	handler SyncHandler, reporter api.ProgressReporter,
) *Poller {
	return &Poller{
		cfg:      cfg,
		client:   client,
		db:       db,
		handler:  handler,
		reporter: reporter,
	}
}

// IsRunning returns true while the poll loop is active.
func (p *Poller) IsRunning() bool {
	return p.running.Load()
}

// Batches returns the number of sync responses committed so far.
func (p *Poller) Batches() int64 {
	return p.batches.Load()
}

// Start runs the poll loop until the process shuts down or the access token
// is rejected.
func (p *Poller) Start(process *process.ProcessContext) {
	process.ComponentStarted()
	go func() {
		defer process.ComponentFinished()
		if err := p.Run(process.Context()); err != nil && !errors.Is(err, context.Canceled) {
			process.Degraded(err)
		}
	}()
}

// Run polls until ctx is done. A failed batch is retried from the last
// committed sync token after the configured back-off.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("poller already running")
	}
	defer p.running.Store(false)

	logger := util.GetLogger(ctx)
	for {
		err := p.PollOnce(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrUnauthorized):
			logger.WithError(err).Error("Stopping sync poller")
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		logger.WithError(err).WithField("retry_in", p.cfg.RetryBackoff).Warn("Sync failed, retrying from last committed token")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.RetryBackoff):
		}
	}
}

// PollOnce fetches and handles one sync response. The sync token only
// advances once the response has been committed.
func (p *Poller) PollOnce(ctx context.Context) error {
	since, err := p.db.SyncToken(ctx)
	if err != nil {
		return fmt.Errorf("p.db.SyncToken: %w", err)
	}
	isInitialSync := since == ""

	res, err := p.fetch(ctx, since, isInitialSync)
	if err != nil {
		return err
	}
	if err = p.handler.HandleSyncResponse(ctx, res, isInitialSync, p.reporter); err != nil {
		return err
	}
	if err = p.db.StoreSyncToken(ctx, res.NextBatch); err != nil {
		return fmt.Errorf("p.db.StoreSyncToken: %w", err)
	}
	p.batches.Inc()
	util.GetLogger(ctx).WithFields(logrus.Fields{
		"since":      since,
		"next_batch": res.NextBatch,
	}).Trace("Committed sync batch")
	return nil
}

func (p *Poller) fetch(ctx context.Context, since string, isInitialSync bool) (*types.SyncResponse, error) {
	query := map[string]string{}
	if !isInitialSync {
		query["since"] = since
		query["timeout"] = strconv.FormatInt(p.cfg.PollTimeout.Milliseconds(), 10)
	} else {
		query["timeout"] = "0"
	}
	if p.cfg.Filter != "" {
		query["filter"] = p.cfg.Filter
	} else if p.cfg.LazyLoadMembers {
		query["filter"] = lazyLoadFilter
	}

	// gomatrix has no context support, so cancellation abandons the request.
	type result struct {
		res *types.SyncResponse
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res types.SyncResponse
		err := p.client.MakeRequest(http.MethodGet, p.client.BuildURLWithQuery([]string{"sync"}, query), nil, &res)
		done <- result{&res, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err)
		}
		if r.res.NextBatch == "" {
			return nil, errors.New("sync response has no next_batch")
		}
		return r.res, nil
	}
}

func classify(err error) error {
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, httpErr.Message)
	}
	return fmt.Errorf("sync request failed: %w", err)
}

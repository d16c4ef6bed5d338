// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package crypto adapts a Decrypter to the sync pipeline.
package crypto

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/types"
)

type prefetched struct {
	result *types.DecryptionResult
	err    error
}

// PrefetchDecrypter decrypts the encrypted events of a timeline concurrently
// before they are ingested. Ingestion still asks for each event in order and
// gets the prefetched result, so the ingestion contract is unchanged.
type PrefetchDecrypter struct {
	next        api.Decrypter
	concurrency int

	mu      sync.Mutex
	results map[string]prefetched
}

var (
	_ api.Decrypter  = &PrefetchDecrypter{}
	_ api.Prefetcher = &PrefetchDecrypter{}
)

// NewPrefetchDecrypter wraps next. concurrency <= 0 means one goroutine
// per event.
func NewPrefetchDecrypter(next api.Decrypter, concurrency int) *PrefetchDecrypter {
	return &PrefetchDecrypter{
		next:        next,
		concurrency: concurrency,
		results:     map[string]prefetched{},
	}
}

// Prefetch decrypts events and keeps the results until DecryptEvent asks for
// them. Failures are kept too.
func (d *PrefetchDecrypter) Prefetch(ctx context.Context, roomID string, events []*types.ClientEvent) {
	g, gctx := errgroup.WithContext(ctx)
	if d.concurrency > 0 {
		g.SetLimit(d.concurrency)
	}
	for _, ev := range events {
		if ev == nil || ev.EventID == "" || d.has(ev.EventID) {
			continue
		}
		ev := ev
		g.Go(func() error {
			result, err := d.next.DecryptEvent(gctx, roomID, ev)
			d.mu.Lock()
			d.results[ev.EventID] = prefetched{result: result, err: err}
			d.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// DecryptEvent returns the prefetched result of ev, or decrypts it now.
// Prefetched results are handed out once.
func (d *PrefetchDecrypter) DecryptEvent(ctx context.Context, roomID string, ev *types.ClientEvent) (*types.DecryptionResult, error) {
	d.mu.Lock()
	p, ok := d.results[ev.EventID]
	delete(d.results, ev.EventID)
	d.mu.Unlock()
	if ok {
		return p.result, p.err
	}
	return d.next.DecryptEvent(ctx, roomID, ev)
}

// Reset drops results that were never asked for.
func (d *PrefetchDecrypter) Reset() {
	d.mu.Lock()
	d.results = map[string]prefetched{}
	d.mu.Unlock()
}

func (d *PrefetchDecrypter) has(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.results[eventID]
	return ok
}

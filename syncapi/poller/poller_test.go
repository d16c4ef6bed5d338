// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/types"
	"github.com/element-hq/clientsync/test"
)

type fakeHomeserver struct {
	mu     sync.Mutex
	sinces []string
	status int
}

func (h *fakeHomeserver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case strings.HasSuffix(req.URL.Path, "/sync"):
		if h.status != 0 {
			w.WriteHeader(h.status)
			_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid token"}`))
			return
		}
		since := req.URL.Query().Get("since")
		h.sinces = append(h.sinces, since)
		_, _ = fmt.Fprintf(w, `{"next_batch":"s%d","rooms":{"join":{"!room:server":{"timeline":{"events":[]}}}}}`, len(h.sinces))
	case strings.Contains(req.URL.Path, "/profile/"):
		_, _ = w.Write([]byte(`{"displayname":"Bob","avatar_url":"mxc://server/bob"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type recordingHandler struct {
	initial []bool
	failN   int
}

func (h *recordingHandler) HandleSyncResponse(_ context.Context, res *types.SyncResponse, isInitialSync bool, _ api.ProgressReporter) error {
	if h.failN > 0 {
		h.failN--
		return errors.New("storage unavailable")
	}
	h.initial = append(h.initial, isInitialSync)
	return nil
}

func newTestPoller(t *testing.T, hs http.Handler, handler SyncHandler) (*Poller, func()) {
	srv := httptest.NewServer(hs)
	cfg := &config.ClientSync{}
	cfg.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})
	cfg.Global.HomeserverURL = srv.URL
	cfg.SyncAPI.RetryBackoff = 10 * time.Millisecond
	client, err := NewClient(&cfg.Global, "token", 5*time.Second)
	require.NoError(t, err)
	db, closeDB := test.MustCreateDatabase(t, test.DBTypeSQLite)
	return NewPoller(&cfg.SyncAPI, client, db, handler, nil), func() {
		closeDB()
		srv.Close()
	}
}

func TestPollOnceAdvancesToken(t *testing.T) {
	ctx := context.Background()
	hs := &fakeHomeserver{}
	handler := &recordingHandler{}
	p, close := newTestPoller(t, hs, handler)
	defer close()

	require.NoError(t, p.PollOnce(ctx))
	require.NoError(t, p.PollOnce(ctx))
	assert.Equal(t, []string{"", "s1"}, hs.sinces)
	assert.Equal(t, []bool{true, false}, handler.initial)
	token, err := p.db.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", token)
	assert.Equal(t, int64(2), p.Batches())
}

func TestFailedBatchIsRetriedFromLastToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs := &fakeHomeserver{}
	handler := &recordingHandler{failN: 2}
	p, close := newTestPoller(t, hs, handler)
	defer close()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	assert.Eventually(t, func() bool { return p.Batches() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	hs.mu.Lock()
	defer hs.mu.Unlock()
	// Two failures and the first success all started from scratch.
	assert.Equal(t, []string{"", "", ""}, hs.sinces[:3])
	assert.Equal(t, "s3", hs.sinces[3])
}

func TestUnauthorizedStopsPoller(t *testing.T) {
	hs := &fakeHomeserver{status: http.StatusUnauthorized}
	p, close := newTestPoller(t, hs, &recordingHandler{})
	defer close()

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, p.IsRunning())
}

func TestProfileResolver(t *testing.T) {
	p, close := newTestPoller(t, &fakeHomeserver{}, &recordingHandler{})
	defer close()

	profile, err := NewProfileResolver(p.client).QueryProfile(context.Background(), "@bob:server")
	require.NoError(t, err)
	assert.Equal(t, &types.Profile{UserID: "@bob:server", DisplayName: "Bob", AvatarURL: "mxc://server/bob"}, profile)
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/setup/jetstream"
	"github.com/element-hq/clientsync/setup/process"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/types"
)

// Subscriber is the part of *nats.Conn used by the consumers.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// LocalEchoConsumer consumes local echo updates from the message send path.
// A message with a body is a new echo; a message without one moves an
// existing echo to the send state given in its headers.
type LocalEchoConsumer struct {
	ctx     context.Context
	process *process.ProcessContext
	nc      Subscriber
	topic   string
	db      storage.Database
}

// NewLocalEchoConsumer creates a new LocalEchoConsumer. Call Start() to
// begin consuming.
func NewLocalEchoConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	nc Subscriber,
	store storage.Database,
) *LocalEchoConsumer {
	return &LocalEchoConsumer{
		ctx:     process.Context(),
		process: process,
		nc:      nc,
		topic:   cfg.Matrix.JetStream.Prefixed(jetstream.InputLocalEchoState),
		db:      store,
	}
}

// Start consuming local echo updates. The subscription is dropped on
// shutdown.
func (s *LocalEchoConsumer) Start() error {
	sub, err := s.nc.Subscribe(s.topic, func(msg *nats.Msg) {
		s.onMessage(s.ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("nc.Subscribe: %w", err)
	}
	s.process.ComponentStarted()
	go func() {
		defer s.process.ComponentFinished()
		<-s.process.WaitForShutdown()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).Warn("Failed to unsubscribe local echo consumer")
		}
	}()
	return nil
}

func (s *LocalEchoConsumer) onMessage(ctx context.Context, msg *nats.Msg) bool {
	roomID := msg.Header.Get(jetstream.RoomID)
	transactionID := msg.Header.Get(jetstream.TransactionID)
	state := types.SendState(msg.Header.Get(jetstream.SendState))
	logger := log.WithFields(log.Fields{
		"room_id":        roomID,
		"transaction_id": transactionID,
		"send_state":     state,
	})

	if len(msg.Data) > 0 {
		var echo types.PendingLocalEcho
		if err := json.Unmarshal(msg.Data, &echo); err != nil {
			logger.WithError(err).Error("Local echo consumer: message parse failure")
			sentry.CaptureException(err)
			return false
		}
		if echo.RoomID == "" {
			echo.RoomID = roomID
		}
		if echo.TransactionID == "" {
			echo.TransactionID = transactionID
		}
		if state != "" {
			echo.SendState = state
		}
		if err := s.db.AddLocalEcho(ctx, &echo); err != nil {
			logger.WithError(err).Error("Local echo consumer: failed to store local echo")
			sentry.CaptureException(err)
			return false
		}
		return true
	}

	if !validSendState(state) || roomID == "" || transactionID == "" {
		logger.Warn("Local echo consumer: ignoring invalid send state update")
		return false
	}
	if err := s.db.UpdateLocalEchoSendState(ctx, roomID, transactionID, state); err != nil {
		logger.WithError(err).Error("Local echo consumer: failed to update send state")
		sentry.CaptureException(err)
		return false
	}
	logger.Debug("Local echo consumer: updated send state")
	return true
}

func validSendState(state types.SendState) bool {
	switch state {
	case types.SendStateUnsent, types.SendStateSending, types.SendStateSent, types.SendStateFailed:
		return true
	}
	return false
}

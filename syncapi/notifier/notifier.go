// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notifier fans out "new timeline events" notifications once a batch
// has been committed.
package notifier

import (
	"encoding/json"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/setup/jetstream"
)

// Publisher is the part of *nats.Conn used by the notifier.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// OutputTimelineEvents is the payload published for each room.
type OutputTimelineEvents struct {
	RoomID   string   `json:"room_id"`
	EventIDs []string `json:"event_ids"`
}

// Listener is called for every room with new timeline events. Listeners
// must not block.
type Listener func(roomID string, eventIDs []string)

// Notifier delivers timeline notifications to in-process listeners and,
// when configured, to NATS. It is safe for concurrent use.
type Notifier struct {
	publisher Publisher
	subject   string

	lock      sync.RWMutex
	nextID    int
	listeners map[int]Listener
	// Per-room channels woken by the next notification.
	waiters map[string][]chan struct{}
}

// NewNotifier returns a notifier. publisher may be nil, in which case only
// in-process listeners are notified.
func NewNotifier(publisher Publisher, subject string) *Notifier {
	return &Notifier{
		publisher: publisher,
		subject:   subject,
		listeners: map[int]Listener{},
		waiters:   map[string][]chan struct{}{},
	}
}

// AddListener registers l and returns a function that removes it.
func (n *Notifier) AddListener(l Listener) (remove func()) {
	n.lock.Lock()
	defer n.lock.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = l
	return func() {
		n.lock.Lock()
		defer n.lock.Unlock()
		delete(n.listeners, id)
	}
}

// WaitForRoom returns a channel closed by the next notification for roomID.
func (n *Notifier) WaitForRoom(roomID string) <-chan struct{} {
	n.lock.Lock()
	defer n.lock.Unlock()
	ch := make(chan struct{})
	n.waiters[roomID] = append(n.waiters[roomID], ch)
	return ch
}

// OnNewTimelineEvents implements api.TimelineNotifier.
func (n *Notifier) OnNewTimelineEvents(roomID string, eventIDs []string) {
	if len(eventIDs) == 0 {
		return
	}
	n.lock.Lock()
	listeners := make([]Listener, 0, len(n.listeners))
	for id := 0; id < n.nextID; id++ {
		if l, ok := n.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	waiters := n.waiters[roomID]
	delete(n.waiters, roomID)
	n.lock.Unlock()

	for _, l := range listeners {
		l(roomID, eventIDs)
	}
	for _, ch := range waiters {
		close(ch)
	}
	n.publish(roomID, eventIDs)
}

func (n *Notifier) publish(roomID string, eventIDs []string) {
	if n.publisher == nil {
		return
	}
	data, err := json.Marshal(OutputTimelineEvents{RoomID: roomID, EventIDs: eventIDs})
	if err != nil {
		log.WithError(err).Error("Failed to marshal timeline notification")
		return
	}
	msg := nats.NewMsg(n.subject)
	msg.Header.Set(jetstream.RoomID, roomID)
	msg.Data = data
	if err = n.publisher.PublishMsg(msg); err != nil {
		// The replica is already committed. Listeners on NATS will catch up
		// with the next notification for this room.
		log.WithError(err).WithField("room_id", roomID).Error("Failed to publish timeline notification")
		sentry.CaptureException(err)
	}
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clientsync",
			Subsystem: "syncapi",
			Name:      "batch_duration_seconds",
			Help:      "Time taken to fold one sync response into the replica",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"initial"},
	)
	roomsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: "syncapi",
			Name:      "rooms_total",
			Help:      "Rooms handled, by membership section of the sync response",
		},
		[]string{"membership"},
	)
	skippedEventsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: "syncapi",
			Name:      "skipped_events_total",
			Help:      "Events skipped because they were malformed",
		},
	)
	partitionsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: "syncapi",
			Name:      "initial_sync_partitions_total",
			Help:      "Transactions committed by partitioned initial syncs",
		},
	)
)

func init() {
	prometheus.MustRegister(
		batchDurationHistogram, roomsCounter, skippedEventsCounter, partitionsCounter,
	)
}

func observeBatch(isInitialSync bool, took time.Duration) {
	batchDurationHistogram.WithLabelValues(strconv.FormatBool(isInitialSync)).Observe(took.Seconds())
}

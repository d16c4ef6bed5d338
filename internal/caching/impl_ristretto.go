// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/setup/config"
)

const (
	roomDisplayNamesCache byte = iota + 1
	roomAliasesCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10), // 10 counters per 1KB data, affects bloom filter size
		BufferItems: 64,                            // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost),                // max cost is in bytes, as per the clientsync config
		Metrics:     enablePrometheus,
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		registerCacheMetrics(cache)
	}
	return &Caches{
		RoomDisplayNames: &RistrettoCachePartition[string, DisplayNames]{
			cache:   cache,
			Prefix:  roomDisplayNamesCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
		RoomAliases: &RistrettoCachePartition[string, []string]{
			cache:   cache,
			Prefix:  roomAliasesCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
	}
}

func registerCacheMetrics(cache *ristretto.Cache) {
	for _, collector := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clientsync",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clientsync",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		}),
	} {
		if err := prometheus.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				logrus.WithError(err).Warn("Failed to register cache metrics")
			}
		}
	}
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%c%v", c.Prefix, key)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	bkey := c.key(key)
	if !c.Mutable {
		if _, ok := c.cache.Get(bkey); ok {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v", key))
		}
	}
	var cost int64
	if cv, ok := any(value).(costable); ok {
		cost = int64(cv.CacheCost())
	}
	c.cache.SetWithTTL(bkey, value, int64(len(bkey))+cost+1, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", key))
	}
	c.cache.Del(c.key(key))
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
	"time"
)

const (
	// InitialSyncStrategyOptimized splits large initial syncs into several
	// transactions and parks ephemeral data until the next incremental sync.
	InitialSyncStrategyOptimized = "optimized"
	// InitialSyncStrategyLegacy applies the whole initial sync in one transaction.
	InitialSyncStrategyLegacy = "legacy"
)

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// The replica database. Falls back to the global database when unset.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// Either "optimized" or "legacy".
	InitialSyncStrategy string `yaml:"initial_sync_strategy"`

	// The maximum number of joined rooms written in a single transaction
	// during an optimized initial sync.
	MaxRoomsPerTransaction int `yaml:"max_rooms_per_transaction"`

	// Store read receipts of a partitioned initial sync verbatim and merge
	// them with the next incremental sync.
	ParkReceiptsDuringInitialSync bool `yaml:"park_receipts_during_initial_sync"`

	// Maintain thread chunks and thread summaries.
	ThreadMessagesEnabled bool `yaml:"thread_messages_enabled"`

	// Whether the sync filter uses lazy-loaded members, in which case room
	// member counts and heroes come from the server summary.
	LazyLoadMembers bool `yaml:"lazy_load_members"`

	// How many encrypted events are decrypted concurrently ahead of ingestion.
	DecryptionConcurrency int `yaml:"decryption_concurrency"`

	// Long-poll timeout sent to the homeserver.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// Optional filter ID or inline filter JSON sent with every /sync.
	Filter string `yaml:"filter"`

	// Back-off after a failed batch before retrying from the last
	// committed token.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// Read-only HTTP API over the replica.
	DebugAPI DebugAPI `yaml:"debug_api"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.InitialSyncStrategy = InitialSyncStrategyOptimized
	c.MaxRoomsPerTransaction = 100
	c.ParkReceiptsDuringInitialSync = true
	c.ThreadMessagesEnabled = true
	c.LazyLoadMembers = true
	c.DecryptionConcurrency = 4
	c.PollTimeout = 30 * time.Second
	c.RetryBackoff = 5 * time.Second
	c.Database.Defaults(20)
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:clientsync_replica.db"
	}
	c.DebugAPI.Defaults()
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	switch c.InitialSyncStrategy {
	case InitialSyncStrategyOptimized, InitialSyncStrategyLegacy:
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "sync_api.initial_sync_strategy", c.InitialSyncStrategy))
	}
	if c.MaxRoomsPerTransaction <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "sync_api.max_rooms_per_transaction", c.MaxRoomsPerTransaction))
	}
	checkPositive(configErrs, "sync_api.decryption_concurrency", int64(c.DecryptionConcurrency))
	checkPositive(configErrs, "sync_api.poll_timeout", int64(c.PollTimeout))
	checkPositive(configErrs, "sync_api.retry_backoff", int64(c.RetryBackoff))
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "sync_api.database", string(c.Database.ConnectionString))
	}
	c.Database.Verify(configErrs)
	c.DebugAPI.Verify(configErrs)
}

// DatabaseOrGlobal returns the replica database options, falling back to the
// global database when no dedicated connection string is configured.
func (c *SyncAPI) DatabaseOrGlobal() *DatabaseOptions {
	if c.Database.ConnectionString == "" && c.Matrix != nil {
		return &c.Matrix.DatabaseOptions
	}
	return &c.Database
}

type DebugAPI struct {
	// Listen address, e.g. "127.0.0.1:8070". Disabled when empty.
	Listen string `yaml:"listen"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *DebugAPI) Defaults() {
	c.Listen = ""
	c.RateLimiting.Defaults()
}

func (c *DebugAPI) Verify(configErrs *ConfigErrors) {
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			configErrs.Add(fmt.Sprintf("invalid listen address for config key %q: %s", "sync_api.debug_api.listen", c.Listen))
		}
	}
	c.RateLimiting.Verify(configErrs)
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a caller can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 20
	r.CooloffMS = 500
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"sync_api.debug_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled",
		)
	}
	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "sync_api.debug_api.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}

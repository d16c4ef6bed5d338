// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

const testConfig = `
version: 1
global:
  user_id: "@alice:example.com"
  device_id: ABCDEF
  homeserver_url: https://matrix.example.com
  access_token: syt_secret
  database:
    connection_string: file:clientsync.db
  cache:
    max_size_estimated: 16mb
    max_age: 30m
  jetstream:
    addresses: ["nats://localhost:4222"]
sync_api:
  initial_sync_strategy: optimized
  max_rooms_per_transaction: 50
  thread_messages_enabled: true
  debug_api:
    listen: 127.0.0.1:8070
logging:
  - type: file
    level: debug
    params:
      path: ./logs
`

func TestLoadConfigRelative(t *testing.T) {
	cfg, err := loadConfig("/my/config/dir", []byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, "@alice:example.com", cfg.Global.UserID)
	assert.Equal(t, "example.com", cfg.Derived.ServerName)
	assert.Equal(t, "alice", cfg.Derived.Localpart)
	assert.Equal(t, DataUnit(16*1024*1024), cfg.Global.Cache.EstimatedMaxSize)
	assert.Equal(t, 30*time.Minute, cfg.Global.Cache.MaxAge)
	assert.Equal(t, 50, cfg.SyncAPI.MaxRoomsPerTransaction)
	assert.Equal(t, "/my/config/dir/logs", cfg.Logging[0].Params["path"])
	// Values not present in the file keep their defaults.
	assert.Equal(t, 4, cfg.SyncAPI.DecryptionConcurrency)
	assert.Equal(t, 30*time.Second, cfg.SyncAPI.PollTimeout)
	assert.Equal(t, "ClientSyncTimeline", cfg.Global.JetStream.Prefixed("Timeline"))
	assert.Equal(t, DataSource("file:clientsync.db"), cfg.SyncAPI.DatabaseOrGlobal().ConnectionString)
}

func TestLoadConfigWrongVersion(t *testing.T) {
	_, err := loadConfig("/", []byte(strings.Replace(testConfig, "version: 1", "version: 2", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config version is 2, expected 1")
}

func TestConfigVerify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ClientSync)
		wantErr string
	}{
		{
			name:    "missing user id",
			mutate:  func(c *ClientSync) { c.Global.UserID = "" },
			wantErr: `missing config key "global.user_id"`,
		},
		{
			name:    "malformed user id",
			mutate:  func(c *ClientSync) { c.Global.UserID = "alice" },
			wantErr: `invalid user ID for config key "global.user_id": alice`,
		},
		{
			name:    "no access token",
			mutate:  func(c *ClientSync) { c.Global.AccessToken = "" },
			wantErr: "one of global.access_token or global.access_token_path must be set",
		},
		{
			name:    "zero rooms per transaction",
			mutate:  func(c *ClientSync) { c.SyncAPI.MaxRoomsPerTransaction = 0 },
			wantErr: `invalid value for config key "sync_api.max_rooms_per_transaction": 0`,
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *ClientSync) { c.SyncAPI.InitialSyncStrategy = "eager" },
			wantErr: `invalid value for config key "sync_api.initial_sync_strategy": eager`,
		},
		{
			name:    "bad nats address",
			mutate:  func(c *ClientSync) { c.Global.JetStream.Addresses = []string{"localhost:4222"} },
			wantErr: `invalid NATS address for config key "global.jetstream.addresses[0]": localhost:4222`,
		},
		{
			name:    "sentry without dsn",
			mutate:  func(c *ClientSync) { c.Global.Sentry.Enabled = true },
			wantErr: `missing config key "global.sentry.dsn"`,
		},
		{
			name:    "bad exempt ip",
			mutate:  func(c *ClientSync) { c.SyncAPI.DebugAPI.RateLimiting.ExemptIPAddresses = []string{"nope"} },
			wantErr: `invalid IP address or CIDR for config key "sync_api.debug_api.rate_limiting.exempt_ip_addresses": nope`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig("/", []byte(testConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			var configErrs ConfigErrors
			cfg.Verify(&configErrs)
			assert.Contains(t, configErrs, tt.wantErr)
		})
	}
}

func TestGeneratedDefaultsVerify(t *testing.T) {
	var cfg ClientSync
	cfg.Defaults(DefaultOpts{Generate: true, SingleDatabase: true})
	cfg.Global.AccessToken = "token"
	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	assert.Empty(t, configErrs)
	assert.Same(t, &cfg.Global, cfg.SyncAPI.Matrix)
}

func TestDataUnitUnmarshal(t *testing.T) {
	var v struct {
		Size DataUnit `yaml:"size"`
	}
	for input, want := range map[string]DataUnit{
		"size: 1kb":  1024,
		"size: 2MB":  2 * 1024 * 1024,
		"size: 1.5gb": DataUnit(1.5 * 1024 * 1024 * 1024),
		"size: 42":   42,
	} {
		require.NoError(t, yaml.Unmarshal([]byte(input), &v), input)
		assert.Equal(t, want, v.Size, input)
	}
	assert.Error(t, yaml.Unmarshal([]byte("size: lots"), &v))
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/element-hq/clientsync/internal/util"
)

type Global struct {
	// The fully qualified user ID of the account whose sync stream is
	// being replicated, e.g. @alice:example.com.
	UserID string `yaml:"user_id"`

	// The device ID of the session.
	DeviceID string `yaml:"device_id"`

	// Base URL of the homeserver's client-server API.
	HomeserverURL string `yaml:"homeserver_url"`

	// Access token of the session. Either this or access_token_path must be set.
	AccessToken string `yaml:"access_token"`

	// Path to a file holding the access token.
	AccessTokenPath Path `yaml:"access_token_path"`

	// The global database connection, used by every component unless a
	// component specifies its own.
	DatabaseOptions DatabaseOptions `yaml:"database,omitempty"`

	// Configuration for in-memory caches.
	Cache Cache `yaml:"cache"`

	// Configuration for the Sentry error reporter.
	Sentry Sentry `yaml:"sentry"`

	// Metrics configuration
	Metrics Metrics `yaml:"metrics"`

	// NATS configuration for timeline notification fan-out.
	JetStream JetStream `yaml:"jetstream"`

	// Outbound HTTP client settings used by the sync poller.
	HTTPClient HTTPClient `yaml:"http_client"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.UserID = "@alice:localhost"
		c.DeviceID = "CLIENTSYNC"
		c.HomeserverURL = "http://localhost:8008"
		if opts.SingleDatabase {
			c.DatabaseOptions.ConnectionString = "file:clientsync.db"
		}
	}
	c.DatabaseOptions.Defaults(90)
	c.Cache.Defaults()
	c.Sentry.Defaults()
	c.Metrics.Defaults(opts)
	c.JetStream.Defaults(opts)
	c.HTTPClient.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.user_id", c.UserID)
	if _, _, ok := util.SplitUserID(c.UserID); c.UserID != "" && !ok {
		configErrs.Add(fmt.Sprintf("invalid user ID for config key %q: %s", "global.user_id", c.UserID))
	}
	checkURL(configErrs, "global.homeserver_url", c.HomeserverURL)
	if c.AccessToken == "" && c.AccessTokenPath == "" {
		configErrs.Add("one of global.access_token or global.access_token_path must be set")
	}
	c.DatabaseOptions.Verify(configErrs)
	c.Cache.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.JetStream.Verify(configErrs)
	c.HTTPClient.Verify(configErrs)
}

// ResolveAccessToken returns the configured access token, reading it from
// access_token_path when the token isn't given inline.
func (c *Global) ResolveAccessToken() (string, error) {
	if c.AccessToken != "" {
		return c.AccessToken, nil
	}
	f, err := os.Open(string(c.AccessTokenPath))
	if err != nil {
		return "", fmt.Errorf("unable to open access token file: %w", err)
	}
	defer f.Close() // nolint: errcheck
	return ReadKey(f)
}

type DatabaseOptions struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	if c.ConnectionString == "" {
		return
	}
	if !c.ConnectionString.IsSQLite() && !c.ConnectionString.IsPostgres() {
		configErrs.Add(fmt.Sprintf("unsupported database connection string %q", c.ConnectionString))
	}
}

// MaxIdleConns returns maximum idle connections to the DB
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused
func (c DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

type Cache struct {
	EstimatedMaxSize DataUnit      `yaml:"max_size_estimated"`
	MaxAge           time.Duration `yaml:"max_age"`
	// How long resolved user profiles are remembered.
	ProfileTTL time.Duration `yaml:"profile_ttl"`
	// Whether to export cache hit/miss gauges to Prometheus.
	EnablePrometheus bool `yaml:"enable_prometheus"`
}

func (c *Cache) Defaults() {
	c.EstimatedMaxSize = 64 * 1024 * 1024 // 64 MB
	c.MaxAge = time.Hour
	c.ProfileTTL = 10 * time.Minute
	c.EnablePrometheus = true
}

func (c *Cache) Verify(errors *ConfigErrors) {
	checkPositive(errors, "global.cache.max_size_estimated", int64(c.EstimatedMaxSize))
	checkPositive(errors, "global.cache.profile_ttl", int64(c.ProfileTTL))
}

// The configuration to use for Sentry error reporting
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

// The configuration to use for Prometheus metrics
type Metrics struct {
	// Whether or not the metrics are enabled
	Enabled bool `yaml:"enabled"`
	// Use BasicAuth for Authorization
	BasicAuth struct {
		// Authorization via Static Username & Password
		// Hardcoded Username and Password
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	c.Enabled = false
	if opts.Generate {
		c.BasicAuth.Username = "metrics"
		c.BasicAuth.Password = "metrics"
	}
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
}

type JetStream struct {
	Matrix *Global `yaml:"-"`

	// Addresses of NATS servers. Fan-out is disabled when empty.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for subject names.
	TopicPrefix string `yaml:"topic_prefix"`
	// Client name reported to the NATS server.
	ClientName string `yaml:"client_name"`
}

// Prefixed returns the subject with the configured prefix.
func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.Addresses = []string{}
	c.TopicPrefix = "ClientSync"
	c.ClientName = "clientsync"
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	for i, addr := range c.Addresses {
		if !strings.HasPrefix(addr, "nats://") && !strings.HasPrefix(addr, "tls://") {
			configErrs.Add(fmt.Sprintf("invalid NATS address for config key %q: %s", fmt.Sprintf("global.jetstream.addresses[%d]", i), addr))
		}
	}
}

type HTTPClient struct {
	// Timeout for establishing outbound connections.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// CIDR ranges the poller may connect to. Empty means no filtering.
	AllowNetworks []string `yaml:"allow_networks"`
	// CIDR ranges the poller must never connect to.
	DenyNetworks []string `yaml:"deny_networks"`
}

func (c *HTTPClient) Defaults() {
	c.DialTimeout = 10 * time.Second
}

func (c *HTTPClient) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "global.http_client.dial_timeout", int64(c.DialTimeout))
}

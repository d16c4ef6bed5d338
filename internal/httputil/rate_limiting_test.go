// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/clientsync/setup/config"
)

func TestRateLimitsTokenBucketEnforcesThreshold(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 2,
		CooloffMS: 50,
	}
	limits := NewRateLimits(cfg)
	defer limits.Stop()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	require.Nil(t, limits.Limit(req))
	require.Nil(t, limits.Limit(req))

	resp := limits.Limit(req)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	time.Sleep(2 * time.Duration(cfg.CooloffMS) * time.Millisecond)

	require.Nil(t, limits.Limit(req))

	require.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

func TestRateLimitsDisabled(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: false, Threshold: 1, CooloffMS: 1000})
	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	for i := 0; i < 10; i++ {
		require.Nil(t, limits.Limit(req))
	}
	var nilLimits *RateLimits
	require.Nil(t, nilLimits.Limit(req))
}

func TestRateLimitsIPExemption(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:           true,
		Threshold:         1,
		CooloffMS:         1000,
		ExemptIPAddresses: []string{"198.51.100.1", "203.0.113.0/24"},
	}
	limits := NewRateLimits(cfg)
	defer limits.Stop()

	reqIP := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqIP.RemoteAddr = "198.51.100.1:9876"
	require.Nil(t, limits.Limit(reqIP))
	require.Nil(t, limits.Limit(reqIP))

	reqCIDR := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqCIDR.RemoteAddr = "203.0.113.42:1234"
	require.Nil(t, limits.Limit(reqCIDR))
	require.Nil(t, limits.Limit(reqCIDR))

	reqNonExempt := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqNonExempt.RemoteAddr = "192.0.2.10:5555"
	require.Nil(t, limits.Limit(reqNonExempt))
	resp := limits.Limit(reqNonExempt)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	require.Equal(t, float64(5), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

func TestRequestIPXForwardedFor(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		wantIP        string
		wantTrusted   bool
	}{
		{"direct connection", "203.0.113.5:1234", "", "203.0.113.5", false},
		{"direct connection ignores header", "203.0.113.5:1234", "10.0.0.1", "203.0.113.5", false},
		{"loopback trusts header", "127.0.0.1:1234", "198.51.100.99", "198.51.100.99", true},
		{"loopback takes first address", "127.0.0.1:1234", "198.51.100.1, 203.0.113.5", "198.51.100.1", true},
		{"loopback skips loopback in header", "127.0.0.1:1234", "127.0.0.1, 198.51.100.50", "198.51.100.50", true},
		{"ipv6 loopback", "[::1]:1234", "2001:db8::1", "2001:db8::1", true},
		{"empty entries fall back", "127.0.0.1:1234", "  ,  , ", "127.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			ip, trusted := requestIP(req)
			require.NotNil(t, ip)
			require.Equal(t, tt.wantIP, ip.String())
			require.Equal(t, tt.wantTrusted, trusted)
		})
	}
}

func TestConcurrentAccessNoRace(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 100, CooloffMS: 50})
	defer limits.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = fmt.Sprintf("203.0.113.%d:1234", id%10)
			for j := 0; j < 100; j++ {
				limits.Limit(req)
			}
		}(i)
	}
	wg.Wait()

	limits.mutex.RLock()
	defer limits.mutex.RUnlock()
	require.Len(t, limits.limits, 10)
}

func TestRemoveStaleEntries(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 10, CooloffMS: 100})
	defer limits.Stop()

	for _, addr := range []string{"203.0.113.5:1234", "203.0.113.6:1234"} {
		req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
		req.RemoteAddr = addr
		limits.Limit(req)
	}
	limits.mutex.Lock()
	require.Len(t, limits.limits, 2)
	limits.limits["203.0.113.5"].lastSeen = time.Now().Add(-2 * staleLimiterAge)
	limits.mutex.Unlock()

	limits.removeStale(time.Now().Add(-staleLimiterAge))

	limits.mutex.RLock()
	defer limits.mutex.RUnlock()
	require.Len(t, limits.limits, 1)
	require.Contains(t, limits.limits, "203.0.113.6")
}

func TestStopIsIdempotent(t *testing.T) {
	for i := 0; i < 10; i++ {
		limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 10, CooloffMS: 100})
		limits.Stop()
		limits.Stop()
	}
}

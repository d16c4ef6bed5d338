// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/element-hq/clientsync/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: "debugapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clientsync",
			Subsystem: "debugapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
}

// Entries not seen for this long are dropped by the cleaner.
const staleLimiterAge = time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits is a per-caller token bucket. Callers are told apart by IP.
type RateLimits struct {
	limits      map[string]*limiterEntry
	mutex       sync.RWMutex
	enabled     bool
	threshold   int64
	cooloff     time.Duration
	exemptIPs   []net.IP
	exemptCIDRs []*net.IPNet
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:      make(map[string]*limiterEntry),
		enabled:     cfg.Enabled,
		threshold:   cfg.Threshold,
		cooloff:     time.Duration(cfg.CooloffMS) * time.Millisecond,
		cleanupDone: make(chan struct{}),
	}
	for _, ip := range cfg.ExemptIPAddresses {
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			l.exemptIPs = append(l.exemptIPs, parsedIP)
			continue
		}
		if _, network, err := net.ParseCIDR(ip); err == nil {
			l.exemptCIDRs = append(l.exemptCIDRs, network)
		}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			l.removeStale(time.Now().Add(-staleLimiterAge))
		}
	}
}

// removeStale drops entries last seen before cutoff. Keys are snapshotted
// first so that requests aren't blocked behind one long write lock.
func (l *RateLimits) removeStale(cutoff time.Time) {
	l.mutex.RLock()
	keys := make([]string, 0, len(l.limits))
	for key := range l.limits {
		keys = append(keys, key)
	}
	l.mutex.RUnlock()

	for _, key := range keys {
		l.mutex.Lock()
		if entry, ok := l.limits[key]; ok && entry.lastSeen.Before(cutoff) {
			delete(l.limits, key)
		}
		l.mutex.Unlock()
	}
}

// Stop terminates the cleaner. Safe to call more than once.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() {
		close(l.cleanupDone)
	})
}

// Limit returns a 429 response when the caller of req is over its budget,
// nil otherwise.
func (l *RateLimits) Limit(req *http.Request) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if l == nil || !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	caller := req.RemoteAddr
	ip, _ := requestIP(req)
	if ip != nil {
		caller = ip.String()
	}
	if l.isExemptIP(ip) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	limiter := l.getLimiter(caller)
	if limiter == nil || limiter.Allow() {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}
	rateLimitRejections.WithLabelValues(endpoint).Inc()
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: spec.LimitExceeded("You are sending too many requests too quickly!", l.cooloff.Milliseconds()),
	}
}

// getLimiter returns the bucket of key. The bucket holds threshold tokens
// and refills threshold tokens per cooloff. Returns nil when the cooloff is
// not positive, which disables limiting.
func (l *RateLimits) getLimiter(key string) *rate.Limiter {
	if l.cooloff <= 0 {
		return nil
	}
	burst := int(l.threshold)
	if burst < 1 {
		burst = 1
	}
	perSecond := rate.Limit(float64(burst) * float64(time.Second) / float64(l.cooloff))

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if entry, ok := l.limits[key]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(perSecond, burst)
	l.limits[key] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}

// requestIP returns the client IP of req. X-Forwarded-For is only trusted
// when the connection comes from loopback, i.e. a local reverse proxy; the
// first non-loopback address in it is used. The boolean reports whether the
// address came from the header.
func requestIP(req *http.Request) (net.IP, bool) {
	if req == nil {
		return nil, false
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil, false
	}

	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return remoteIP, false
	}
	if !remoteIP.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remoteIP.String(),
			"x_forwarded_for": forwardedFor,
		}).Debug("Ignoring X-Forwarded-For from non-loopback connection")
		return remoteIP, false
	}
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip, true
		}
	}
	return remoteIP, false
}

func (l *RateLimits) isExemptIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, exemptIP := range l.exemptIPs {
		if exemptIP.Equal(ip) {
			return true
		}
	}
	for _, network := range l.exemptCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var requestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "clientsync",
		Subsystem: "debugapi",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving debug API requests",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
	[]string{"handler"},
)

// MakeJSONAPI wraps a JSON handler with rate limiting, tracing and metrics.
// limits may be nil.
func MakeJSONAPI(metricsName string, limits *RateLimits, f func(req *http.Request) util.JSONResponse) http.Handler {
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
		if resp := limits.Limit(req); resp != nil {
			return *resp
		}
		return f(req)
	}))
	return MakeHTTPAPI(metricsName, nil, true, h)
}

// MakeHTTPAPI wraps a plain handler with tracing and, when enableMetrics is
// set, a request duration histogram. limits may be nil.
func MakeHTTPAPI(metricsName string, limits *RateLimits, enableMetrics bool, f http.HandlerFunc) http.Handler {
	withSpan := func(w http.ResponseWriter, req *http.Request) {
		span := opentracing.StartSpan(metricsName)
		defer span.Finish()
		ext.HTTPMethod.Set(span, req.Method)
		ext.HTTPUrl.Set(span, req.URL.String())
		req = req.WithContext(opentracing.ContextWithSpan(req.Context(), span))

		logger := logrus.WithFields(logrus.Fields{
			"handler": metricsName,
			"path":    req.URL.Path,
		})
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))

		if limits != nil {
			if resp := limits.Limit(req); resp != nil {
				respond(w, req, *resp)
				return
			}
		}
		f(w, req)
	}
	if !enableMetrics {
		return http.HandlerFunc(withSpan)
	}
	return promhttp.InstrumentHandlerDuration(
		requestDuration.MustCurryWith(prometheus.Labels{"handler": metricsName}),
		http.HandlerFunc(withSpan),
	)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics.
// Basic auth is only enabled when both the username and the password are set.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			respond(w, r, util.JSONResponse{
				Code: http.StatusForbidden,
				JSON: spec.Forbidden("Unauthorized"),
			})
			return
		}
		h.ServeHTTP(w, r)
	}
}

// respond writes a JSONResponse outside of util.MakeJSONAPI.
func respond(w http.ResponseWriter, req *http.Request, res util.JSONResponse) {
	for name, value := range res.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	if err := json.NewEncoder(w).Encode(res.JSON); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Failed to encode JSON response")
	}
}

// IsLoopback reports whether the listen address only binds to loopback.
func IsLoopback(listen string) bool {
	host := listen
	if i := strings.LastIndex(listen, ":"); i >= 0 {
		host = listen[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/clientsync/setup/config"
)

func TestWrapHandlerInBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		auth     BasicAuth
		user     string
		password string
		want     int
	}{
		{name: "unprotected", want: http.StatusOK},
		{name: "only username configured", auth: BasicAuth{Username: "metrics"}, want: http.StatusOK},
		{name: "only password configured", auth: BasicAuth{Password: "metrics"}, want: http.StatusOK},
		{name: "correct credentials", auth: BasicAuth{Username: "metrics", Password: "secret"}, user: "metrics", password: "secret", want: http.StatusOK},
		{name: "wrong password", auth: BasicAuth{Username: "metrics", Password: "secret"}, user: "metrics", password: "guess", want: http.StatusForbidden},
		{name: "missing credentials", auth: BasicAuth{Username: "metrics", Password: "secret"}, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/metrics", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()
			WrapHandlerInBasicAuth(ok, tt.auth)(rec, req)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusForbidden {
				require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				var body spec.MatrixError
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				require.Equal(t, spec.ErrorForbidden, body.ErrCode)
			}
		})
	}
}

func TestMakeHTTPAPIRecordsDurationHistogram(t *testing.T) {
	requestDuration.Reset()

	handler := MakeHTTPAPI("test_http_duration", nil, true, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/debug/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	metrics := make(chan prometheus.Metric, 10)
	requestDuration.Collect(metrics)
	close(metrics)

	found := false
	for metric := range metrics {
		dtoMetric := &dto.Metric{}
		require.NoError(t, metric.Write(dtoMetric))
		if dtoMetric.GetHistogram() == nil {
			continue
		}
		for _, label := range dtoMetric.GetLabel() {
			if label.GetName() == "handler" && label.GetValue() == "test_http_duration" {
				found = true
				require.Equal(t, uint64(1), dtoMetric.GetHistogram().GetSampleCount(), "expected a single observed request")
				require.Greater(t, dtoMetric.GetHistogram().GetSampleSum(), float64(0), "expected positive observed duration")
			}
		}
	}
	require.True(t, found, "expected histogram metric for handler test_http_duration")
}

func TestIsLoopback(t *testing.T) {
	for listen, want := range map[string]bool{
		"127.0.0.1:8070": true,
		"localhost:8070": true,
		"[::1]:8070":     true,
		":8070":          false,
		"0.0.0.0:8070":   false,
		"10.0.0.5:8070":  false,
	} {
		require.Equal(t, want, IsLoopback(listen), listen)
	}
}

func TestMakeJSONAPIAppliesRateLimits(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 60000})
	defer limits.Stop()
	handler := MakeJSONAPI("test_json_limits", limits, func(req *http.Request) util.JSONResponse {
		return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"ok": "yes"}}
	})

	for _, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/debug/limited", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, want, rec.Code)
	}
}

func TestMakeHTTPAPIRateLimitBody(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 60000})
	defer limits.Stop()
	handler := MakeHTTPAPI("test_http_limits", limits, false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/debug/limited", nil)
		req.RemoteAddr = "198.51.100.8:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, want, rec.Code)
		if want == http.StatusTooManyRequests {
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body spec.MatrixError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, spec.ErrorLimitExceeded, body.ErrCode)
		}
	}
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/internal"
	"github.com/element-hq/clientsync/internal/httputil"
	"github.com/element-hq/clientsync/setup"
	"github.com/element-hq/clientsync/setup/jetstream"
	"github.com/element-hq/clientsync/setup/process"
	"github.com/element-hq/clientsync/syncapi"
	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/routing"
)

type progressLogger struct{}

func (progressLogger) ReportProgress(step api.InitialSyncStep, progress float64) {
	logrus.WithField("step", step).Infof("Initial sync %.0f%% done", progress*100)
}

func main() {
	internal.SetupStdLogging()
	cfg := setup.ParseFlags()
	internal.SetupHookLogging(cfg.Logging)

	logrus.Infof("clientsync version %s", internal.VersionString())
	logrus.WithFields(logrus.Fields{
		"user_id":    cfg.Global.UserID,
		"homeserver": cfg.Global.HomeserverURL,
	}).Info("Starting replica")

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			ServerName:       cfg.Derived.ServerName,
			Release:          "clientsync@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer func() {
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
		}()
	}

	processCtx := process.NewProcessContext()

	nc, err := jetstream.Prepare(processCtx, &cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to NATS")
	}

	components, err := syncapi.AddSyncAPIComponent(processCtx, cfg, nc, syncapi.Options{
		Progress: progressLogger{},
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the sync replica")
	}

	if cfg.Global.Metrics.Enabled {
		upCounter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clientsync",
			Name:      "up",
			ConstLabels: map[string]string{
				"version": internal.VersionString(),
			},
		})
		upCounter.Add(1)
		prometheus.MustRegister(upCounter)
	}

	var server *http.Server
	var limits *httputil.RateLimits
	if listen := cfg.SyncAPI.DebugAPI.Listen; listen != "" {
		if !httputil.IsLoopback(listen) {
			logrus.Warnf("The debug API is listening on %s, which is not a loopback address", listen)
		}
		limits = httputil.NewRateLimits(&cfg.SyncAPI.DebugAPI.RateLimiting)
		router := mux.NewRouter().SkipClean(true)
		routing.Setup(router, &cfg.SyncAPI, components.DB, components.Replica, components.Notifier, limits)
		server = &http.Server{
			Addr:              listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logrus.Infof("Debug API listening on %s", listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Fatal("Failed to serve the debug API")
			}
		}()
	}

	components.Poller.Start(processCtx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")

	processCtx.Shutdown()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to shut down the debug API cleanly")
		}
		cancel()
		limits.Stop()
	}
	processCtx.WaitForComponentsToFinish()
	if nc != nil {
		nc.Close()
	}

	logrus.Warnf("clientsync is exiting now")
}

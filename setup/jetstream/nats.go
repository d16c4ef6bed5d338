// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/clientsync/setup/config"
	"github.com/element-hq/clientsync/setup/process"
)

// Prepare connects to the configured NATS servers. It returns nil without
// an error when no address is configured.
func Prepare(process *process.ProcessContext, cfg *config.JetStream) (*nats.Conn, error) {
	if len(cfg.Addresses) == 0 {
		return nil, nil
	}
	nc, err := nats.Connect(
		strings.Join(cfg.Addresses, ","),
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				process.Degraded(fmt.Errorf("disconnected from NATS: %w", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats.Connect: %w", err)
	}
	logrus.WithField("url", nc.ConnectedUrl()).Info("Connected to NATS")
	return nc, nil
}

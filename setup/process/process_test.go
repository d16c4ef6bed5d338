// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownWaitsForComponents(t *testing.T) {
	pc := NewProcessContext()
	finished := make(chan struct{})

	pc.ComponentStarted()
	go func() {
		<-pc.WaitForShutdown()
		time.Sleep(10 * time.Millisecond)
		close(finished)
		pc.ComponentFinished()
	}()

	pc.Shutdown()
	pc.WaitForComponentsToFinish()

	select {
	case <-finished:
	default:
		t.Fatal("components did not finish before WaitForComponentsToFinish returned")
	}
	assert.Error(t, pc.Context().Err())
}

func TestDegradedDeduplicatesReasons(t *testing.T) {
	pc := NewProcessContext()
	degraded, reasons := pc.IsDegraded()
	assert.False(t, degraded)
	assert.Empty(t, reasons)

	pc.Degraded(errors.New("nats unreachable"))
	pc.Degraded(errors.New("nats unreachable"))

	degraded, reasons = pc.IsDegraded()
	assert.True(t, degraded)
	assert.Equal(t, []string{"nats unreachable"}, reasons)
}

// Copyright 2022 The ssepush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ssepush/common"
	"github.com/apex/log"
)

// HeartbeatScheduler periodically writes a keep-alive frame to every open
// connection so intermediaries (proxies, load balancers) do not cut the
// streams on idle timeout. A failed keep-alive write marks the connection
// dead just like a failed dispatch write.
type HeartbeatScheduler interface {
	Start() error
	// Stop cancel the heartbeat loop. Safe to call repeatedly or before
	// Start.
	Stop() error
}

// heartbeatSchedulerImpl implements HeartbeatScheduler
type heartbeatSchedulerImpl struct {
	common.Component
	registry ConnectionRegistry
	timer    common.IntervalTimer
	interval time.Duration
}

// GetHeartbeatScheduler define a new HeartbeatScheduler ticking at the
// given interval. The loop is tied to rootCtxt and never blocks process
// shutdown.
func GetHeartbeatScheduler(
	registry ConnectionRegistry,
	interval time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (HeartbeatScheduler, error) {
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	logTags := log.Fields{
		"module": "eventstream", "component": "heartbeat-scheduler",
	}
	timer, err := common.GetIntervalTimerInstance("heartbeat", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &heartbeatSchedulerImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		timer:     timer,
		interval:  interval,
	}, nil
}

// Start launch the periodic keep-alive loop
func (h *heartbeatSchedulerImpl) Start() error {
	return h.timer.Start(h.interval, h.sendHeartbeats)
}

// Stop cancel the heartbeat loop
func (h *heartbeatSchedulerImpl) Stop() error {
	return h.timer.Stop()
}

// sendHeartbeats one keep-alive pass over every connection
func (h *heartbeatSchedulerImpl) sendHeartbeats() error {
	var failed []*Connection
	checked := 0
	for _, connections := range h.registry.ListAllConnections() {
		for _, connection := range connections {
			checked++
			if err := connection.SendFrame(heartbeatFrame); err != nil {
				log.WithError(err).WithFields(h.LogTags).Warnf(
					"Keep-alive write to %s failed", connection.ID,
				)
				failed = append(failed, connection)
			}
		}
	}
	for _, connection := range failed {
		h.registry.RemoveConnection(
			connection.SubscriberID, connection.ID, RemovalReasonHeartbeatFailed,
		)
		_ = connection.CloseWriter()
	}
	log.WithFields(h.LogTags).Debugf(
		"Sent keep-alive to %d connections, %d failed", checked, len(failed),
	)
	return nil
}

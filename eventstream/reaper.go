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

// IdleReaper periodically evicts connections which have not seen a
// successful write within the inactivity timeout. This is the memory-leak
// backstop for clients which stop reading without a write error ever
// surfacing, such as a silent network partition.
type IdleReaper interface {
	Start() error
	// Stop cancel the reaper loop. Safe to call repeatedly or before Start.
	Stop() error
}

// idleReaperImpl implements IdleReaper
type idleReaperImpl struct {
	common.Component
	registry          ConnectionRegistry
	timer             common.IntervalTimer
	inactivityTimeout time.Duration
}

// GetIdleReaper define a new IdleReaper scanning once per inactivity
// timeout. The loop is tied to rootCtxt and never blocks process shutdown.
func GetIdleReaper(
	registry ConnectionRegistry,
	inactivityTimeout time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (IdleReaper, error) {
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	logTags := log.Fields{
		"module": "eventstream", "component": "idle-reaper",
	}
	timer, err := common.GetIntervalTimerInstance("idle-reaper", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &idleReaperImpl{
		Component:         common.Component{LogTags: logTags},
		registry:          registry,
		timer:             timer,
		inactivityTimeout: inactivityTimeout,
	}, nil
}

// Start launch the periodic eviction loop
func (r *idleReaperImpl) Start() error {
	return r.timer.Start(r.inactivityTimeout, r.reapIdleConnections)
}

// Stop cancel the reaper loop
func (r *idleReaperImpl) Stop() error {
	return r.timer.Stop()
}

// reapIdleConnections one eviction pass over every connection
func (r *idleReaperImpl) reapIdleConnections() error {
	now := time.Now()
	var expired []*Connection
	for _, connections := range r.registry.ListAllConnections() {
		for _, connection := range connections {
			idleFor := now.Sub(connection.LastActivity())
			if idleFor > r.inactivityTimeout {
				log.WithFields(r.LogTags).Infof(
					"Connection %s of %s idle for %s, evicting",
					connection.ID, connection.SubscriberID, idleFor,
				)
				expired = append(expired, connection)
			}
		}
	}
	for _, connection := range expired {
		// close first so a blocked client handler unwinds promptly
		_ = connection.CloseWriter()
		r.registry.RemoveConnection(
			connection.SubscriberID, connection.ID, RemovalReasonInactivity,
		)
	}
	if len(expired) > 0 {
		log.WithFields(r.LogTags).Infof("Evicted %d idle connections", len(expired))
	}
	return nil
}

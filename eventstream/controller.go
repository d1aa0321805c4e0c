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
	"fmt"
	"sync"

	"github.com/alwitt/ssepush/common"
	"github.com/apex/log"
)

// LifecycleController orchestrates the background loops and graceful
// teardown of the event distribution core.
type LifecycleController interface {
	// Start launch the heartbeat and reaper loops
	Start() error
	// Shutdown stop the loops, force-close every connection and clear the
	// registry. Idempotent.
	Shutdown() error
	// Ready readiness check, passes only between Start and Shutdown
	Ready() error
	// Stats aggregate registry statistics
	Stats() RegistryStats
}

// lifecycleControllerImpl implements LifecycleController
type lifecycleControllerImpl struct {
	common.Component
	registry  ConnectionRegistry
	heartbeat HeartbeatScheduler
	reaper    IdleReaper
	lock      *sync.Mutex
	started   bool
	stopped   bool
}

// GetLifecycleController define a new LifecycleController over the core
// components
func GetLifecycleController(
	registry ConnectionRegistry, heartbeat HeartbeatScheduler, reaper IdleReaper,
) (LifecycleController, error) {
	if registry == nil || heartbeat == nil || reaper == nil {
		return nil, fmt.Errorf("registry, heartbeat, and reaper are all required")
	}
	logTags := log.Fields{
		"module": "eventstream", "component": "lifecycle-controller",
	}
	return &lifecycleControllerImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		heartbeat: heartbeat,
		reaper:    reaper,
		lock:      &sync.Mutex{},
		started:   false,
		stopped:   false,
	}, nil
}

// Start launch the heartbeat and reaper loops
func (c *lifecycleControllerImpl) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return fmt.Errorf("already started")
	}
	if c.stopped {
		return fmt.Errorf("already shut down")
	}
	if err := c.heartbeat.Start(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to start heartbeat loop")
		return err
	}
	if err := c.reaper.Start(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to start reaper loop")
		_ = c.heartbeat.Stop()
		return err
	}
	c.started = true
	log.WithFields(c.LogTags).Info("Event distribution core started")
	return nil
}

// Shutdown stop the loops, force-close every connection and clear the
// registry
func (c *lifecycleControllerImpl) Shutdown() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped {
		return nil
	}
	_ = c.heartbeat.Stop()
	_ = c.reaper.Stop()
	removed := c.registry.Clear(RemovalReasonShutdown)
	for _, connection := range removed {
		_ = connection.CloseWriter()
	}
	c.stopped = true
	log.WithFields(c.LogTags).Infof(
		"Event distribution core shut down, closed %d connections", len(removed),
	)
	return nil
}

// Ready readiness check, passes only between Start and Shutdown
func (c *lifecycleControllerImpl) Ready() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return fmt.Errorf("not started")
	}
	if c.stopped {
		return fmt.Errorf("already shut down")
	}
	return nil
}

// Stats aggregate registry statistics
func (c *lifecycleControllerImpl) Stats() RegistryStats {
	return c.registry.Stats()
}

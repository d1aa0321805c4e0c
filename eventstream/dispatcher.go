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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/ssepush/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Event one ephemeral typed event. Built at broadcast time, discarded once
// the delivery attempts complete; never stored.
type Event struct {
	// ID uniquely identifies this emission, used as the wire event-id
	ID string `json:"id"`
	// Type is the discriminator used for filtering and as the wire event-name
	Type string `json:"type"`
	// Timestamp is the emission timestamp
	Timestamp time.Time `json:"timestamp"`
	// Data is the opaque payload
	Data interface{} `json:"data"`
}

// heartbeatFrame SSE comment line ignored by compliant clients. Must not
// look like a typed event, so it never triggers event-type filters.
var heartbeatFrame = []byte(": keep-alive\n\n")

// formatEventFrame render an event in SSE wire framing:
//
//	id: <event.id>
//	event: <event.type>
//	data: <JSON-encoded event.data>
//	<blank line>
func formatEventFrame(event Event) ([]byte, error) {
	serialized, err := json.Marshal(event.Data)
	if err != nil {
		return nil, err
	}
	var frame bytes.Buffer
	fmt.Fprintf(&frame, "id: %s\n", event.ID)
	fmt.Fprintf(&frame, "event: %s\n", event.Type)
	fmt.Fprintf(&frame, "data: %s\n\n", serialized)
	return frame.Bytes(), nil
}

// EventDispatcher fans typed events out to the matching registered
// connections.
//
// Delivery is at-most-once and best-effort: no retry, no durable queue, no
// ordering guarantee across different subscribers. Writes to one connection
// are serialized, so sequential Broadcast calls reach each connection in
// call order.
type EventDispatcher interface {
	// Broadcast deliver one event to every matching connection. When
	// targetSubscriber is given only that subscriber's connections are
	// considered. Per-connection write failures are recovered locally and
	// never surface to the caller.
	Broadcast(
		ctxt context.Context, eventType string, data interface{}, targetSubscriber *string,
	) error
}

// eventDispatcherImpl implements EventDispatcher
type eventDispatcherImpl struct {
	common.Component
	registry ConnectionRegistry
	notifier LifecycleNotifier
}

// GetEventDispatcher define a new EventDispatcher against the registry
func GetEventDispatcher(
	registry ConnectionRegistry, notifier LifecycleNotifier,
) (EventDispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("lifecycle notifier is required")
	}
	logTags := log.Fields{
		"module": "eventstream", "component": "event-dispatcher",
	}
	return &eventDispatcherImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		notifier:  notifier,
	}, nil
}

// Broadcast deliver one event to every matching connection
func (d *eventDispatcherImpl) Broadcast(
	ctxt context.Context, eventType string, data interface{}, targetSubscriber *string,
) error {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	frame, err := formatEventFrame(event)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to frame '%s' event %s", eventType, event.ID,
		)
		return err
	}

	// Snapshot the fan-out targets; all I/O happens outside the registry
	// lock.
	var targets []*Connection
	if targetSubscriber != nil {
		targets = d.registry.ListConnections(*targetSubscriber)
	} else {
		for _, connections := range d.registry.ListAllConnections() {
			targets = append(targets, connections...)
		}
	}

	delivered := 0
	var failed []*Connection
	for _, connection := range targets {
		if err := ctxt.Err(); err != nil {
			log.WithError(err).WithFields(d.LogTags).Warnf(
				"Fan-out of '%s' event %s interrupted", eventType, event.ID,
			)
			break
		}
		if !connection.Filter.Accepts(eventType) {
			continue
		}
		// A failing connection never aborts delivery to the others
		if err := connection.SendFrame(frame); err != nil {
			log.WithError(err).WithFields(d.LogTags).Warnf(
				"Write of '%s' event %s to %s failed", eventType, event.ID, connection.ID,
			)
			failed = append(failed, connection)
			continue
		}
		delivered++
	}

	// Deregister the failed connections only after the fan-out pass
	for _, connection := range failed {
		d.registry.RemoveConnection(
			connection.SubscriberID, connection.ID, RemovalReasonSendError,
		)
		_ = connection.CloseWriter()
	}

	log.WithFields(d.LogTags).Debugf(
		"Event %s '%s' reached %d of %d connections", event.ID, eventType, delivered, len(targets),
	)
	d.notifier.EventBroadcasted(eventType, targetSubscriber, event.Timestamp)
	return nil
}

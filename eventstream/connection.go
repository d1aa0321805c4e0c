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
	"sync"
	"time"
)

// ConnectionWriter is the transport capability handle for one push stream.
// It is provided by the surrounding HTTP layer per connection, and owned
// exclusively by that connection.
type ConnectionWriter interface {
	// Write push framed bytes to the underlying transport
	Write(frame []byte) (int, error)
	// Close terminate the underlying transport
	Close() error
}

// EventFilter selects which event types a connection receives. The zero
// value accepts every event type.
type EventFilter struct {
	onlyTypes map[string]bool
}

// AllEvents define a filter which accepts every event type
func AllEvents() EventFilter {
	return EventFilter{onlyTypes: nil}
}

// OnlyEventTypes define a filter which accepts only the listed event types.
// An empty list is treated as accept-all.
func OnlyEventTypes(eventTypes ...string) EventFilter {
	if len(eventTypes) == 0 {
		return AllEvents()
	}
	allowed := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		allowed[eventType] = true
	}
	return EventFilter{onlyTypes: allowed}
}

// AcceptsAll whether the filter accepts every event type
func (f EventFilter) AcceptsAll() bool {
	return f.onlyTypes == nil
}

// Accepts whether events of this type pass the filter
func (f EventFilter) Accepts(eventType string) bool {
	if f.onlyTypes == nil {
		return true
	}
	return f.onlyTypes[eventType]
}

// Connection represents one open push stream to one client. One subscriber
// may own many connections at once (multiple devices or tabs).
type Connection struct {
	// ID uniquely identifies the connection process-wide
	ID string
	// SubscriberID is the identity of the owning caller
	SubscriberID string
	// Filter selects which event types this connection receives
	Filter EventFilter

	writer ConnectionWriter
	// writeLock serializes writes to the transport. The heartbeat loop and
	// the dispatch path must never race on the same writer.
	writeLock    sync.Mutex
	lastActivity time.Time
}

// SendFrame write one pre-framed payload to the transport. Updates the
// connection's last-activity timestamp on success.
func (c *Connection) SendFrame(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if _, err := c.writer.Write(frame); err != nil {
		return err
	}
	c.lastActivity = time.Now()
	return nil
}

// LastActivity timestamp of the last successful write, heartbeats included
func (c *Connection) LastActivity() time.Time {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.lastActivity
}

// CloseWriter close the underlying transport. Best-effort; the caller is
// expected to ignore the error during eviction and shutdown.
func (c *Connection) CloseWriter() error {
	return c.writer.Close()
}

// markActivity reset the last-activity timestamp. Used when constructing
// the connection and by tests staging idle connections.
func (c *Connection) markActivity(timestamp time.Time) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.lastActivity = timestamp
}

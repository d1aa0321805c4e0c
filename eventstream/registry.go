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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ssepush/common"
	"github.com/apex/log"
)

// ErrCapacityExceeded returned by AddConnection when the process-wide
// connection cap is reached. Recoverable; the caller rejects the attempt
// without registering anything.
var ErrCapacityExceeded = errors.New("connection capacity exceeded")

// Connection removal reasons carried on connectionRemoved notifications
const (
	// RemovalReasonClientClosed the client ended the stream
	RemovalReasonClientClosed = "client_closed"
	// RemovalReasonSendError a broadcast write to the transport failed
	RemovalReasonSendError = "send_error"
	// RemovalReasonHeartbeatFailed a keep-alive write to the transport failed
	RemovalReasonHeartbeatFailed = "heartbeat_failed"
	// RemovalReasonInactivity the reaper evicted an idle connection
	RemovalReasonInactivity = "inactivity_timeout"
	// RemovalReasonShutdown the service is shutting down
	RemovalReasonShutdown = "shutdown"
)

// RegistryStats point-in-time aggregate statistics for the registry
type RegistryStats struct {
	// TotalConnections is the process-wide connection count
	TotalConnections int `json:"total_connections"`
	// SubscriberCount is the number of subscribers owning >= 1 connection
	SubscriberCount int `json:"subscriber_count"`
	// PerSubscriber is the connection count per subscriber
	PerSubscriber map[string]int `json:"per_subscriber"`
}

// ConnectionRegistry owns the mapping from subscriber identity to that
// subscriber's set of active connections.
//
// All mutation of the mapping and the connection counter is serialized
// behind one registry-wide lock. No I/O is ever performed while the lock is
// held; dispatch, heartbeat and reaper snapshot their targets first and
// write outside the lock.
type ConnectionRegistry interface {
	// AddConnection register a new push stream for a subscriber. Fails with
	// ErrCapacityExceeded when the connection cap is reached, mutating
	// nothing.
	AddConnection(subscriberID string, writer ConnectionWriter, filter EventFilter) (string, error)
	// RemoveConnection deregister a connection. Idempotent; removing an
	// absent connection returns false and never errors. The connection's
	// writer is not touched.
	RemoveConnection(subscriberID, connectionID, reason string) bool
	// ListConnections snapshot of one subscriber's connections, safe to
	// iterate while concurrent add / remove proceeds
	ListConnections(subscriberID string) []*Connection
	// ListAllConnections snapshot of every registered connection keyed by
	// subscriber
	ListAllConnections() map[string][]*Connection
	// Clear remove every connection at once, returning the removed
	// snapshot. Used during shutdown; the caller closes the writers.
	Clear(reason string) []*Connection
	// Stats aggregate statistics; total count is O(1) via the cached counter
	Stats() RegistryStats
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock           *sync.RWMutex
	subscribers    map[string]map[string]*Connection
	totalCount     int
	connectionSeq  uint64
	maxConnections int
	notifier       LifecycleNotifier
}

// GetConnectionRegistry define a new ConnectionRegistry enforcing the given
// connection cap
func GetConnectionRegistry(
	maxConnections int, notifier LifecycleNotifier,
) (ConnectionRegistry, error) {
	if maxConnections < 1 {
		return nil, fmt.Errorf("connection cap must be >= 1, given %d", maxConnections)
	}
	if notifier == nil {
		return nil, fmt.Errorf("lifecycle notifier is required")
	}
	logTags := log.Fields{
		"module": "eventstream", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component:      common.Component{LogTags: logTags},
		lock:           &sync.RWMutex{},
		subscribers:    make(map[string]map[string]*Connection),
		totalCount:     0,
		connectionSeq:  0,
		maxConnections: maxConnections,
		notifier:       notifier,
	}, nil
}

// AddConnection register a new push stream for a subscriber
func (r *connectionRegistryImpl) AddConnection(
	subscriberID string, writer ConnectionWriter, filter EventFilter,
) (string, error) {
	r.lock.Lock()
	if r.totalCount >= r.maxConnections {
		current := r.totalCount
		r.lock.Unlock()
		log.WithFields(r.LogTags).Warnf(
			"Rejected connection for %s: %d connections at cap %d",
			subscriberID, current, r.maxConnections,
		)
		return "", ErrCapacityExceeded
	}
	r.connectionSeq++
	connection := &Connection{
		ID:           fmt.Sprintf("%s-%d", subscriberID, r.connectionSeq),
		SubscriberID: subscriberID,
		Filter:       filter,
		writer:       writer,
	}
	connection.markActivity(time.Now())
	ownedSet, ok := r.subscribers[subscriberID]
	if !ok {
		ownedSet = make(map[string]*Connection)
		r.subscribers[subscriberID] = ownedSet
	}
	ownedSet[connection.ID] = connection
	r.totalCount++
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof(
		"Registered connection %s for %s", connection.ID, subscriberID,
	)
	r.notifier.ConnectionAdded(subscriberID, connection.ID)
	return connection.ID, nil
}

// RemoveConnection deregister a connection
func (r *connectionRegistryImpl) RemoveConnection(
	subscriberID, connectionID, reason string,
) bool {
	r.lock.Lock()
	ownedSet, ok := r.subscribers[subscriberID]
	if !ok {
		r.lock.Unlock()
		return false
	}
	if _, ok := ownedSet[connectionID]; !ok {
		r.lock.Unlock()
		return false
	}
	delete(ownedSet, connectionID)
	// never leave a dangling empty subscriber entry
	if len(ownedSet) == 0 {
		delete(r.subscribers, subscriberID)
	}
	r.totalCount--
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof(
		"Removed connection %s of %s on %s", connectionID, subscriberID, reason,
	)
	r.notifier.ConnectionRemoved(subscriberID, connectionID, reason)
	return true
}

// ListConnections snapshot of one subscriber's connections
func (r *connectionRegistryImpl) ListConnections(subscriberID string) []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ownedSet, ok := r.subscribers[subscriberID]
	if !ok {
		return nil
	}
	result := make([]*Connection, 0, len(ownedSet))
	for _, connection := range ownedSet {
		result = append(result, connection)
	}
	return result
}

// ListAllConnections snapshot of every registered connection
func (r *connectionRegistryImpl) ListAllConnections() map[string][]*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string][]*Connection, len(r.subscribers))
	for subscriberID, ownedSet := range r.subscribers {
		connections := make([]*Connection, 0, len(ownedSet))
		for _, connection := range ownedSet {
			connections = append(connections, connection)
		}
		result[subscriberID] = connections
	}
	return result
}

// Clear remove every connection at once
func (r *connectionRegistryImpl) Clear(reason string) []*Connection {
	r.lock.Lock()
	removed := make([]*Connection, 0, r.totalCount)
	for _, ownedSet := range r.subscribers {
		for _, connection := range ownedSet {
			removed = append(removed, connection)
		}
	}
	r.subscribers = make(map[string]map[string]*Connection)
	r.totalCount = 0
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof("Cleared %d connections on %s", len(removed), reason)
	for _, connection := range removed {
		r.notifier.ConnectionRemoved(connection.SubscriberID, connection.ID, reason)
	}
	return removed
}

// Stats aggregate statistics
func (r *connectionRegistryImpl) Stats() RegistryStats {
	r.lock.RLock()
	defer r.lock.RUnlock()
	perSubscriber := make(map[string]int, len(r.subscribers))
	for subscriberID, ownedSet := range r.subscribers {
		perSubscriber[subscriberID] = len(ownedSet)
	}
	return RegistryStats{
		TotalConnections: r.totalCount,
		SubscriberCount:  len(r.subscribers),
		PerSubscriber:    perSubscriber,
	}
}

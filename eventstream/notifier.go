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
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/ssepush/common"
	"github.com/apex/log"
)

// LifecycleObserver receives connection and broadcast lifecycle
// notifications. Observers run on the notifier's event loop, off the
// registry and dispatch hot paths; implementations should still return
// quickly.
type LifecycleObserver interface {
	// ConnectionAdded a connection was registered
	ConnectionAdded(subscriberID, connectionID string)
	// ConnectionRemoved a connection was deregistered for the given reason
	ConnectionRemoved(subscriberID, connectionID, reason string)
	// EventBroadcasted one Broadcast call completed its fan-out pass
	EventBroadcasted(eventType string, targetSubscriber *string, timestamp time.Time)
}

// LifecycleNotifier emits lifecycle notifications toward the registered
// observers. All emission is asynchronous and best-effort.
type LifecycleNotifier interface {
	RegisterObserver(observer LifecycleObserver)
	ConnectionAdded(subscriberID, connectionID string)
	ConnectionRemoved(subscriberID, connectionID, reason string)
	EventBroadcasted(eventType string, targetSubscriber *string, timestamp time.Time)
}

// lifecycleNotifierImpl implements LifecycleNotifier against a task
// processor event loop
type lifecycleNotifierImpl struct {
	common.Component
	tp        common.TaskProcessor
	lock      *sync.RWMutex
	observers []LifecycleObserver
}

type notifyConnectionAdded struct {
	subscriberID string
	connectionID string
}

type notifyConnectionRemoved struct {
	subscriberID string
	connectionID string
	reason       string
}

type notifyEventBroadcasted struct {
	eventType        string
	targetSubscriber *string
	timestamp        time.Time
}

// GetLifecycleNotifier define a new LifecycleNotifier draining through the
// given task processor. The caller starts and stops the processor's event
// loop.
func GetLifecycleNotifier(tp common.TaskProcessor) (LifecycleNotifier, error) {
	logTags := log.Fields{
		"module": "eventstream", "component": "lifecycle-notifier",
	}
	instance := &lifecycleNotifierImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		lock:      &sync.RWMutex{},
		observers: nil,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(notifyConnectionAdded{}), instance.processConnectionAdded,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(notifyConnectionRemoved{}), instance.processConnectionRemoved,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(notifyEventBroadcasted{}), instance.processEventBroadcasted,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// RegisterObserver add an observer to the notification fan-out
func (n *lifecycleNotifierImpl) RegisterObserver(observer LifecycleObserver) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.observers = append(n.observers, observer)
}

func (n *lifecycleNotifierImpl) snapshotObservers() []LifecycleObserver {
	n.lock.RLock()
	defer n.lock.RUnlock()
	result := make([]LifecycleObserver, len(n.observers))
	copy(result, n.observers)
	return result
}

// submit queue a notification without blocking the emitting code path
func (n *lifecycleNotifierImpl) submit(param interface{}) {
	if err := n.tp.Submit(context.Background(), param); err != nil {
		log.WithError(err).WithFields(n.LogTags).Debugf(
			"Dropped %s notification", reflect.TypeOf(param),
		)
	}
}

// ConnectionAdded a connection was registered
func (n *lifecycleNotifierImpl) ConnectionAdded(subscriberID, connectionID string) {
	n.submit(notifyConnectionAdded{subscriberID: subscriberID, connectionID: connectionID})
}

// ConnectionRemoved a connection was deregistered for the given reason
func (n *lifecycleNotifierImpl) ConnectionRemoved(subscriberID, connectionID, reason string) {
	n.submit(notifyConnectionRemoved{
		subscriberID: subscriberID, connectionID: connectionID, reason: reason,
	})
}

// EventBroadcasted one Broadcast call completed its fan-out pass
func (n *lifecycleNotifierImpl) EventBroadcasted(
	eventType string, targetSubscriber *string, timestamp time.Time,
) {
	n.submit(notifyEventBroadcasted{
		eventType: eventType, targetSubscriber: targetSubscriber, timestamp: timestamp,
	})
}

func (n *lifecycleNotifierImpl) processConnectionAdded(param interface{}) error {
	request, ok := param.(notifyConnectionAdded)
	if !ok {
		return errUnexpectedTaskParam(param)
	}
	for _, observer := range n.snapshotObservers() {
		observer.ConnectionAdded(request.subscriberID, request.connectionID)
	}
	return nil
}

func (n *lifecycleNotifierImpl) processConnectionRemoved(param interface{}) error {
	request, ok := param.(notifyConnectionRemoved)
	if !ok {
		return errUnexpectedTaskParam(param)
	}
	for _, observer := range n.snapshotObservers() {
		observer.ConnectionRemoved(request.subscriberID, request.connectionID, request.reason)
	}
	return nil
}

func (n *lifecycleNotifierImpl) processEventBroadcasted(param interface{}) error {
	request, ok := param.(notifyEventBroadcasted)
	if !ok {
		return errUnexpectedTaskParam(param)
	}
	for _, observer := range n.snapshotObservers() {
		observer.EventBroadcasted(request.eventType, request.targetSubscriber, request.timestamp)
	}
	return nil
}

func errUnexpectedTaskParam(param interface{}) error {
	return fmt.Errorf("can not process unknown task param type %s", reflect.TypeOf(param))
}

// ================================================================================

// LoggingObserver LifecycleObserver writing the notification stream to the
// structured log
type LoggingObserver struct {
	common.Component
}

// GetLoggingObserver define a new LoggingObserver
func GetLoggingObserver() *LoggingObserver {
	return &LoggingObserver{
		Component: common.Component{LogTags: log.Fields{
			"module": "eventstream", "component": "lifecycle-log",
		}},
	}
}

// ConnectionAdded a connection was registered
func (o *LoggingObserver) ConnectionAdded(subscriberID, connectionID string) {
	log.WithFields(o.LogTags).Infof(
		"Connection %s of %s opened", connectionID, subscriberID,
	)
}

// ConnectionRemoved a connection was deregistered for the given reason
func (o *LoggingObserver) ConnectionRemoved(subscriberID, connectionID, reason string) {
	log.WithFields(o.LogTags).Infof(
		"Connection %s of %s closed on %s", connectionID, subscriberID, reason,
	)
}

// EventBroadcasted one Broadcast call completed its fan-out pass
func (o *LoggingObserver) EventBroadcasted(
	eventType string, targetSubscriber *string, timestamp time.Time,
) {
	if targetSubscriber != nil {
		log.WithFields(o.LogTags).Debugf(
			"Broadcast '%s' targeting %s", eventType, *targetSubscriber,
		)
	} else {
		log.WithFields(o.LogTags).Debugf("Broadcast '%s'", eventType)
	}
}

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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ssepush/common"
	"github.com/stretchr/testify/assert"
)

// mockConnectionWriter in-memory ConnectionWriter for testing
type mockConnectionWriter struct {
	lock       sync.Mutex
	buf        bytes.Buffer
	failWrites bool
	closed     bool
}

func (m *mockConnectionWriter) Write(frame []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.failWrites {
		return 0, fmt.Errorf("simulated write failure")
	}
	if m.closed {
		return 0, fmt.Errorf("write on closed writer")
	}
	return m.buf.Write(frame)
}

func (m *mockConnectionWriter) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	return nil
}

func (m *mockConnectionWriter) content() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.buf.String()
}

func (m *mockConnectionWriter) isClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}

// recordingObserver LifecycleObserver capturing notifications on channels
type recordingObserver struct {
	added      chan string
	removed    chan string
	broadcasts chan string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		added:      make(chan string, 64),
		removed:    make(chan string, 64),
		broadcasts: make(chan string, 64),
	}
}

// record drop instead of block when no test is draining the channel
func (o *recordingObserver) record(sink chan string, entry string) {
	select {
	case sink <- entry:
	default:
	}
}

func (o *recordingObserver) ConnectionAdded(subscriberID, connectionID string) {
	o.record(o.added, fmt.Sprintf("%s/%s", subscriberID, connectionID))
}

func (o *recordingObserver) ConnectionRemoved(subscriberID, connectionID, reason string) {
	o.record(o.removed, fmt.Sprintf("%s/%s/%s", subscriberID, connectionID, reason))
}

func (o *recordingObserver) EventBroadcasted(
	eventType string, targetSubscriber *string, timestamp time.Time,
) {
	o.record(o.broadcasts, eventType)
}

func waitForNotification(t *testing.T, source chan string) string {
	t.Helper()
	select {
	case value := <-source:
		return value
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lifecycle notification")
		return ""
	}
}

// defineCoreForTest assemble a registry with a running notifier loop and a
// recording observer
func defineCoreForTest(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	maxConnections int,
) (ConnectionRegistry, LifecycleNotifier, *recordingObserver) {
	t.Helper()
	assert := assert.New(t)

	tp, err := common.GetNewTaskProcessorInstance("ut-notifications", 64, ctxt)
	assert.Nil(err)
	notifier, err := GetLifecycleNotifier(tp)
	assert.Nil(err)
	observer := newRecordingObserver()
	notifier.RegisterObserver(observer)
	assert.Nil(tp.StartEventLoop(wg))

	registry, err := GetConnectionRegistry(maxConnections, notifier)
	assert.Nil(err)
	return registry, notifier, observer
}

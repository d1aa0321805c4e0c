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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatSchedulerKeepAlive(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, _, observer := defineCoreForTest(t, utCtxt, &wg, 16)

	healthy := &mockConnectionWriter{}
	broken := &mockConnectionWriter{failWrites: true}
	_, err := registry.AddConnection("u1", healthy, AllEvents())
	assert.Nil(err)
	brokenID, err := registry.AddConnection("u2", broken, AllEvents())
	assert.Nil(err)

	uut, err := GetHeartbeatScheduler(registry, time.Millisecond*30, utCtxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	// The broken connection is evicted on the first tick
	note := waitForNotification(t, observer.removed)
	assert.Contains(note, brokenID)
	assert.True(strings.HasSuffix(note, RemovalReasonHeartbeatFailed))
	assert.Nil(uut.Stop())

	// The healthy connection received comment frames, not typed events
	assert.Contains(healthy.content(), ": keep-alive\n\n")
	assert.NotContains(healthy.content(), "event:")

	stats := registry.Stats()
	assert.Equal(1, stats.TotalConnections)
	assert.NotContains(stats.PerSubscriber, "u2")
}

func TestHeartbeatSchedulerRefreshesActivity(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, _, _ := defineCoreForTest(t, utCtxt, &wg, 16)
	_, err := registry.AddConnection("u1", &mockConnectionWriter{}, AllEvents())
	assert.Nil(err)
	connection := registry.ListConnections("u1")[0]

	// Stage a stale activity timestamp
	staleStamp := time.Now().Add(-time.Hour)
	connection.markActivity(staleStamp)
	assert.Equal(staleStamp, connection.LastActivity())

	uut, err := GetHeartbeatScheduler(registry, time.Millisecond*20, utCtxt, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// A successful keep-alive write must refresh last activity
	assert.Eventually(func() bool {
		return connection.LastActivity().After(staleStamp)
	}, time.Second, time.Millisecond*10)
}

func TestHeartbeatSchedulerStopBeforeStart(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, _, _ := defineCoreForTest(t, utCtxt, &wg, 16)
	uut, err := GetHeartbeatScheduler(registry, time.Millisecond*20, utCtxt, &wg)
	assert.Nil(err)

	assert.Nil(uut.Stop())
	assert.Nil(uut.Start())
	assert.Nil(uut.Stop())
	assert.Nil(uut.Stop())
}

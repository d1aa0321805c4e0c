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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ssepush/common"
	"github.com/stretchr/testify/assert"
)

func TestLifecycleNotifierFanOut(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	tp, err := common.GetNewTaskProcessorInstance("ut-notifier", 16, utCtxt)
	assert.Nil(err)
	uut, err := GetLifecycleNotifier(tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	observer0 := newRecordingObserver()
	observer1 := newRecordingObserver()
	uut.RegisterObserver(observer0)
	uut.RegisterObserver(observer1)

	uut.ConnectionAdded("u1", "u1-1")
	uut.ConnectionRemoved("u1", "u1-1", RemovalReasonClientClosed)
	target := "u2"
	uut.EventBroadcasted("status", &target, time.Now())

	// Every registered observer sees every notification
	for _, observer := range []*recordingObserver{observer0, observer1} {
		assert.Equal("u1/u1-1", waitForNotification(t, observer.added))
		assert.Equal(
			"u1/u1-1/"+RemovalReasonClientClosed, waitForNotification(t, observer.removed),
		)
		assert.Equal("status", waitForNotification(t, observer.broadcasts))
	}

	assert.Nil(tp.StopEventLoop())
}

func TestLifecycleNotifierDropsAfterStop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	tp, err := common.GetNewTaskProcessorInstance("ut-notifier", 16, utCtxt)
	assert.Nil(err)
	uut, err := GetLifecycleNotifier(tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	observer := newRecordingObserver()
	uut.RegisterObserver(observer)

	assert.Nil(tp.StopEventLoop())

	// Emission after the event loop stopped must not block or panic
	uut.ConnectionAdded("u1", "u1-1")
	select {
	case <-observer.added:
		t.Fatal("notification delivered after event loop stopped")
	case <-time.After(time.Millisecond * 50):
	}
}

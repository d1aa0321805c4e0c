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

package apis

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alwitt/ssepush/common"
	"github.com/alwitt/ssepush/eventstream"
	"github.com/stretchr/testify/assert"
)

// defineTestHTTPConfig HTTP config shared by the API handler tests
func defineTestHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Ssepush-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

// defineCoreForAPITest assemble a registry with a running notifier loop
func defineCoreForAPITest(
	t *testing.T,
	ctxt context.Context,
	wg *sync.WaitGroup,
	maxConnections int,
) (eventstream.ConnectionRegistry, eventstream.LifecycleNotifier) {
	t.Helper()
	assert := assert.New(t)

	tp, err := common.GetNewTaskProcessorInstance("ut-api-notifications", 64, ctxt)
	assert.Nil(err)
	notifier, err := eventstream.GetLifecycleNotifier(tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))

	registry, err := eventstream.GetConnectionRegistry(maxConnections, notifier)
	assert.Nil(err)
	return registry, notifier
}

// stubConnectionWriter minimal ConnectionWriter for occupying registry slots
type stubConnectionWriter struct {
	lock   sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (m *stubConnectionWriter) Write(frame []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, fmt.Errorf("write on closed writer")
	}
	return m.buf.Write(frame)
}

func (m *stubConnectionWriter) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	return nil
}

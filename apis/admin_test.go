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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ssepush/eventstream"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func defineAdminHandlerForTest(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (APIRestAdminHandler, eventstream.ConnectionRegistry, eventstream.LifecycleController) {
	t.Helper()
	assert := assert.New(t)

	registry, notifier := defineCoreForAPITest(t, ctxt, wg, 16)
	dispatcher, err := eventstream.GetEventDispatcher(registry, notifier)
	assert.Nil(err)
	heartbeat, err := eventstream.GetHeartbeatScheduler(registry, time.Second, ctxt, wg)
	assert.Nil(err)
	reaper, err := eventstream.GetIdleReaper(registry, time.Second*2, ctxt, wg)
	assert.Nil(err)
	controller, err := eventstream.GetLifecycleController(registry, heartbeat, reaper)
	assert.Nil(err)

	uut, err := GetAPIRestAdminHandler(dispatcher, controller, defineTestHTTPConfig())
	assert.Nil(err)
	return uut, registry, controller
}

func TestAdminBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, registry, _ := defineAdminHandlerForTest(t, utCtxt, &wg)

	writer := &stubConnectionWriter{}
	_, err := registry.AddConnection("u1", writer, eventstream.AllEvents())
	assert.Nil(err)

	// Case 0: reject non-JSON body
	{
		req, err := http.NewRequest(
			"POST", "/v1/admin/broadcast", strings.NewReader("not json"),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.BroadcastEventHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 1: reject missing event type
	{
		payload, err := json.Marshal(map[string]interface{}{"data": "x"})
		assert.Nil(err)
		req, err := http.NewRequest(
			"POST", "/v1/admin/broadcast", bytes.NewReader(payload),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.BroadcastEventHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 2: successful broadcast reaches the open connection
	{
		payload, err := json.Marshal(BroadcastRequest{
			Type: "status", Data: map[string]string{"state": "ok"},
		})
		assert.Nil(err)
		req, err := http.NewRequest(
			"POST", "/v1/admin/broadcast", bytes.NewReader(payload),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.BroadcastEventHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	writer.lock.Lock()
	streamed := writer.buf.String()
	writer.lock.Unlock()
	assert.Contains(streamed, "event: status\n")
	assert.Contains(streamed, `"state":"ok"`)
}

func TestAdminTargetedBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, registry, _ := defineAdminHandlerForTest(t, utCtxt, &wg)

	writer0 := &stubConnectionWriter{}
	writer1 := &stubConnectionWriter{}
	_, err := registry.AddConnection("u1", writer0, eventstream.AllEvents())
	assert.Nil(err)
	_, err = registry.AddConnection("u2", writer1, eventstream.AllEvents())
	assert.Nil(err)

	target := "u2"
	payload, err := json.Marshal(BroadcastRequest{
		Type: "direct", Data: "for-u2", TargetSubscriber: &target,
	})
	assert.Nil(err)
	req, err := http.NewRequest("POST", "/v1/admin/broadcast", bytes.NewReader(payload))
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	uut.BroadcastEventHandler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)

	writer0.lock.Lock()
	assert.Empty(writer0.buf.String())
	writer0.lock.Unlock()
	writer1.lock.Lock()
	assert.Contains(writer1.buf.String(), "event: direct\n")
	writer1.lock.Unlock()
}

func TestAdminStats(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, registry, _ := defineAdminHandlerForTest(t, utCtxt, &wg)

	_, err := registry.AddConnection("u1", &stubConnectionWriter{}, eventstream.AllEvents())
	assert.Nil(err)
	_, err = registry.AddConnection("u1", &stubConnectionWriter{}, eventstream.AllEvents())
	assert.Nil(err)
	_, err = registry.AddConnection("u2", &stubConnectionWriter{}, eventstream.AllEvents())
	assert.Nil(err)

	req, err := http.NewRequest("GET", "/v1/admin/stats", nil)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	uut.GetStatsHandler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)

	var resp APIRestRespRegistryStats
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&resp))
	assert.True(resp.Success)
	assert.Equal(3, resp.Stats.TotalConnections)
	assert.Equal(2, resp.Stats.SubscriberCount)
	assert.Equal(2, resp.Stats.PerSubscriber["u1"])
	assert.Equal(1, resp.Stats.PerSubscriber["u2"])
}

func TestAdminHealthChecks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, controller := defineAdminHandlerForTest(t, utCtxt, &wg)

	// Case 0: always alive
	{
		req, err := http.NewRequest("GET", "/v1/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: not ready until the core starts
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}

	// Case 2: ready once started
	assert.Nil(controller.Start())
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 3: not ready after shutdown
	assert.Nil(controller.Shutdown())
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}
}

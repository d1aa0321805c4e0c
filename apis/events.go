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
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssepush/auth"
	"github.com/alwitt/ssepush/common"
	"github.com/alwitt/ssepush/eventstream"
	"github.com/apex/log"
)

// sseConnectionWriter adapts one HTTP response into an
// eventstream.ConnectionWriter. Each frame is flushed immediately so the
// client sees it without buffering delay. Close unblocks the owning request
// handler via the done channel; the lock guarantees no frame write can race
// a returning handler.
type sseConnectionWriter struct {
	resp    http.ResponseWriter
	flusher http.Flusher
	lock    sync.Mutex
	closed  bool
	done    chan struct{}
}

func newSSEConnectionWriter(resp http.ResponseWriter, flusher http.Flusher) *sseConnectionWriter {
	return &sseConnectionWriter{
		resp: resp, flusher: flusher, done: make(chan struct{}),
	}
}

// Write send one frame and flush it down the wire
func (s *sseConnectionWriter) Write(frame []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return 0, fmt.Errorf("event stream already closed")
	}
	written, err := s.resp.Write(frame)
	if err == nil {
		s.flusher.Flush()
	}
	return written, err
}

// Close mark the stream closed and wake the owning request handler
func (s *sseConnectionWriter) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// ========================================================================================

// APIRestEventStreamHandler REST handler for the client facing event stream
type APIRestEventStreamHandler struct {
	goutils.RestAPIHandler
	registry    eventstream.ConnectionRegistry
	verifier    auth.TokenVerifier
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestEventStreamHandler define APIRestEventStreamHandler
func GetAPIRestEventStreamHandler(
	baseContext context.Context,
	registry eventstream.ConnectionRegistry,
	verifier auth.TokenVerifier,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIRestEventStreamHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "event-stream",
	}
	return APIRestEventStreamHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       registry,
		verifier:       verifier,
		baseContext:    baseContext,
		wg:             wg,
	}, nil
}

// =======================================================================
// Event stream subscription

// -----------------------------------------------------------------------

// Stream godoc
// @Summary Open an event stream
// @Description Open a long lived server-sent-event stream for the authenticated
// subscriber. Typed events matching the optional filter are pushed as they are
// broadcast. The stream closes on client disconnect, server shutdown, or eviction
// by the server.
// @tags Events
// @Produce json
// @Param Ssepush-Request-ID header string false "User provided request ID to match against logs"
// @Param Authorization header string true "Bearer token identifying the subscriber"
// @Param filter query []string false "Restrict the stream to the given event types"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,401,500,503 {string} Ssepush-Request-ID "Request ID to match against logs"
// @Router /v1/events/stream [get]
func (h APIRestEventStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
	}()

	// --------------------------------------------------------------------------
	// Authenticate the caller

	token, ok := readBearerToken(r)
	if !ok {
		msg := "No bearer token provided"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}
	subscriberID, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		msg := "Bearer token rejected"
		log.WithError(err).WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	// Read the optional event type filter
	filter := eventstream.AllEvents()
	if requested, ok := r.URL.Query()["filter"]; ok {
		filter = eventstream.OnlyEventTypes(requested...)
	}

	// --------------------------------------------------------------------------
	// Start streaming

	// Define custom log tags for this instance
	logTags := localLogTagsInitial
	logTags["subscriber"] = subscriberID

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	streamWriter := newSSEConnectionWriter(w, writeFlusher)
	connectionID, err := h.registry.AddConnection(subscriberID, streamWriter, filter)
	if err != nil {
		if errors.Is(err, eventstream.ErrCapacityExceeded) {
			msg := "Too many connections"
			log.WithError(err).WithFields(logTags).Warnf(msg)
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, err.Error())
			return
		}
		msg := "Unable to register connection"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	logTags["connection"] = connectionID
	log.WithFields(logTags).Info("Event stream open")

	// Park until one side ends the stream. Frames reach the client straight
	// from the dispatch and heartbeat loops through streamWriter.
	select {
	case <-r.Context().Done():
		// Client went away
		h.registry.RemoveConnection(
			subscriberID, connectionID, eventstream.RemovalReasonClientClosed,
		)
		log.WithFields(logTags).Info("Terminating event stream on request end")
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	case <-h.baseContext.Done():
		// Server stopping
		h.registry.RemoveConnection(
			subscriberID, connectionID, eventstream.RemovalReasonShutdown,
		)
		log.WithFields(logTags).Info("Terminating event stream on server stop")
		msg := "Server stopping"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	case <-streamWriter.done:
		// Evicted by the reaper, a write failure, or core shutdown. The
		// registry entry is already gone.
		log.WithFields(logTags).Info("Terminating event stream on server side close")
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}

	// Block any in-flight frame writes before the handler returns
	_ = streamWriter.Close()
	writeFlusher.Flush()
}

// StreamHandler Wrapper around Stream
func (h APIRestEventStreamHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

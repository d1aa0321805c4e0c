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
	"encoding/json"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ssepush/common"
	"github.com/alwitt/ssepush/eventstream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestAdminHandler REST handler for event broadcast and operational
// visibility
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	dispatcher eventstream.EventDispatcher
	controller eventstream.LifecycleController
	validate   *validator.Validate
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	dispatcher eventstream.EventDispatcher,
	controller eventstream.LifecycleController,
	httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "admin",
	}
	return APIRestAdminHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		dispatcher:     dispatcher,
		controller:     controller,
		validate:       validator.New(),
	}, nil
}

// Write logging support
func (h APIRestAdminHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Event broadcast

// -----------------------------------------------------------------------

// BroadcastRequest payload requesting one event broadcast
type BroadcastRequest struct {
	// Type is the event type used for filtering on the streams
	Type string `json:"type" validate:"required"`
	// Data is the opaque event payload
	Data interface{} `json:"data"`
	// TargetSubscriber limits delivery to one subscriber's connections
	TargetSubscriber *string `json:"target_subscriber,omitempty"`
}

// BroadcastEvent godoc
// @Summary Broadcast an event
// @Description Fan one typed event out to every matching open stream. Delivery is
// best-effort with no retry; connections with failing writes are dropped.
// @tags Admin
// @Accept json
// @Produce json
// @Param Ssepush-Request-ID header string false "User provided request ID to match against logs"
// @Param event body apis.BroadcastRequest true "Event to broadcast"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Ssepush-Request-ID "Request ID to match against logs"
// @Router /v1/admin/broadcast [post]
func (h APIRestAdminHandler) BroadcastEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// Validate input
	if err := h.validate.Struct(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.dispatcher.Broadcast(
		r.Context(), request.Type, request.Data, request.TargetSubscriber,
	); err != nil {
		msg := "Unable to broadcast event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// BroadcastEventHandler Wrapper around BroadcastEvent
func (h APIRestAdminHandler) BroadcastEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BroadcastEvent(w, r)
	}
}

// =======================================================================
// Operational visibility

// -----------------------------------------------------------------------

// APIRestRespRegistryStats connection registry statistics response
type APIRestRespRegistryStats struct {
	goutils.RestAPIBaseResponse
	// Stats is the current registry statistics
	Stats eventstream.RegistryStats `json:"stats"`
}

// GetStats godoc
// @Summary Fetch connection statistics
// @Description Fetch the current connection counts, total and per subscriber
// @tags Admin
// @Produce json
// @Param Ssepush-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} apis.APIRestRespRegistryStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Ssepush-Request-ID "Request ID to match against logs"
// @Router /v1/admin/stats [get]
func (h APIRestAdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespRegistryStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Stats:               h.controller.Stats(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, &resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestAdminHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the event distribution core is running
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.controller.Ready(); err != nil {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

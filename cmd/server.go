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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/ssepush/apis"
	"github.com/alwitt/ssepush/auth"
	"github.com/alwitt/ssepush/common"
	"github.com/alwitt/ssepush/eventstream"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the event stream server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Assemble the event distribution core

	taskProcessor, err := common.GetNewTaskProcessorInstance(
		"lifecycle-notifications", config.EventStream.NotificationBuffer, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return err
	}
	notifier, err := eventstream.GetLifecycleNotifier(taskProcessor)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle notifier")
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsObserver, err := eventstream.GetMetricsObserver(metricsRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics observer")
		return err
	}
	notifier.RegisterObserver(metricsObserver)
	notifier.RegisterObserver(eventstream.GetLoggingObserver())

	if err := taskProcessor.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start notification loop")
		return err
	}

	registry, err := eventstream.GetConnectionRegistry(
		config.EventStream.MaxConnections, notifier,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}
	dispatcher, err := eventstream.GetEventDispatcher(registry, notifier)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event dispatcher")
		return err
	}
	heartbeat, err := eventstream.GetHeartbeatScheduler(
		registry, config.EventStream.HeartbeatIntervalDur(), localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat scheduler")
		return err
	}
	reaper, err := eventstream.GetIdleReaper(
		registry, config.EventStream.InactivityTimeoutDur(), localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define idle reaper")
		return err
	}
	controller, err := eventstream.GetLifecycleController(registry, heartbeat, reaper)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle controller")
		return err
	}
	if err := controller.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start distribution core")
		return err
	}

	verifier, err := auth.GetTokenVerifier(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	streamHandler, err := apis.GetAPIRestEventStreamHandler(
		localCtxt, registry, verifier, &config.API.HTTPSetting, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream HTTP handler")
		return err
	}
	adminHandler, err := apis.GetAPIRestAdminHandler(
		dispatcher, controller, &config.API.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define admin HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.Endpoints.PathPrefix, nil)

	// Event stream subscription
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/events/stream", map[string]http.HandlerFunc{
			"get": streamHandler.StreamHandler(),
		},
	)

	// Event broadcast and visibility
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/broadcast", map[string]http.HandlerFunc{
			"post": adminHandler.BroadcastEventHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/stats", map[string]http.HandlerFunc{
			"get": adminHandler.GetStatsHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": adminHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": adminHandler.ReadyHandler(),
	})

	// Metrics
	promHandler := promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": promHandler.ServeHTTP,
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(adminHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.API.HTTPSetting.Server.ListenOn, config.API.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.API.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.API.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.API.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown, so the open streams unwind and
	// stop blocking the HTTP shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the distribution core
	if err := controller.Shutdown(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during core shutdown")
	}
	if err := taskProcessor.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping notification loop")
	}

	return nil
}

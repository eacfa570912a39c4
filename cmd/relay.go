// Copyright 2026 The classrelay Authors
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

	"github.com/alwitt/classrelay/apis"
	"github.com/alwitt/classrelay/broadcast"
	"github.com/alwitt/classrelay/common"
	"github.com/alwitt/classrelay/core"
	"github.com/alwitt/classrelay/producer"
	"github.com/alwitt/classrelay/registry"
	"github.com/alwitt/classrelay/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunRelayServer run the notification relay
//
// natsClient is nil when cross-instance fan-out is disabled.
func RunRelayServer(
	runTimeContext context.Context,
	config *common.RelayServerConfig,
	fanout common.FanoutConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay config")
		return err
	}

	// -------------------------------------------------------------------
	// Delivery core

	subscriptions := registry.NewRegistry(instance)
	router := broadcast.NewRouter(subscriptions, instance)

	local, err := producer.GetLocalEmitter(runTimeContext, router, config.Producer, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define local emitter")
		return err
	}
	if err := local.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start local emitter")
		return err
	}
	defer func() {
		if err := local.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Local emitter stop failure")
		}
	}()

	var emitter producer.Emitter = local
	var readiness apis.ReadinessCheck
	if natsClient != nil {
		receiver, err := producer.GetFanoutReceiver(
			runTimeContext,
			natsClient,
			fanout.SubjectPrefix,
			local,
			time.Millisecond*time.Duration(config.Producer.SubmitTimeout),
			instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define fan-out receiver")
			return err
		}
		if err := receiver.Subscribe(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start fan-out receiver")
			return err
		}
		emitter, err = producer.GetFanoutEmitter(natsClient, fanout.SubjectPrefix, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define fan-out emitter")
			return err
		}
		readiness = func() error {
			if !natsClient.Connected() {
				return fmt.Errorf("fan-out NATS client not connected")
			}
			return nil
		}
		log.WithFields(logTags).Infof("Fan-out enabled on '%s'", fanout.SubjectPrefix)
	} else {
		log.WithFields(logTags).Info("Fan-out disabled, delivering to local connections only")
	}

	sessions, err := session.GetManager(
		subscriptions,
		emitter,
		session.AllowAll{},
		session.ParamsFromConfig(config.WebSocket),
		wg,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}

	// -------------------------------------------------------------------
	// Periodic stats report

	statsTimer, err := common.GetIntervalTimerInstance(
		runTimeContext, wg, fmt.Sprintf("%s.stats", instance),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stats timer")
		return err
	}
	if err := statsTimer.Start(
		time.Second*time.Duration(config.StatsInterval),
		func() error {
			stats := subscriptions.Stats()
			log.WithFields(logTags).Infof(
				"Sessions %d, registered %d, courses %d, subscriptions %d",
				sessions.ActiveSessions(),
				stats.Connections,
				stats.Courses,
				stats.Subscriptions,
			)
			return nil
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start stats timer")
		return err
	}
	defer func() {
		if err := statsTimer.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Stats timer stop failure")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestRelayHandler(
		runTimeContext,
		subscriptions,
		emitter,
		sessions,
		&config.HTTPSetting,
		config.WebSocket,
		readiness,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	httpRouter := apis.BuildRelayRouter(httpHandler, config.Endpoints.PathPrefix)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(httpRouter, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Hijacked sockets are not tracked by the HTTP server
	sessions.DisconnectAll()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

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

// Package producer is the contract the rest of the system uses to emit course notifications.
package producer

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/classrelay/broadcast"
	"github.com/alwitt/classrelay/common"
	"github.com/apex/log"
)

// Emitter emit a notification to everyone currently following a course.
//
// Grading, announcement and assignment handlers call this after a successful write
// without knowing anything about connections. Emitting is fire-and-forget.
type Emitter interface {
	Emit(courseID uint64, kind common.NotificationKind, title, message string)
}

// LocalEmitter an Emitter delivering through the local broadcast router
type LocalEmitter interface {
	Emitter
	// Submit queue an already built notification for delivery
	Submit(ctxt context.Context, notification common.Notification) error
	// Start begin the delivery event loops
	Start(wg *sync.WaitGroup) error
	// Stop stop the delivery event loops
	Stop() error
}

// publishRequest one queued notification delivery
type publishRequest struct {
	notification common.Notification
}

// RoutingKey deliveries for one course always use the same worker
func (r publishRequest) RoutingKey() uint64 {
	return r.notification.CourseID
}

// localEmitterImpl implements LocalEmitter
type localEmitterImpl struct {
	common.Component
	ctxt          context.Context
	router        broadcast.Router
	tp            common.TaskProcessor
	submitTimeout time.Duration
}

// GetLocalEmitter define a new LocalEmitter
func GetLocalEmitter(
	ctxt context.Context,
	router broadcast.Router,
	config common.ProducerConfig,
	instance string,
) (LocalEmitter, error) {
	logTags := log.Fields{
		"module": "producer", "component": "local-emitter", "instance": instance,
	}
	tp, err := common.GetNewTaskDemuxProcessorInstance(
		ctxt, fmt.Sprintf("%s.emitter", instance), config.QueueDepth, config.Workers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery event loop")
		return nil, err
	}
	instanceObj := &localEmitterImpl{
		Component:     common.Component{LogTags: logTags},
		ctxt:          ctxt,
		router:        router,
		tp:            tp,
		submitTimeout: time.Millisecond * time.Duration(config.SubmitTimeout),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(publishRequest{}), instanceObj.processPublishRequest,
	); err != nil {
		return nil, err
	}
	return instanceObj, nil
}

// Emit emit a notification to a course
func (e *localEmitterImpl) Emit(
	courseID uint64, kind common.NotificationKind, title, message string,
) {
	notification := common.NewNotification(courseID, kind, title, message)
	useContext, cancel := context.WithTimeout(e.ctxt, e.submitTimeout)
	defer cancel()
	if err := e.Submit(useContext, notification); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Dropped %s", notification)
	}
}

// Submit queue an already built notification for delivery
func (e *localEmitterImpl) Submit(ctxt context.Context, notification common.Notification) error {
	return e.tp.Submit(ctxt, publishRequest{notification: notification})
}

func (e *localEmitterImpl) processPublishRequest(param interface{}) error {
	request, ok := param.(publishRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for publish", reflect.TypeOf(param))
	}
	_, err := e.router.Publish(e.ctxt, request.notification)
	return err
}

// Start begin the delivery event loops
func (e *localEmitterImpl) Start(wg *sync.WaitGroup) error {
	return e.tp.StartEventLoop(wg)
}

// Stop stop the delivery event loops
func (e *localEmitterImpl) Stop() error {
	return e.tp.StopEventLoop()
}

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

package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/classrelay/common"
	"github.com/alwitt/classrelay/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// courseSubject the NATS subject notifications of one course are exchanged on
func courseSubject(prefix string, courseID uint64) string {
	return fmt.Sprintf("%s.course.%d", prefix, courseID)
}

// allCoursesSubject the NATS wildcard subject covering every course
func allCoursesSubject(prefix string) string {
	return fmt.Sprintf("%s.course.*", prefix)
}

// ==============================================================================

// fanoutEmitterImpl implements Emitter by publishing to every relay instance through NATS
type fanoutEmitterImpl struct {
	common.Component
	nats          *core.NatsClient
	subjectPrefix string
}

// GetFanoutEmitter define an Emitter which reaches the subscribers of every relay instance
func GetFanoutEmitter(
	natsClient *core.NatsClient, subjectPrefix string, instance string,
) (Emitter, error) {
	if len(strings.TrimSpace(subjectPrefix)) == 0 {
		return nil, fmt.Errorf("fan-out subject prefix is empty")
	}
	logTags := log.Fields{
		"module": "producer", "component": "fanout-emitter", "instance": instance,
	}
	return &fanoutEmitterImpl{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Emit emit a notification to a course on every relay instance
func (e *fanoutEmitterImpl) Emit(
	courseID uint64, kind common.NotificationKind, title, message string,
) {
	notification := common.NewNotification(courseID, kind, title, message)
	subject := courseSubject(e.subjectPrefix, courseID)
	msg, err := json.Marshal(&notification)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Unable to serialize %s", notification)
		return
	}
	if err := e.nats.NATs().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Failed to send %s on %s", notification, subject,
		)
		return
	}
	log.WithFields(e.LogTags).Debugf("Sent %s on %s", notification, subject)
}

// ==============================================================================

// FanoutReceiver receives notifications emitted on any relay instance and
// delivers them to the local subscribers
type FanoutReceiver interface {
	// Subscribe start receiving notifications. Unsubscribes once the context ends.
	Subscribe(wg *sync.WaitGroup) error
}

// fanoutReceiverImpl implements FanoutReceiver
type fanoutReceiverImpl struct {
	common.Component
	ctxt          context.Context
	nats          *core.NatsClient
	subject       string
	local         LocalEmitter
	submitTimeout time.Duration
	lock          sync.Mutex
	subscription  *nats.Subscription
	validate      *validator.Validate
}

// GetFanoutReceiver define a FanoutReceiver feeding the local emitter
func GetFanoutReceiver(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subjectPrefix string,
	local LocalEmitter,
	submitTimeout time.Duration,
	instance string,
) (FanoutReceiver, error) {
	if len(strings.TrimSpace(subjectPrefix)) == 0 {
		return nil, fmt.Errorf("fan-out subject prefix is empty")
	}
	subject := allCoursesSubject(subjectPrefix)
	logTags := log.Fields{
		"module":    "producer",
		"component": "fanout-receiver",
		"instance":  instance,
		"subject":   subject,
	}
	return &fanoutReceiverImpl{
		Component:     common.Component{LogTags: logTags},
		ctxt:          ctxt,
		nats:          natsClient,
		subject:       subject,
		local:         local,
		submitTimeout: submitTimeout,
		validate:      validator.New(),
	}, nil
}

// Subscribe start receiving notifications
func (r *fanoutReceiverImpl) Subscribe(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.subscription != nil {
		return fmt.Errorf("already subscribed to %s", r.subject)
	}
	sub, err := r.nats.NATs().Subscribe(r.subject, r.processMessage)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", r.subject)
		return err
	}
	r.subscription = sub
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		log.WithFields(r.LogTags).Debugf("Unsubscribing from %s", r.subject)
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", r.subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", r.subject)
	}()
	return nil
}

func (r *fanoutReceiverImpl) processMessage(msg *nats.Msg) {
	var notification common.Notification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to read notification: %s", msg.Data,
		)
		return
	}
	if err := r.validate.Struct(&notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to validate notification: %s", msg.Data,
		)
		return
	}
	useContext, cancel := context.WithTimeout(r.ctxt, r.submitTimeout)
	defer cancel()
	if err := r.local.Submit(useContext, notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Dropped %s", notification)
		return
	}
	log.WithFields(r.LogTags).Debugf("Received %s on %s", notification, msg.Subject)
}

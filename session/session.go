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

// Package session manages the server side lifecycle of client socket connections.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/classrelay/common"
	"github.com/alwitt/classrelay/producer"
	"github.com/alwitt/classrelay/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrConnectionClosed the session is already disconnected
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull the session outbound queue is full
	ErrSendBufferFull = errors.New("connection send buffer full")
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classrelay_session_active",
		Help: "Number of connected client sessions",
	})
	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classrelay_session_inbound_messages_total",
		Help: "Inbound client messages by event and result",
	}, []string{"event", "result"})
)

// State session lifecycle state
type State int

const (
	// StateConnected accepted and registered, no course subscriptions
	StateConnected State = iota
	// StateSubscribed subscribed to at least one course
	StateSubscribed
	// StateDisconnected terminal
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Params session manager parameters
type Params struct {
	// Transport socket keepalive parameters
	Transport TransportParams
	// SendBufferSize depth of the per session outbound queue
	SendBufferSize int
	// AllowClientNotify whether clients may emit notifications over the socket
	AllowClientNotify bool
}

// ParamsFromConfig convert the socket config into session manager parameters
func ParamsFromConfig(config common.WebSocketConfig) Params {
	return Params{
		Transport: TransportParams{
			ReadLimit:    config.ReadLimit,
			WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
			PongWait:     time.Second * time.Duration(config.PongWait),
		},
		SendBufferSize:    config.SendBufferSize,
		AllowClientNotify: config.AllowClientNotify,
	}
}

// Session one live client connection
type Session interface {
	registry.Connection
	// Identity the user identity passed in by the session layer
	Identity() string
	// State current lifecycle state
	State() State
	// Courses the courses this session is subscribed to
	Courses() []uint64
	// Serve run the read loop until the connection ends. Disconnects on return.
	Serve(ctxt context.Context)
	// Disconnect end the session. Safe to call more than once.
	Disconnect()
}

// Manager accepts new client connections and tracks live sessions
type Manager interface {
	// Accept register a new connection and start its writer
	Accept(ctxt context.Context, transport Transport, identity string) (Session, error)
	// ActiveSessions number of live sessions
	ActiveSessions() int
	// DisconnectAll end every live session
	DisconnectAll()
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	subscriptions registry.Registry
	emitter       producer.Emitter
	authorizer    Authorizer
	params        Params
	validate      *validator.Validate
	wg            *sync.WaitGroup
	lock          sync.Mutex
	sessions      map[string]*sessionImpl
}

// GetManager define a new session manager
//
// Writer goroutines are tracked by wg.
func GetManager(
	subscriptions registry.Registry,
	emitter producer.Emitter,
	authorizer Authorizer,
	params Params,
	wg *sync.WaitGroup,
	instance string,
) (Manager, error) {
	if params.SendBufferSize < 1 {
		return nil, fmt.Errorf("session send buffer size must be positive")
	}
	if params.Transport.PingPeriod() <= 0 {
		return nil, fmt.Errorf("session pong wait is too short")
	}
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	logTags := log.Fields{
		"module": "session", "component": "manager", "instance": instance,
	}
	return &managerImpl{
		Component:     common.Component{LogTags: logTags},
		subscriptions: subscriptions,
		emitter:       emitter,
		authorizer:    authorizer,
		params:        params,
		validate:      validator.New(),
		wg:            wg,
		sessions:      make(map[string]*sessionImpl),
	}, nil
}

// Accept register a new connection and start its writer
func (m *managerImpl) Accept(
	ctxt context.Context, transport Transport, identity string,
) (Session, error) {
	if ctxt.Err() != nil {
		_ = transport.Abort()
		return nil, ctxt.Err()
	}
	connID := uuid.New().String()
	sessionCtxt, cancel := context.WithCancel(ctxt)
	instance := &sessionImpl{
		Component: common.Component{
			LogTags: m.CopyLogTags(log.Fields{
				"component": "session", "connection": connID, "identity": identity,
			}),
		},
		id:        connID,
		identity:  identity,
		manager:   m,
		transport: transport,
		ctxt:      sessionCtxt,
		cancel:    cancel,
		send:      make(chan []byte, m.params.SendBufferSize),
		state:     StateConnected,
		courses:   make(map[uint64]bool),
	}

	m.lock.Lock()
	m.sessions[connID] = instance
	m.lock.Unlock()
	m.subscriptions.Register(instance)
	activeSessions.Inc()

	m.wg.Add(1)
	go instance.writeLoop()

	log.WithFields(instance.LogTags).Info("Session connected")
	return instance, nil
}

// ActiveSessions number of live sessions
func (m *managerImpl) ActiveSessions() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}

// DisconnectAll end every live session
func (m *managerImpl) DisconnectAll() {
	m.lock.Lock()
	sessions := make([]*sessionImpl, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.lock.Unlock()
	for _, s := range sessions {
		s.Disconnect()
	}
}

func (m *managerImpl) forget(connID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.sessions, connID)
}

// ==============================================================================

// sessionImpl implements Session
type sessionImpl struct {
	common.Component
	id             string
	identity       string
	manager        *managerImpl
	transport      Transport
	ctxt           context.Context
	cancel         context.CancelFunc
	send           chan []byte
	lock           sync.Mutex
	state          State
	courses        map[uint64]bool
	disconnectOnce sync.Once
}

// ID connection ID
func (s *sessionImpl) ID() string {
	return s.id
}

// Identity the user identity passed in by the session layer
func (s *sessionImpl) Identity() string {
	return s.identity
}

// State current lifecycle state
func (s *sessionImpl) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Courses the courses this session is subscribed to
func (s *sessionImpl) Courses() []uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]uint64, 0, len(s.courses))
	for courseID := range s.courses {
		result = append(result, courseID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Push queue a notification for delivery without blocking
func (s *sessionImpl) Push(notification common.Notification) error {
	msg, err := common.EncodeEnvelope(common.EventNotification, &notification)
	if err != nil {
		return err
	}
	return s.enqueue(msg)
}

func (s *sessionImpl) enqueue(msg []byte) error {
	if s.ctxt.Err() != nil {
		return ErrConnectionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *sessionImpl) reply(event string, payload interface{}) {
	msg, err := common.EncodeEnvelope(event, payload)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serialize '%s' reply", event)
		return
	}
	if err := s.enqueue(msg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf("Unable to queue '%s' reply", event)
	}
}

func (s *sessionImpl) replyError(format string, args ...interface{}) {
	s.reply(common.EventError, &common.ErrorResponse{Message: fmt.Sprintf(format, args...)})
}

// Disconnect end the session
func (s *sessionImpl) Disconnect() {
	s.disconnectOnce.Do(func() {
		s.manager.subscriptions.Unregister(s.id)
		s.lock.Lock()
		s.state = StateDisconnected
		s.courses = make(map[uint64]bool)
		s.lock.Unlock()
		s.cancel()
		if err := s.transport.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Transport close reported error")
		}
		s.manager.forget(s.id)
		activeSessions.Dec()
		log.WithFields(s.LogTags).Info("Session disconnected")
	})
}

// writeLoop the single writer of the transport
func (s *sessionImpl) writeLoop() {
	defer s.manager.wg.Done()
	ticker := time.NewTicker(s.manager.params.Transport.PingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-s.ctxt.Done():
			// Covers parent context cancel at server shutdown
			s.Disconnect()
			return
		case msg := <-s.send:
			if err := s.transport.WriteMessage(msg); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to write to client")
				_ = s.transport.Close()
				return
			}
		case <-ticker.C:
			if err := s.transport.Ping(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to ping client")
				_ = s.transport.Close()
				return
			}
		}
	}
}

// Serve run the read loop until the connection ends
func (s *sessionImpl) Serve(ctxt context.Context) {
	defer s.Disconnect()
	for {
		raw, err := s.transport.ReadMessage()
		if err != nil {
			if s.ctxt.Err() == nil {
				log.WithError(err).WithFields(s.LogTags).Debug("Read loop ended")
			}
			return
		}
		if ctxt.Err() != nil {
			return
		}
		s.handleMessage(ctxt, raw)
	}
}

func (s *sessionImpl) handleMessage(ctxt context.Context, raw []byte) {
	var env common.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		inboundMessages.WithLabelValues("unknown", "malformed").Inc()
		log.WithError(err).WithFields(s.LogTags).Debug("Malformed inbound message")
		s.replyError("malformed message")
		return
	}
	if err := s.manager.validate.Struct(&env); err != nil {
		inboundMessages.WithLabelValues("unknown", "malformed").Inc()
		s.replyError("message is missing its event")
		return
	}

	var result string
	switch env.Event {
	case common.EventSubscribe:
		result = s.handleSubscribe(ctxt, env)
	case common.EventUnsubscribe:
		result = s.handleUnsubscribe(env)
	case common.EventNotify:
		result = s.handleNotify(ctxt, env)
	default:
		inboundMessages.WithLabelValues("unknown", "unsupported").Inc()
		s.replyError("unsupported event '%s'", env.Event)
		return
	}
	inboundMessages.WithLabelValues(env.Event, result).Inc()
}

func (s *sessionImpl) handleSubscribe(ctxt context.Context, env common.Envelope) string {
	var request common.SubscribeRequest
	if err := common.DecodeEnvelopeData(env, &request, s.manager.validate); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Invalid subscribe request")
		s.replyError("invalid subscribe request: %s", err.Error())
		return "invalid"
	}
	logTags := s.CopyLogTags(log.Fields{"course": request.CourseID})
	if err := s.manager.authorizer.AuthorizeSubscribe(
		ctxt, s.identity, request.CourseID,
	); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Subscribe rejected")
		s.replyError("not allowed to subscribe to course %d", request.CourseID)
		return "rejected"
	}
	if err := s.manager.subscriptions.Subscribe(s.id, request.CourseID); err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			log.WithError(err).WithFields(logTags).Debug("Subscribe for departed connection")
		} else {
			log.WithError(err).WithFields(logTags).Error("Subscribe failed")
		}
		return "failed"
	}
	s.lock.Lock()
	if s.state != StateDisconnected {
		s.state = StateSubscribed
		s.courses[request.CourseID] = true
	}
	s.lock.Unlock()
	log.WithFields(logTags).Info("Subscribed")
	s.reply(common.EventSubscribed, &common.SubscribedResponse{
		CourseID: request.CourseID,
		Message:  fmt.Sprintf("Subscribed to course %d", request.CourseID),
	})
	return "ok"
}

func (s *sessionImpl) handleUnsubscribe(env common.Envelope) string {
	var request common.SubscribeRequest
	if err := common.DecodeEnvelopeData(env, &request, s.manager.validate); err != nil {
		s.replyError("invalid unsubscribe request: %s", err.Error())
		return "invalid"
	}
	logTags := s.CopyLogTags(log.Fields{"course": request.CourseID})
	if err := s.manager.subscriptions.Unsubscribe(s.id, request.CourseID); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Unsubscribe for departed connection")
		return "failed"
	}
	s.lock.Lock()
	delete(s.courses, request.CourseID)
	if s.state == StateSubscribed && len(s.courses) == 0 {
		s.state = StateConnected
	}
	s.lock.Unlock()
	log.WithFields(logTags).Info("Unsubscribed")
	return "ok"
}

func (s *sessionImpl) handleNotify(ctxt context.Context, env common.Envelope) string {
	if !s.manager.params.AllowClientNotify {
		s.replyError("notify over the socket is disabled")
		return "rejected"
	}
	var request common.NotifyRequest
	if err := common.DecodeEnvelopeData(env, &request, s.manager.validate); err != nil {
		s.replyError("invalid notify request: %s", err.Error())
		return "invalid"
	}
	logTags := s.CopyLogTags(log.Fields{"course": request.CourseID})
	if err := s.manager.authorizer.AuthorizeNotify(
		ctxt, s.identity, request.CourseID,
	); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Notify rejected")
		s.replyError("not allowed to notify course %d", request.CourseID)
		return "rejected"
	}
	s.manager.emitter.Emit(request.CourseID, request.Kind, request.Title, request.Message)
	log.WithFields(logTags).Debugf("Emitted '%s' notification", request.Kind)
	return "ok"
}

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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/classrelay/common"
	"github.com/alwitt/classrelay/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type fakeTransport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeGate chan struct{}
	lock      sync.Mutex
	written   []common.Envelope
	aborted   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.closed:
		return nil, fmt.Errorf("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(msg []byte) error {
	if t.writeGate != nil {
		select {
		case <-t.writeGate:
		case <-t.closed:
		}
	}
	select {
	case <-t.closed:
		return fmt.Errorf("transport closed")
	default:
	}
	var env common.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.written = append(t.written, env)
	return nil
}

func (t *fakeTransport) Ping() error {
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) Abort() error {
	t.lock.Lock()
	t.aborted = true
	t.lock.Unlock()
	return t.Close()
}

func (t *fakeTransport) Aborted() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.aborted
}

func (t *fakeTransport) send(event string, payload interface{}) {
	msg, _ := common.EncodeEnvelope(event, payload)
	t.inbound <- msg
}

func (t *fakeTransport) Written() []common.Envelope {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := make([]common.Envelope, len(t.written))
	copy(result, t.written)
	return result
}

func (t *fakeTransport) WrittenEvents(event string) []common.Envelope {
	result := []common.Envelope{}
	for _, env := range t.Written() {
		if env.Event == event {
			result = append(result, env)
		}
	}
	return result
}

type emitCall struct {
	courseID uint64
	kind     common.NotificationKind
	title    string
	message  string
}

type recordingEmitter struct {
	lock  sync.Mutex
	calls []emitCall
}

func (e *recordingEmitter) Emit(
	courseID uint64, kind common.NotificationKind, title, message string,
) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.calls = append(e.calls, emitCall{
		courseID: courseID, kind: kind, title: title, message: message,
	})
}

func (e *recordingEmitter) Calls() []emitCall {
	e.lock.Lock()
	defer e.lock.Unlock()
	result := make([]emitCall, len(e.calls))
	copy(result, e.calls)
	return result
}

type denyCourse struct {
	courseID uint64
}

func (d denyCourse) AuthorizeSubscribe(_ context.Context, _ string, courseID uint64) error {
	if courseID == d.courseID {
		return fmt.Errorf("course %d is restricted", courseID)
	}
	return nil
}

func (d denyCourse) AuthorizeNotify(_ context.Context, identity string, _ uint64) error {
	if identity != "instructor" {
		return fmt.Errorf("%s may not notify", identity)
	}
	return nil
}

func testParams() Params {
	return Params{
		Transport: TransportParams{
			ReadLimit: 4096, WriteTimeout: time.Second, PongWait: time.Second * 10,
		},
		SendBufferSize:    8,
		AllowClientNotify: true,
	}
}

func TestSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	subscriptions := registry.NewRegistry("testing")
	emitter := &recordingEmitter{}
	uut, err := GetManager(subscriptions, emitter, nil, testParams(), &wg, "testing")
	assert.Nil(err)

	transport := newFakeTransport()
	session, err := uut.Accept(utCtxt, transport, "student")
	assert.Nil(err)
	assert.Equal(StateConnected, session.State())
	assert.Equal("student", session.Identity())
	assert.Equal(1, uut.ActiveSessions())
	assert.Equal(1, subscriptions.Stats().Connections)

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		session.Serve(utCtxt)
	}()

	// Case 0: subscribe is acknowledged to this connection
	{
		transport.send(common.EventSubscribe, &common.SubscribeRequest{CourseID: 7})
		assert.Eventually(func() bool {
			return len(transport.WrittenEvents(common.EventSubscribed)) == 1
		}, time.Second, time.Millisecond*10)
		var ack common.SubscribedResponse
		assert.Nil(json.Unmarshal(transport.WrittenEvents(common.EventSubscribed)[0].Data, &ack))
		assert.Equal(uint64(7), ack.CourseID)
		assert.Equal("Subscribed to course 7", ack.Message)
		assert.Equal(StateSubscribed, session.State())
		assert.Equal([]uint64{7}, session.Courses())
		assert.Equal([]string{session.ID()}, subscriptions.MembersOf(7))
	}

	// Case 1: pushed notifications are written out
	{
		assert.Nil(session.Push(common.NewNotification(7, common.KindGrade, "Graded", "Quiz 1")))
		assert.Eventually(func() bool {
			return len(transport.WrittenEvents(common.EventNotification)) == 1
		}, time.Second, time.Millisecond*10)
		var received common.Notification
		assert.Nil(json.Unmarshal(
			transport.WrittenEvents(common.EventNotification)[0].Data, &received,
		))
		assert.Equal("Graded", received.Title)
		assert.Equal(uint64(7), received.CourseID)
	}

	// Case 2: bad messages get an error reply and the connection stays open
	{
		transport.inbound <- []byte("{not json")
		transport.send("dance", &common.SubscribeRequest{CourseID: 7})
		transport.send(common.EventSubscribe, &common.SubscribeRequest{CourseID: 0})
		transport.inbound <- []byte(`{"event":"subscribe"}`)
		assert.Eventually(func() bool {
			return len(transport.WrittenEvents(common.EventError)) == 4
		}, time.Second, time.Millisecond*10)
		assert.Equal(StateSubscribed, session.State())
	}

	// Case 3: notify goes to the emitter
	{
		transport.send(common.EventNotify, &common.NotifyRequest{
			CourseID: 7, Kind: common.KindAnnouncement, Title: "Exam", Message: "Friday",
		})
		assert.Eventually(func() bool {
			return len(emitter.Calls()) == 1
		}, time.Second, time.Millisecond*10)
		assert.Equal(emitCall{
			courseID: 7, kind: common.KindAnnouncement, title: "Exam", message: "Friday",
		}, emitter.Calls()[0])
	}

	// Case 4: unsubscribe
	{
		transport.send(common.EventUnsubscribe, &common.SubscribeRequest{CourseID: 7})
		assert.Eventually(func() bool {
			return len(subscriptions.MembersOf(7)) == 0
		}, time.Second, time.Millisecond*10)
		assert.Eventually(func() bool {
			return session.State() == StateConnected
		}, time.Second, time.Millisecond*10)
		assert.Empty(session.Courses())
	}

	// Case 5: client drop disconnects and unregisters
	{
		transport.send(common.EventSubscribe, &common.SubscribeRequest{CourseID: 9})
		assert.Eventually(func() bool {
			return len(subscriptions.MembersOf(9)) == 1
		}, time.Second, time.Millisecond*10)
		assert.Nil(transport.Close())
		select {
		case <-serveDone:
		case <-time.After(time.Second):
			assert.Fail("read loop did not end")
		}
		assert.Equal(StateDisconnected, session.State())
		assert.Empty(subscriptions.MembersOf(9))
		assert.Equal(0, subscriptions.Stats().Connections)
		assert.Equal(0, uut.ActiveSessions())
		assert.Equal(ErrConnectionClosed, session.Push(
			common.NewNotification(9, common.KindInfo, "late", "message"),
		))
		// Repeated disconnect is harmless
		session.Disconnect()
	}
}

func TestSessionAuthorization(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	subscriptions := registry.NewRegistry("testing")
	emitter := &recordingEmitter{}
	uut, err := GetManager(
		subscriptions, emitter, denyCourse{courseID: 13}, testParams(), &wg, "testing",
	)
	assert.Nil(err)

	transport := newFakeTransport()
	session, err := uut.Accept(utCtxt, transport, "student")
	assert.Nil(err)
	go session.Serve(utCtxt)
	defer session.Disconnect()

	// Case 0: restricted course
	{
		transport.send(common.EventSubscribe, &common.SubscribeRequest{CourseID: 13})
		assert.Eventually(func() bool {
			return len(transport.WrittenEvents(common.EventError)) == 1
		}, time.Second, time.Millisecond*10)
		assert.Empty(subscriptions.MembersOf(13))
		assert.Equal(StateConnected, session.State())
	}

	// Case 1: students may not notify
	{
		transport.send(common.EventNotify, &common.NotifyRequest{
			CourseID: 3, Kind: common.KindGrade, Title: "A+", Message: "for everyone",
		})
		assert.Eventually(func() bool {
			return len(transport.WrittenEvents(common.EventError)) == 2
		}, time.Second, time.Millisecond*10)
		assert.Empty(emitter.Calls())
	}

	// Case 2: other courses are fine
	{
		transport.send(common.EventSubscribe, &common.SubscribeRequest{CourseID: 3})
		assert.Eventually(func() bool {
			return len(transport.WrittenEvents(common.EventSubscribed)) == 1
		}, time.Second, time.Millisecond*10)
	}
}

func TestSessionClientNotifyDisabled(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	params := testParams()
	params.AllowClientNotify = false
	emitter := &recordingEmitter{}
	uut, err := GetManager(registry.NewRegistry("testing"), emitter, nil, params, &wg, "testing")
	assert.Nil(err)

	transport := newFakeTransport()
	session, err := uut.Accept(utCtxt, transport, "instructor")
	assert.Nil(err)
	go session.Serve(utCtxt)
	defer session.Disconnect()

	transport.send(common.EventNotify, &common.NotifyRequest{
		CourseID: 3, Kind: common.KindGrade, Title: "Graded", Message: "Quiz 2",
	})
	assert.Eventually(func() bool {
		return len(transport.WrittenEvents(common.EventError)) == 1
	}, time.Second, time.Millisecond*10)
	assert.Empty(emitter.Calls())
}

func TestSessionSendBufferFull(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	params := testParams()
	params.SendBufferSize = 1
	uut, err := GetManager(
		registry.NewRegistry("testing"), &recordingEmitter{}, nil, params, &wg, "testing",
	)
	assert.Nil(err)

	transport := newFakeTransport()
	transport.writeGate = make(chan struct{})
	session, err := uut.Accept(utCtxt, transport, "")
	assert.Nil(err)
	defer session.Disconnect()

	// The writer holds at most one message and the queue one more
	notification := common.NewNotification(1, common.KindInfo, "slow", "client")
	var lastErr error
	for itr := 0; itr < 3; itr++ {
		lastErr = session.Push(notification)
	}
	assert.Equal(ErrSendBufferFull, lastErr)
	// A slow client does not get disconnected by a full buffer
	assert.Equal(StateConnected, session.State())
	close(transport.writeGate)
	assert.Eventually(func() bool {
		return len(transport.WrittenEvents(common.EventNotification)) >= 1
	}, time.Second, time.Millisecond*10)
}

func TestManagerShutdown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	subscriptions := registry.NewRegistry("testing")
	uut, err := GetManager(subscriptions, &recordingEmitter{}, nil, testParams(), &wg, "testing")
	assert.Nil(err)

	// Case 0: DisconnectAll
	{
		transports := []*fakeTransport{}
		for itr := 0; itr < 3; itr++ {
			transport := newFakeTransport()
			session, err := uut.Accept(utCtxt, transport, "")
			assert.Nil(err)
			go session.Serve(utCtxt)
			transports = append(transports, transport)
		}
		assert.Equal(3, uut.ActiveSessions())
		uut.DisconnectAll()
		assert.Equal(0, uut.ActiveSessions())
		assert.Equal(0, subscriptions.Stats().Connections)
		for _, transport := range transports {
			_, err := transport.ReadMessage()
			assert.NotNil(err)
		}
	}

	// Case 1: parent context cancel
	{
		sessionCtxt, sessionCancel := context.WithCancel(utCtxt)
		session, err := uut.Accept(sessionCtxt, newFakeTransport(), "")
		assert.Nil(err)
		sessionCancel()
		assert.Eventually(func() bool {
			return session.State() == StateDisconnected
		}, time.Second, time.Millisecond*10)
		assert.Equal(0, uut.ActiveSessions())

		// A late arrival is turned away with a restart close, not a normal close
		late := newFakeTransport()
		_, err = uut.Accept(sessionCtxt, late, "")
		assert.NotNil(err)
		assert.True(late.Aborted())
		_, err = late.ReadMessage()
		assert.NotNil(err)
		assert.Equal(0, uut.ActiveSessions())
	}

	// Case 2: invalid parameters
	{
		params := testParams()
		params.SendBufferSize = 0
		_, err := GetManager(subscriptions, &recordingEmitter{}, nil, params, &wg, "testing")
		assert.NotNil(err)
	}
}

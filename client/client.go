// Package client is the relay subscriber with automatic reconnect and resubscribe.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/classrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrNotOnline the client has no live connection
var ErrNotOnline = errors.New("client is not online")

// State client connection state
type State int

const (
	// StateIdle not started
	StateIdle State = iota
	// StateConnecting dialing the relay
	StateConnecting
	// StateOnline connected
	StateOnline
	// StateReconnecting waiting to retry after a failure
	StateReconnecting
	// StateOffline gave up after exhausting the reconnect attempts
	StateOffline
	// StateClosed terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOnline:
		return "ONLINE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateOffline:
		return "OFFLINE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Params client reconnect parameters
type Params struct {
	// MaxReconnectAttempts retries after a failure before going offline
	MaxReconnectAttempts int
	// ReconnectDelay fixed wait before each retry
	ReconnectDelay time.Duration
	// InboxSize max notifications kept in the inbox
	InboxSize int
}

// ParamsFromConfig convert the client config into client parameters
func ParamsFromConfig(config common.ClientConfig) Params {
	return Params{
		MaxReconnectAttempts: config.MaxReconnectAttempts,
		ReconnectDelay:       time.Millisecond * time.Duration(config.ReconnectDelay),
		InboxSize:            config.InboxSize,
	}
}

// Callbacks client event handlers. Any may be nil. They are called from the
// client lifecycle goroutine and must not call Close.
type Callbacks struct {
	// OnNotification a notification arrived
	OnNotification func(notification common.Notification)
	// OnSubscribed the relay acknowledged a subscribe
	OnSubscribed func(ack common.SubscribedResponse)
	// OnError the relay rejected a message
	OnError func(resp common.ErrorResponse)
	// OnStateChange the connection state changed
	OnStateChange func(state State)
}

// Client a relay subscriber
type Client interface {
	// State current connection state
	State() State
	// CourseID current target course, 0 if none
	CourseID() uint64
	// SetCourse change the target course. Subscribes at once when online.
	SetCourse(courseID uint64) error
	// Notify ask the relay to emit a notification to a course
	Notify(courseID uint64, kind common.NotificationKind, title, message string) error
	// Reconnect restart the connection cycle after going offline
	Reconnect() error
	// Inbox the received notifications
	Inbox() *Inbox
	// Close tear down the connection. No callback fires after it returns.
	Close()
}

// clientImpl implements Client
type clientImpl struct {
	common.Component
	ctxt      context.Context
	cancel    context.CancelFunc
	dialer    Dialer
	params    Params
	callbacks Callbacks
	inbox     *Inbox
	validate  *validator.Validate
	wg        sync.WaitGroup
	lock      sync.Mutex
	state     State
	courseID  uint64
	conn      Conn
	running   bool
	writeLock sync.Mutex
	// subLock orders course changes against the subscribe sent on connect
	subLock   sync.Mutex
}

// NewClient define a new client and start connecting. courseID 0 means no
// target course yet.
func NewClient(
	ctxt context.Context,
	dialer Dialer,
	params Params,
	callbacks Callbacks,
	courseID uint64,
	instance string,
) (Client, error) {
	if params.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts can not be negative")
	}
	if params.ReconnectDelay <= 0 {
		return nil, fmt.Errorf("reconnect delay must be positive")
	}
	logTags := log.Fields{
		"module": "client", "component": "subscriber", "instance": instance,
	}
	clientCtxt, cancel := context.WithCancel(ctxt)
	instanceObj := &clientImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      clientCtxt,
		cancel:    cancel,
		dialer:    dialer,
		params:    params,
		callbacks: callbacks,
		inbox:     NewInbox(params.InboxSize),
		validate:  validator.New(),
		state:     StateIdle,
		courseID:  courseID,
	}
	instanceObj.running = true
	instanceObj.setState(StateConnecting)
	instanceObj.wg.Add(1)
	go instanceObj.lifecycle()
	return instanceObj, nil
}

// State current connection state
func (c *clientImpl) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// CourseID current target course
func (c *clientImpl) CourseID() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.courseID
}

// Inbox the received notifications
func (c *clientImpl) Inbox() *Inbox {
	return c.inbox
}

func (c *clientImpl) setState(state State) {
	c.lock.Lock()
	if c.ctxt.Err() != nil || c.state == state {
		c.lock.Unlock()
		return
	}
	previous := c.state
	c.state = state
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof("%s -> %s", previous, state)
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(state)
	}
}

// lifecycle connect, then keep the connection alive until closed or offline
//
// A dial that fails, or a connection that ends before the relay sent anything,
// uses up one reconnect attempt. The attempt count resets once a connection
// carries traffic. A relay close gets one immediate redial instead of the retry
// delay, unless that redial was itself closed before any traffic.
func (c *clientImpl) lifecycle() {
	defer c.wg.Done()
	attempts := 0
	immediate := true
	redialed := false
	for c.ctxt.Err() == nil {
		if immediate {
			c.setState(StateConnecting)
		} else {
			if attempts >= c.params.MaxReconnectAttempts {
				break
			}
			attempts++
			c.setState(StateReconnecting)
			if !c.waitReconnectDelay() {
				break
			}
		}
		conn, err := c.dialer.Dial(c.ctxt)
		if err != nil {
			if c.ctxt.Err() != nil {
				break
			}
			if attempts == 0 {
				log.WithError(err).WithFields(c.LogTags).Warn("Failed to connect to relay")
			} else {
				log.WithError(err).WithFields(c.LogTags).Warnf(
					"Reconnect attempt %d of %d failed", attempts, c.params.MaxReconnectAttempts,
				)
			}
			immediate = false
			redialed = false
			continue
		}
		received, err := c.serveConnection(conn)
		if c.ctxt.Err() != nil {
			break
		}
		if received {
			attempts = 0
		}
		serverClosed := errors.Is(err, ErrServerClosed)
		if serverClosed && (received || (attempts == 0 && !redialed)) {
			log.WithError(err).WithFields(c.LogTags).Info("Relay closed the connection")
			immediate = true
			redialed = true
		} else {
			log.WithError(err).WithFields(c.LogTags).Warn("Connection dropped")
			immediate = false
			redialed = false
		}
	}
	c.lock.Lock()
	c.running = false
	c.lock.Unlock()
	if c.ctxt.Err() == nil {
		log.WithFields(c.LogTags).Errorf(
			"Unable to reach relay after %d attempts", c.params.MaxReconnectAttempts,
		)
		c.setState(StateOffline)
	}
}

// waitReconnectDelay returns false if the client closed during the wait
func (c *clientImpl) waitReconnectDelay() bool {
	timer := time.NewTimer(c.params.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-c.ctxt.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serveConnection go online on a fresh connection and read until it fails.
// Reports whether anything arrived from the relay.
func (c *clientImpl) serveConnection(conn Conn) (bool, error) {
	c.lock.Lock()
	if c.ctxt.Err() != nil {
		c.lock.Unlock()
		_ = conn.Close()
		return false, c.ctxt.Err()
	}
	c.conn = conn
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		c.conn = nil
		c.lock.Unlock()
		_ = conn.Close()
	}()

	c.setState(StateOnline)
	// Subscriptions do not survive a reconnect
	c.resubscribe()

	received := false
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received = true
		if c.ctxt.Err() != nil {
			return received, c.ctxt.Err()
		}
		c.handleMessage(raw)
	}
}

// resubscribe subscribe the fresh connection to the current course
func (c *clientImpl) resubscribe() {
	c.subLock.Lock()
	defer c.subLock.Unlock()
	courseID := c.CourseID()
	if courseID == 0 {
		return
	}
	if err := c.send(common.EventSubscribe, &common.SubscribeRequest{CourseID: courseID}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to subscribe to course %d", courseID)
	}
}

func (c *clientImpl) handleMessage(raw []byte) {
	var env common.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Malformed message from relay: %s", raw)
		return
	}
	switch env.Event {
	case common.EventNotification:
		var notification common.Notification
		if err := common.DecodeEnvelopeData(env, &notification, c.validate); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Invalid notification: %s", env.Data)
			return
		}
		c.inbox.Add(notification)
		log.WithFields(c.LogTags).Debugf("Received %s", notification)
		if c.callbacks.OnNotification != nil {
			c.callbacks.OnNotification(notification)
		}
	case common.EventSubscribed:
		var ack common.SubscribedResponse
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Invalid subscribe ack: %s", env.Data)
			return
		}
		log.WithFields(c.LogTags).Info(ack.Message)
		if c.callbacks.OnSubscribed != nil {
			c.callbacks.OnSubscribed(ack)
		}
	case common.EventError:
		var resp common.ErrorResponse
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Invalid error reply: %s", env.Data)
			return
		}
		log.WithFields(c.LogTags).Warnf("Relay rejected message: %s", resp.Message)
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(resp)
		}
	default:
		log.WithFields(c.LogTags).Debugf("Ignoring unknown event '%s'", env.Event)
	}
}

func (c *clientImpl) send(event string, payload interface{}) error {
	msg, err := common.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return ErrNotOnline
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return conn.WriteMessage(msg)
}

// SetCourse change the target course
func (c *clientImpl) SetCourse(courseID uint64) error {
	c.subLock.Lock()
	defer c.subLock.Unlock()
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return fmt.Errorf("client is closed")
	}
	previous := c.courseID
	c.courseID = courseID
	online := c.conn != nil
	c.lock.Unlock()
	if !online || previous == courseID {
		return nil
	}
	if previous != 0 {
		if err := c.send(
			common.EventUnsubscribe, &common.SubscribeRequest{CourseID: previous},
		); err != nil {
			return err
		}
	}
	if courseID == 0 {
		return nil
	}
	return c.send(common.EventSubscribe, &common.SubscribeRequest{CourseID: courseID})
}

// Notify ask the relay to emit a notification to a course
func (c *clientImpl) Notify(
	courseID uint64, kind common.NotificationKind, title, message string,
) error {
	request := common.NotifyRequest{
		CourseID: courseID, Kind: kind, Title: title, Message: message,
	}
	if err := c.validate.Struct(&request); err != nil {
		return err
	}
	return c.send(common.EventNotify, &request)
}

// Reconnect restart the connection cycle after going offline
func (c *clientImpl) Reconnect() error {
	c.lock.Lock()
	if c.state == StateClosed || c.ctxt.Err() != nil {
		c.lock.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state != StateOffline || c.running {
		state := c.state
		c.lock.Unlock()
		return fmt.Errorf("client is %s, not %s", state, StateOffline)
	}
	c.running = true
	c.wg.Add(1)
	c.lock.Unlock()
	c.setState(StateConnecting)
	go c.lifecycle()
	return nil
}

// Close tear down the connection
func (c *clientImpl) Close() {
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return
	}
	// Cancel under the lock so a concurrent Reconnect can not start a new cycle
	c.cancel()
	conn := c.conn
	c.lock.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.lock.Lock()
	c.state = StateClosed
	c.lock.Unlock()
	log.WithFields(c.LogTags).Info("Client closed")
}

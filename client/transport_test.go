package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// socketRelay a bare websocket endpoint that runs handle on every accepted connection
type socketRelay struct {
	server   *httptest.Server
	lock     sync.Mutex
	accepted int
	release  chan struct{}
}

func newSocketRelay(handle func(conn *websocket.Conn, release <-chan struct{})) *socketRelay {
	relay := &socketRelay{release: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	relay.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		relay.lock.Lock()
		relay.accepted++
		relay.lock.Unlock()
		handle(conn, relay.release)
	}))
	return relay
}

func (r *socketRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *socketRelay) Accepted() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.accepted
}

func (r *socketRelay) stop() {
	close(r.release)
	r.server.Close()
}

func TestWebSocketClientRelayKeepsClosing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	relay := newSocketRelay(func(conn *websocket.Conn, _ <-chan struct{}) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
	})
	defer relay.stop()

	uut, err := NewClient(
		context.Background(),
		NewWebSocketDialer(relay.URL(), nil, time.Second, time.Second*5),
		Params{MaxReconnectAttempts: 3, ReconnectDelay: time.Millisecond * 100, InboxSize: 5},
		Callbacks{},
		7,
		"testing",
	)
	assert.Nil(err)
	defer uut.Close()

	assert.Eventually(func() bool {
		return uut.State() == StateOffline
	}, time.Second*3, time.Millisecond*10)
	time.Sleep(time.Millisecond * 200)
	assert.LessOrEqual(relay.Accepted(), 5)
	assert.GreaterOrEqual(relay.Accepted(), 2)
}

func TestWebSocketClientSilentRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Accept, then neither read, write nor close
	relay := newSocketRelay(func(conn *websocket.Conn, release <-chan struct{}) {
		<-release
	})
	defer relay.stop()

	recorder := &stateRecorder{}
	uut, err := NewClient(
		context.Background(),
		NewWebSocketDialer(relay.URL(), nil, time.Second, time.Millisecond*200),
		Params{MaxReconnectAttempts: 1, ReconnectDelay: time.Millisecond * 20, InboxSize: 5},
		Callbacks{OnStateChange: recorder.record},
		7,
		"testing",
	)
	assert.Nil(err)
	defer uut.Close()

	assert.Eventually(func() bool {
		return uut.State() == StateOffline
	}, time.Second*3, time.Millisecond*10)
	assert.Equal(
		[]State{StateConnecting, StateOnline, StateReconnecting, StateOnline, StateOffline},
		recorder.States(),
	)
	assert.Equal(2, relay.Accepted())
}

func TestWebSocketClientPingsKeepAlive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	relay := newSocketRelay(func(conn *websocket.Conn, release <-chan struct{}) {
		// Pongs are only processed by a reader
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		ticker := time.NewTicker(time.Millisecond * 50)
		defer ticker.Stop()
		for {
			select {
			case <-release:
				return
			case <-ticker.C:
				if err := conn.WriteControl(
					websocket.PingMessage, nil, time.Now().Add(time.Second),
				); err != nil {
					return
				}
			}
		}
	})
	defer relay.stop()

	uut, err := NewClient(
		context.Background(),
		NewWebSocketDialer(relay.URL(), nil, time.Second, time.Millisecond*200),
		Params{MaxReconnectAttempts: 1, ReconnectDelay: time.Millisecond * 20, InboxSize: 5},
		Callbacks{},
		7,
		"testing",
	)
	assert.Nil(err)
	defer uut.Close()

	assert.Eventually(func() bool {
		return uut.State() == StateOnline
	}, time.Second, time.Millisecond*10)
	time.Sleep(time.Millisecond * 600)
	assert.Equal(StateOnline, uut.State())
	assert.Equal(1, relay.Accepted())
}

package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// Transport the socket operations a session needs.
//
// ReadMessage is only ever called by the session reader, WriteMessage and Ping
// only by the session writer. Close may be called from anywhere.
type Transport interface {
	// ReadMessage block until the next inbound message
	ReadMessage() ([]byte, error)
	// WriteMessage write one outbound message
	WriteMessage(msg []byte) error
	// Ping send a keepalive ping
	Ping() error
	// Close close the transport, telling the peer the server closed it
	Close() error
	// Abort close the transport, telling the peer the server is restarting
	// and it should reconnect after its usual delay
	Abort() error
}

// TransportParams socket keepalive parameters
type TransportParams struct {
	// ReadLimit max inbound message size in bytes
	ReadLimit int64
	// WriteTimeout deadline for each write
	WriteTimeout time.Duration
	// PongWait the connection is dead if no pong arrives within this duration
	PongWait time.Duration
}

// PingPeriod how often pings are sent, must be less than PongWait
func (p TransportParams) PingPeriod() time.Duration {
	return (p.PongWait * 9) / 10
}

// webSocketTransport implements Transport over a gorilla websocket
type webSocketTransport struct {
	conn   *websocket.Conn
	params TransportParams
}

// NewWebSocketTransport wrap an upgraded websocket connection
func NewWebSocketTransport(conn *websocket.Conn, params TransportParams) Transport {
	conn.SetReadLimit(params.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(params.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(params.PongWait))
	})
	return &webSocketTransport{conn: conn, params: params}
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, msg, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			// Any inbound traffic proves the peer is alive
			_ = t.conn.SetReadDeadline(time.Now().Add(t.params.PongWait))
			return msg, nil
		}
	}
}

func (t *webSocketTransport) WriteMessage(msg []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.params.WriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *webSocketTransport) Ping() error {
	return t.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(t.params.WriteTimeout),
	)
}

func (t *webSocketTransport) Close() error {
	// Best effort close frame so the client knows the server closed the session
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
		time.Now().Add(t.params.WriteTimeout),
	)
	return t.conn.Close()
}

func (t *webSocketTransport) Abort() error {
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseServiceRestart, "relay shutting down"),
		time.Now().Add(t.params.WriteTimeout),
	)
	return t.conn.Close()
}

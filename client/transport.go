package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrServerClosed the relay closed the connection
var ErrServerClosed = errors.New("server closed the connection")

// Conn one client connection to the relay
type Conn interface {
	// ReadMessage block until the next message. Returns an error wrapping
	// ErrServerClosed if the relay closed the connection.
	ReadMessage() ([]byte, error)
	// WriteMessage send one message. Not safe for concurrent use.
	WriteMessage(msg []byte) error
	// Close close the connection
	Close() error
}

// Dialer opens connections to the relay
type Dialer interface {
	Dial(ctxt context.Context) (Conn, error)
}

// webSocketDialer implements Dialer with gorilla websocket
type webSocketDialer struct {
	serverURL    string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// NewWebSocketDialer define a Dialer for the relay socket endpoint
//
// The connection is considered dead if nothing, pings included, arrives from
// the relay within readTimeout. Zero disables the check.
func NewWebSocketDialer(
	serverURL string, header http.Header, handshakeTimeout, readTimeout time.Duration,
) Dialer {
	return &webSocketDialer{
		serverURL: serverURL,
		header:    header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: handshakeTimeout,
		readTimeout:  readTimeout,
	}
}

func (d *webSocketDialer) Dial(ctxt context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctxt, d.serverURL, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s failed with HTTP %d: %w", d.serverURL, resp.StatusCode, err)
		}
		return nil, err
	}
	instance := &webSocketConn{
		conn: conn, writeTimeout: d.writeTimeout, readTimeout: d.readTimeout,
	}
	if err := instance.extendReadDeadline(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetPingHandler(func(appData string) error {
		if err := instance.extendReadDeadline(); err != nil {
			return err
		}
		err := conn.WriteControl(
			websocket.PongMessage, []byte(appData), time.Now().Add(instance.writeTimeout),
		)
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return instance, nil
}

// webSocketConn implements Conn
type webSocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func (c *webSocketConn) extendReadDeadline() error {
	if c.readTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
}

func (c *webSocketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %s", ErrServerClosed, err.Error())
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			if err := c.extendReadDeadline(); err != nil {
				return nil, err
			}
			return msg, nil
		}
	}
}

func (c *webSocketConn) WriteMessage(msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *webSocketConn) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout),
	)
	return c.conn.Close()
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a single established channel to the controller.
type Transport interface {
	// ReadMessage blocks until the next frame arrives or the transport fails.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one frame. Safe for concurrent use.
	WriteMessage(data []byte) error

	// Close tears down the transport. Pending reads return an error.
	Close() error
}

// Dialer establishes transports. The manager redials through the same
// Dialer on every reconnect.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// wsDialer dials the controller's WebSocket endpoint.
type wsDialer struct {
	url          string
	token        string
	dialTimeout  time.Duration
	writeTimeout time.Duration

	// onAlive is called whenever a ping or pong proves the channel is live.
	onAlive func()
}

func newWSDialer(cfg Config, onAlive func()) *wsDialer {
	return &wsDialer{
		url:          cfg.URL,
		token:        cfg.Token,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		onAlive:      onAlive,
	}
}

// Dial establishes the WebSocket connection. An HTTP 401/403 during the
// handshake is reported as ErrAuthRejected so the manager can stop retrying.
func (d *wsDialer) Dial(ctx context.Context) (Transport, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.dialTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, err
	}

	conn.SetPingHandler(func(data string) error {
		if d.onAlive != nil {
			d.onAlive()
		}
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		if d.onAlive != nil {
			d.onAlive()
		}
		return nil
	})

	return &wsTransport{
		conn:         conn,
		writeTimeout: d.writeTimeout,
	}, nil
}

// wsTransport wraps a gorilla connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// isAuthError reports whether a dial or read error is an authentication
// failure, which is terminal and never retried.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return true
	}
	return errors.Is(err, ErrAuthRejected)
}

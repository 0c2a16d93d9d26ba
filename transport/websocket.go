package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials job streams with gorilla/websocket.
type WebSocketDialer struct {
	config Config
	dialer *websocket.Dialer
	header http.Header
}

// NewWebSocketDialer creates a dialer. header is sent with every handshake
// and may be nil.
func NewWebSocketDialer(cfg Config, header http.Header) *WebSocketDialer {
	cfg = cfg.withDefaults()
	return &WebSocketDialer{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		header: header,
	}
}

// Dial opens a stream connection.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn, d.config), nil
}

// WebSocketConn adapts a *websocket.Conn to Conn. Reads must come from a
// single goroutine; writes are serialized internally.
type WebSocketConn struct {
	conn   *websocket.Conn
	config Config

	mu     sync.Mutex
	closed bool
}

// NewWebSocketConn wraps an established connection, client or server side.
func NewWebSocketConn(conn *websocket.Conn, cfg Config) *WebSocketConn {
	cfg = cfg.withDefaults()
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &WebSocketConn{conn: conn, config: cfg}
}

// NewWebSocketUpgrader creates an upgrader for accepting stream connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// ReadMessage returns the next data frame.
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteMessage writes one text frame.
func (c *WebSocketConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON marshals v and writes it as one text frame.
func (c *WebSocketConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteJSON(v)
}

// Close sends a close frame and closes the socket.
func (c *WebSocketConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	c.mu.Unlock()

	return c.conn.Close()
}

// Abort closes the socket without a close frame. The peer observes an
// abnormal closure.
func (c *WebSocketConn) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// CloseCode extracts the close code and reason from a read error. Errors
// without a close frame report CloseAbnormal.
func CloseCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if err != nil {
		return CloseAbnormal, err.Error()
	}
	return CloseAbnormal, ""
}

// Package ws implements the realtime chat transport over a websocket
// connection carrying JSON event envelopes.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rentchat/internal/chat/engine"
	"rentchat/internal/domain/chat"
)

// Client dials the chat gateway. One Connect call yields one connection;
// the engine redials through its own backoff.
type Client struct {
	URL          string
	Token        string
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (c *Client) Connect(ctx context.Context) (engine.Conn, error) {
	if c.URL == "" {
		return nil, errors.New("ws: url required")
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, c.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, chat.AuthErr("websocket handshake rejected", err)
		}
		return nil, chat.TransportErr("websocket dial", err)
	}
	wc := &wsConn{
		conn:         conn,
		logger:       c.Logger,
		writeTimeout: c.writeTimeout(),
		stop:         make(chan struct{}),
	}
	go wc.pingLoop(c.pingInterval())
	return wc, nil
}

func (c *Client) pingInterval() time.Duration {
	if c.PingInterval <= 0 {
		return 30 * time.Second
	}
	return c.PingInterval
}

func (c *Client) writeTimeout() time.Duration {
	if c.WriteTimeout <= 0 {
		return 10 * time.Second
	}
	return c.WriteTimeout
}

type wsConn struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu   sync.Mutex
	stop      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, event engine.Event) error {
	if err := ctx.Err(); err != nil {
		return chat.TransportErr("send", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(event); err != nil {
		return chat.TransportErr("write", err)
	}
	return nil
}

// Receive blocks until the server pushes an event. Close unblocks it;
// the engine cancels reads by closing the connection.
func (c *wsConn) Receive(ctx context.Context) (engine.Event, error) {
	if err := ctx.Err(); err != nil {
		return engine.Event{}, chat.TransportErr("receive", err)
	}
	var event engine.Event
	if err := c.conn.ReadJSON(&event); err != nil {
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return engine.Event{}, chat.AuthErr("connection closed by policy", err)
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.logger != nil {
			c.logger.Warn("websocket closed unexpectedly", "error", err)
		}
		return engine.Event{}, chat.TransportErr("read", err)
	}
	return event, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// pingLoop keeps the connection alive with protocol pings so half-open
// connections surface as read errors.
func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var _ engine.Transport = (*Client)(nil)

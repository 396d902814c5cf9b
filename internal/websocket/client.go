package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"printhub/internal/auth"
	"printhub/internal/errors"
	"printhub/internal/rpc"
)

const (
	// sendBufferSize is the per-client outbound queue depth.
	sendBufferSize = 256
)

// Client is a single websocket connection. Inbound messages are decoded
// as JSON-RPC and dispatched sequentially in arrival order; outbound
// traffic (responses and notifications) flows through the send queue so
// only the write pump touches the wire.
type Client struct {
	id          uint64
	manager     *Manager
	conn        Conn
	send        chan []byte
	identity    *auth.Identity
	remoteAddr  string
	connectedAt time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	logger      *slog.Logger
}

func newClient(m *Manager, conn Conn, id uint64, identity *auth.Identity) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:          id,
		manager:     m,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		identity:    identity,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		logger:      m.logger.With(slog.Uint64("connection_id", id)),
	}
}

// ID returns the unique connection identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// Identity returns the authenticated identity, or nil for anonymous
// connections.
func (c *Client) Identity() *auth.Identity {
	return c.identity
}

// RemoteAddr returns the peer address captured at upgrade time.
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// Notify sends a JSON-RPC notification to this client. Notifications
// are dropped with a warning when the send queue is full so a slow
// consumer cannot stall the rest of the server.
func (c *Client) Notify(method string, params any) error {
	data, err := rpc.MarshalNotification(method, params)
	if err != nil {
		return err
	}
	return c.enqueueNotification(method, data)
}

func (c *Client) enqueueNotification(method string, data []byte) error {
	select {
	case <-c.ctx.Done():
		return errors.New("connection closed")
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send queue full, dropping notification",
			slog.String("method", method))
		return errors.New("send queue full")
	}
}

// queueResponse enqueues an RPC response. Unlike notifications a
// response blocks until there is room, because silently dropping one
// would leave the request unanswered.
func (c *Client) queueResponse(data []byte) {
	select {
	case <-c.ctx.Done():
	case c.send <- data:
	}
}

// close tears the connection down exactly once. Both pumps observe the
// context cancellation and exit.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

// ReadPump consumes inbound frames until the connection drops. Each
// message is dispatched before the next read so per-connection request
// ordering is preserved.
func (c *Client) ReadPump() {
	defer func() {
		c.manager.dropClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.manager.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly",
					slog.String("error", err.Error()))
			}
			return
		}
		if resp := c.manager.dispatch(c.ctx, message, c); resp != nil {
			c.queueResponse(resp)
		}
	}
}

// WritePump drains the send queue onto the wire and keeps the
// connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.manager.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			c.manager.recordOutbound()

			// Flush anything else already queued before the next select.
			for i := 0; i < len(c.send); i++ {
				select {
				case queued := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						return
					}
					c.manager.recordOutbound()
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package scribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bosley/scribesync/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Control messages are small JSON objects
	maxMessageSize = 4096
)

// Handshake close codes.
const (
	CloseMissingCredential = 4001
	CloseInvalidCredential = 4002
	CloseUnknownUser       = 4003
	CloseUserLookupFailed  = 4500
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

type wsConnection struct {
	id      uuid.UUID
	conn    *websocket.Conn
	user    auth.User
	send    chan []byte
	scribe  *Scribe
	limiter *rate.Limiter

	mu        sync.Mutex
	closed    bool
	closeMsg  []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConnection(s *Scribe, conn *websocket.Conn, user auth.User) *wsConnection {
	return &wsConnection{
		id:      uuid.New(),
		conn:    conn,
		user:    user,
		send:    make(chan []byte, s.config.SendBuffer),
		scribe:  s,
		limiter: rate.NewLimiter(rate.Limit(s.config.MessageRate), s.config.MessageBurst),
		done:    make(chan struct{}),
	}
}

func (c *wsConnection) ID() uuid.UUID {
	return c.id
}

func (c *wsConnection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendFull
	}
}

func (c *wsConnection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.fail(err)
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.fail(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}

		case <-c.done:
			c.flush()
			c.mu.Lock()
			msg := c.closeMsg
			c.mu.Unlock()
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever was queued before Close.
func (c *wsConnection) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConnection) fail(err error) {
	c.scribe.logger.Debug("WebSocket write failed", "error", err, "connID", c.id)
	c.scribe.hub.Unregister(c.id)
	c.Close(websocket.CloseAbnormalClosure, "")
}

func (c *wsConnection) readPump(ctx context.Context) {
	defer func() {
		c.scribe.hub.Unregister(c.id)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.scribe.logger.Error("WebSocket read error", "error", err, "connID", c.id)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.scribe.logger.Warn("Dropping message over rate limit",
				"connID", c.id,
				"userID", c.user.ID)
			continue
		}
		c.scribe.handleMessage(ctx, c, data)
	}
}

package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
	"github.com/mew-protocol/mew/pkg/logger"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long the gateway waits for a pong before assuming the
	// peer is gone.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 4 * 1024 * 1024

	// sendQueueSize is the outbound FIFO depth per connection.
	sendQueueSize = 256
)

// connection binds one websocket to one participant. It owns two pumps: a
// read loop feeding the space and a write loop draining the FIFO outbound
// queue.
type connection struct {
	ws      *websocket.Conn
	space   *Space
	id      string
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newConnection(ws *websocket.Conn, space *Space, id string, limiter *rate.Limiter) *connection {
	return &connection{
		ws:      ws,
		space:   space,
		id:      id,
		limiter: limiter,
		send:    make(chan []byte, sendQueueSize),
	}
}

// Send enqueues an outbound frame, reporting false when the connection is
// closed or its queue is full.
func (c *connection) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// CloseWithReason stops the write pump, which closes the websocket on its
// way out.
func (c *connection) CloseWithReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	logger.Debugw("closing connection", "participant", c.id, "reason", reason)
}

// run starts the write pump and blocks in the read pump until the peer goes
// away or the connection is closed.
func (c *connection) run() {
	go c.writePump()
	c.readPump()
}

func (c *connection) readPump() {
	defer func() {
		c.space.Disconnect(c.id, c)
		c.CloseWithReason("read loop ended")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugw("websocket read error", "participant", c.id, "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			// Quota breaches are connection-fatal: one final error, then
			// the connection is closed.
			notice := systemError(&envelope.ErrorPayload{
				Error:   mewerr.ErrRateLimited,
				Message: "ingress quota exceeded",
			})
			if out, err := notice.Marshal(); err == nil {
				c.Send(out)
			}
			return
		}

		c.space.HandleFrame(c.id, data)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			messageType := websocket.TextMessage
			if envelope.IsStreamFrame(data) {
				messageType = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(messageType, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

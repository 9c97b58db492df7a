package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection. The hub writes to send; only the
// write pump touches the socket for writing.
type Client struct {
	info    ConnInfo
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	// channels is guarded by the hub's mutex.
	channels map[string]struct{}
}

func newClient(conn *websocket.Conn, info ConnInfo, buffer int, limiter *rate.Limiter) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		info:     info,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		limiter:  limiter,
		channels: make(map[string]struct{}),
	}
}

// Info returns the connection metadata.
func (c *Client) Info() ConnInfo {
	return c.info
}

// enqueue queues payload without blocking. It returns false when the queue
// is full. Payloads for a closed client are discarded silently.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close stops the write pump, which then closes the socket. Safe to call
// more than once.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// allow reports whether an inbound frame fits the connection's rate limit.
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// readPump delivers inbound frames to handle until the socket fails.
func (c *Client) readPump(handle func([]byte)) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(frame)
	}
}

// writePump drains send and keeps the connection alive with pings. Any
// write failure closes the client, which unblocks readPump.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

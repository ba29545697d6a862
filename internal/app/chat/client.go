/*
Package chat contains the realtime core: the connection registry, the room membership index,
the delivery engine, presence tracking, and the event dispatcher.

This file defines the Client struct, the WebSocket transport behind one Connection. It runs the
read and write loops (ReadPump and WritePump) and queues outbound frames without blocking.
*/
package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxMessageSize = 16384

	// DefaultSendQueueSize is the capacity of a client's outbound queue.
	DefaultSendQueueSize = 256

	// CloseAuthFailed is a custom WebSocket Close Code (4000-4999 range)
	// telling the client its credentials were rejected.
	CloseAuthFailed = 4001

	// CloseAuthTimeout tells the client it did not authenticate in time.
	CloseAuthTimeout = 4008
)

var (
	errClientClosing = errors.New("client is closing")
	errQueueFull     = errors.New("client send queue full")
)

// outbound is one entry of the send queue: a text frame, or a close request.
type outbound struct {
	data  []byte
	close []byte
}

// Client is the WebSocket transport of a single connection.
type Client struct {
	// underlying WebSocket connection object.
	conn *websocket.Conn

	// a buffered channel used to queue frames waiting to be sent to the client.
	send chan outbound

	// closing is set once a close frame has been queued; later pushes are refused.
	closing atomic.Bool

	// done is closed when either pump exits.
	done     chan struct{}
	doneOnce sync.Once

	// structured logger with connection context.
	logger zerolog.Logger
}

// NewClient constructs a Client around an upgraded WebSocket connection.
func NewClient(wsConn *websocket.Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}

	return &Client{
		conn:   wsConn,
		send:   make(chan outbound, queueSize),
		done:   make(chan struct{}),
		logger: logx.Component("Client").With().Str("remote_addr", wsConn.RemoteAddr().String()).Logger(),
	}
}

// Push implements Transport. It never blocks: a full queue is reported as an error.
func (c *Client) Push(frame []byte) error {
	if c.closing.Load() {
		return errClientClosing
	}

	// done wins over a free queue slot
	select {
	case <-c.done:
		return errClientClosing
	default:
	}

	select {
	case <-c.done:
		return errClientClosing
	case c.send <- outbound{data: frame}:
		return nil
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full, dropping frame")
		return errQueueFull
	}
}

// Close implements Transport. The close frame is written after every frame already
// queued. If the queue is full the close frame is written immediately.
func (c *Client) Close(code int, reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	c.logger.Info().Int("close_code", code).Str("reason", reason).Msg("Closing client connection.")

	msg := websocket.FormatCloseMessage(code, reason)

	select {
	case <-c.done:
	case c.send <- outbound{close: msg}:
	default:
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to write close message")
		}
		c.stop()
	}
}

func (c *Client) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ReadPump reads frames and hands each to handle, in order. It blocks until the
// connection fails or is closed, then calls onClose.
func (c *Client) ReadPump(handle func([]byte), onClose func()) {
	defer func() {
		c.stop()
		onClose()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (Client close/going away)")
			}
			return
		}

		handle(frame)
	}
}

// WritePump writes queued frames and heartbeats until the connection closes.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.stop()

		// ensure the connection is closed on exit so ReadPump returns
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case out := <-c.send:
			if !c.writeQueued(out) {
				return
			}

		case <-ticker.C:
			if !c.writePing() {
				return
			}

		case <-c.done:
			return
		}
	}
}

// writeQueued writes one queue entry. Returns false when the pump should stop.
func (c *Client) writeQueued(out outbound) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if out.close != nil {
		if err := c.conn.WriteMessage(websocket.CloseMessage, out.close); err != nil {
			c.logger.Warn().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePing sends a periodic WebSocket Ping message to maintain the connection heartbeat.
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

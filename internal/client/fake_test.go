package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/protocol"
)

var errConnClosed = errors.New("use of closed connection")

// fakeServer answers auth frames the way the relay does.
type fakeServer struct {
	mu       sync.Mutex
	authFail string // reason to reject auth with, empty to accept
	silent   bool   // never answer auth
	dialErr  error
	dials    atomic.Int32
	auths    atomic.Int32
	delay    time.Duration
	conns    []*fakeConn
}

func (s *fakeServer) Dial(ctx context.Context, _ string) (Conn, error) {
	s.dials.Add(1)

	s.mu.Lock()
	delay, dialErr := s.delay, s.dialErr
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	conn := &fakeConn{server: s, inbox: make(chan []byte, 64), done: make(chan struct{})}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	return conn, nil
}

func (s *fakeServer) last() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

type fakeConn struct {
	server *fakeServer
	inbox  chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []protocol.Frame
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.inbox:
		return raw, nil
	case <-c.done:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.written = append(c.written, frame)
	c.mu.Unlock()

	switch frame.Event {
	case protocol.EventAuth:
		c.server.auths.Add(1)
		c.server.mu.Lock()
		fail, silent := c.server.authFail, c.server.silent
		c.server.mu.Unlock()

		if silent {
			return nil
		}
		if fail != "" {
			c.reply(frame.AckID, protocol.Ack{Success: false, Error: fail})
			return nil
		}
		c.reply(frame.AckID, protocol.Ack{Success: true, UserID: "u-1"})
	default:
		if frame.AckID != "" {
			c.reply(frame.AckID, protocol.Ack{Success: true})
		}
	}
	return nil
}

func (c *fakeConn) reply(ackID string, ack protocol.Ack) {
	raw, _ := protocol.Encode(protocol.EventAck, ack, ackID)
	c.push(raw)
}

// push delivers a server frame to the session.
func (c *fakeConn) push(raw []byte) {
	select {
	case c.inbox <- raw:
	case <-c.done:
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) sent(event protocol.Event) []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []protocol.Frame
	for _, f := range c.written {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

package chat

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestClient_Push(t *testing.T) {
	t.Run("should refuse every frame once the pumps have stopped", func(t *testing.T) {
		req := require.New(t)

		// Given a client whose pumps exited with room left in the queue
		c := &Client{
			send:   make(chan outbound, 64),
			done:   make(chan struct{}),
			logger: zerolog.Nop(),
		}
		c.stop()

		// When frames keep arriving
		for range 50 {
			req.ErrorIs(c.Push([]byte(`{"event":"typing"}`)), errClientClosing)
		}

		// Then none of them were queued
		req.Zero(len(c.send))
	})

	t.Run("should report a full queue", func(t *testing.T) {
		req := require.New(t)
		c := &Client{
			send:   make(chan outbound, 1),
			done:   make(chan struct{}),
			logger: zerolog.Nop(),
		}

		req.NoError(c.Push([]byte("a")))
		req.ErrorIs(c.Push([]byte("b")), errQueueFull)
	})

	t.Run("should refuse frames after a close was requested", func(t *testing.T) {
		req := require.New(t)
		c := &Client{
			send:   make(chan outbound, 4),
			done:   make(chan struct{}),
			logger: zerolog.Nop(),
		}
		c.closing.Store(true)

		req.ErrorIs(c.Push([]byte("a")), errClientClosing)
	})
}

/*
Package chat contains the realtime core: the connection registry, the room membership index,
the delivery engine, presence tracking, and the event dispatcher.

This file defines the Manager struct, the composition root of the realtime core. It builds and
wires every component and owns the lifecycle of WebSocket clients.
*/
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/pkg/logx"
)

// DefaultAuthTimeout is how long a new connection may stay unauthenticated.
const DefaultAuthTimeout = 10 * time.Second

// Options tunes the realtime core. Zero values select the defaults.
type Options struct {
	AuthTimeout         time.Duration
	PresenceDebounce    time.Duration
	DeliveryConcurrency int
	SendQueueSize       int
	LegacyEcho          bool
}

// Collaborators are the external services the core depends on.
// Verifier is required; the others may be nil.
type Collaborators struct {
	Verifier   IdentityVerifier
	Authorizer MembershipAuthorizer
	Directory  ConversationDirectory
	Store      MessageStore
}

// Manager owns the realtime core.
type Manager struct {
	Registry   *Registry
	Membership *Membership
	Delivery   *Delivery
	Presence   *Presence
	Dispatcher *Dispatcher

	opts Options

	// shuttingDown refuses new clients once Shutdown has started.
	mu           sync.Mutex
	shuttingDown bool

	// wg tracks running client pumps.
	wg sync.WaitGroup

	// structured logger with Manager context.
	logger zerolog.Logger
}

// NewManager constructs and wires the realtime core.
func NewManager(opts Options, deps Collaborators) *Manager {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}

	membership := NewMembership(deps.Authorizer)
	registry := NewRegistry(deps.Verifier, membership, opts.AuthTimeout)
	delivery := NewDelivery(registry, membership, opts.DeliveryConcurrency)
	presence := NewPresence(registry, membership, delivery, deps.Directory, opts.PresenceDebounce)
	registry.SetObserver(presence)

	dispatcher := NewDispatcher(registry, membership, delivery, presence, deps.Store)
	dispatcher.LegacyEcho = opts.LegacyEcho

	m := &Manager{
		Registry:   registry,
		Membership: membership,
		Delivery:   delivery,
		Presence:   presence,
		Dispatcher: dispatcher,
		opts:       opts,
		logger:     logx.Component("Manager"),
	}

	m.logger.Info().
		Dur("auth_timeout", opts.AuthTimeout).
		Dur("presence_debounce", presence.debounce).
		Int("delivery_concurrency", delivery.concurrency).
		Bool("message_store", deps.Store != nil).
		Msg("Realtime core ready.")

	return m
}

// Attach registers a transport as a new unauthenticated connection.
func (m *Manager) Attach(t Transport) *Connection {
	return m.Registry.Register(t)
}

// Receive dispatches one inbound frame from c.
func (m *Manager) Receive(c *Connection, raw []byte) {
	m.Dispatcher.Handle(c.Context(), c, raw)
}

// Detach unregisters c. It is safe to call more than once.
func (m *Manager) Detach(c *Connection) {
	m.Registry.Unregister(c.ID)
}

// ServeClient runs a WebSocket client until it disconnects. It blocks for the
// lifetime of the connection, like an HTTP handler.
func (m *Manager) ServeClient(wsConn *websocket.Conn) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = wsConn.Close()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	client := NewClient(wsConn, m.opts.SendQueueSize)
	conn := m.Attach(client)

	go client.WritePump()

	client.ReadPump(
		func(frame []byte) { m.Receive(conn, frame) },
		func() { m.Detach(conn) },
	)
}

// Shutdown closes every connection with a going-away frame, cancels pending presence
// transitions, and waits for client pumps to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	conns := m.Registry.All()
	m.logger.Info().Int("connections", len(conns)).Msg("Shutting down realtime core...")

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, c := range m.Registry.All() {
		m.Registry.Unregister(c.ID)
	}
	m.Presence.Stop()

	m.logger.Info().Msg("Realtime core shutdown complete.")
	return err
}

package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"chatrelay/internal/app/user"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/randx"
)

// ConnState is the authentication state of a connection.
type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one live transport session, optionally bound to a user.
type Connection struct {
	ID ConnectionID

	transport Transport
	createdAt time.Time

	// ctx is cancelled when the connection is unregistered.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	identity  user.Identity
	state     ConnState
	authTimer *time.Timer

	logger zerolog.Logger
}

// Identity returns the bound user and whether the connection is authenticated.
func (c *Connection) Identity() (user.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.state == StateAuthenticated
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Closed reports whether the connection has been unregistered.
func (c *Connection) Closed() bool {
	return c.State() == StateClosed
}

// Context is cancelled once the connection is unregistered.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Push queues a frame on the underlying transport.
func (c *Connection) Push(frame []byte) error {
	if c.Closed() {
		return errs.NewError(errs.ErrNotConnected)
	}
	if err := c.transport.Push(frame); err != nil {
		return errs.NewError(errs.ErrTransport)
	}
	return nil
}

// Close asks the transport to close after flushing queued frames.
func (c *Connection) Close(code int, reason string) {
	c.transport.Close(code, reason)
}

// ConnectionObserver is told about authenticated users coming and going.
// first and last report whether this was the user's first or last live connection.
type ConnectionObserver interface {
	UserConnected(c *Connection, identity user.Identity, first bool)
	UserDisconnected(identity user.Identity, last bool)
}

// Registry owns every live connection and the user to connections index.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnectionID]*Connection
	byUser map[string]map[ConnectionID]struct{}

	verifier    IdentityVerifier
	membership  *Membership
	observer    ConnectionObserver
	authTimeout time.Duration

	logger zerolog.Logger
}

// NewRegistry creates an empty registry. A zero authTimeout disables the unauthenticated deadline.
func NewRegistry(verifier IdentityVerifier, membership *Membership, authTimeout time.Duration) *Registry {
	return &Registry{
		conns:       make(map[ConnectionID]*Connection),
		byUser:      make(map[string]map[ConnectionID]struct{}),
		verifier:    verifier,
		membership:  membership,
		authTimeout: authTimeout,
		logger:      logx.Component("Registry"),
	}
}

// SetObserver installs the presence hook. It must be called before the first Register.
func (r *Registry) SetObserver(o ConnectionObserver) {
	r.observer = o
}

// Register adds an unauthenticated connection and arms its auth deadline.
func (r *Registry) Register(t Transport) *Connection {
	id := ConnectionID(randx.ConnectionID())
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		ID:        id,
		transport: t,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateUnauthenticated,
		logger:    r.logger.With().Str("conn_id", string(id)).Logger(),
	}

	r.mu.Lock()
	r.conns[id] = c
	if r.authTimeout > 0 {
		c.authTimer = time.AfterFunc(r.authTimeout, func() { r.expire(c) })
	}
	total := len(r.conns)
	r.mu.Unlock()

	c.logger.Debug().Int("total_conns", total).Msg("Connection registered.")
	return c
}

// expire closes a connection that never authenticated within the deadline.
func (r *Registry) expire(c *Connection) {
	c.mu.Lock()
	if c.state != StateUnauthenticated {
		c.mu.Unlock()
		return
	}
	// closed here so a concurrent Authenticate sees the deadline instead of racing it
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Info().Dur("auth_timeout", r.authTimeout).Msg("Authentication deadline passed, closing connection.")

	timeout := errs.NewError(errs.ErrTimeout)
	c.Close(CloseAuthTimeout, timeout.Reason)
	r.Unregister(c.ID)
}

// Authenticate verifies token and binds the connection to the resulting user.
// Failure leaves the connection unauthenticated; the caller decides whether to close it.
// Authenticating an already authenticated connection returns its current identity.
func (r *Registry) Authenticate(ctx context.Context, id ConnectionID, token string) (user.Identity, error) {
	c := r.Connection(id)
	if c == nil {
		return user.Identity{}, errs.NewError(errs.ErrNotConnected)
	}

	if identity, ok := c.Identity(); ok {
		return identity, nil
	}

	if token == "" {
		return user.Identity{}, errs.NewError(errs.ErrAuthMissingToken)
	}

	identity, err := r.verifier.Verify(ctx, token)
	if err != nil {
		c.logger.Info().Err(err).Msg("Token verification failed.")
		return user.Identity{}, err
	}

	r.mu.Lock()
	c.mu.Lock()
	if c.state != StateUnauthenticated {
		state := c.state
		c.mu.Unlock()
		r.mu.Unlock()

		if state == StateAuthenticated {
			current, _ := c.Identity()
			return current, nil
		}
		// the auth deadline fired while the verifier was running
		return user.Identity{}, errs.NewError(errs.ErrTimeout)
	}

	c.identity = identity
	c.state = StateAuthenticated
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()

	set, ok := r.byUser[identity.ID]
	if !ok {
		set = make(map[ConnectionID]struct{})
		r.byUser[identity.ID] = set
	}
	set[id] = struct{}{}
	first := len(set) == 1
	devices := len(set)
	r.mu.Unlock()

	c.logger.Info().Str("user_id", identity.ID).Int("devices", devices).Msg("Connection authenticated.")

	if r.observer != nil {
		r.observer.UserConnected(c, identity, first)
	}

	return identity, nil
}

// Unregister removes a connection and releases its memberships. It is idempotent.
func (r *Registry) Unregister(id ConnectionID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)

	c.mu.Lock()
	wasAuthenticated := c.state == StateAuthenticated
	identity := c.identity
	c.state = StateClosed
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()

	last := false
	if wasAuthenticated {
		if set, ok := r.byUser[identity.ID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, identity.ID)
				last = true
			}
		}
	}
	r.mu.Unlock()

	c.cancel()

	rooms := r.membership.LeaveAll(id)
	c.logger.Debug().Int("rooms_left", len(rooms)).Msg("Connection unregistered.")

	if wasAuthenticated && r.observer != nil {
		r.observer.UserDisconnected(identity, last)
	}
}

// Connection returns the live connection with the given id, or nil.
func (r *Registry) Connection(id ConnectionID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// ConnectionsOf returns a snapshot of a user's live authenticated connections.
func (r *Registry) ConnectionsOf(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for id := range set {
		if c, ok := r.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// IsOnline reports whether the user has at least one authenticated connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the ids of all users with a live authenticated connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser)
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.conns)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

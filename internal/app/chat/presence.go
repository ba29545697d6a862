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
	"chatrelay/internal/protocol"
)

const (
	// DefaultPresenceDebounce is how long a user may be without connections before going offline.
	DefaultPresenceDebounce = 3 * time.Second

	// presenceBroadcastTimeout bounds the directory lookup and fan-out of one transition.
	presenceBroadcastTimeout = 10 * time.Second
)

// offlineEntry is a pending offline transition.
type offlineEntry struct {
	identity user.Identity
	timer    *time.Timer
}

// Presence turns connection churn into debounced online and offline broadcasts
// and relays typing indicators.
type Presence struct {
	mu       sync.Mutex
	pending  map[string]*offlineEntry
	debounce time.Duration

	// seq orders the broadcasts of one user so an offline never lands after a later online.
	seq *sequencer

	registry   *Registry
	membership *Membership
	delivery   *Delivery
	directory  ConversationDirectory

	logger zerolog.Logger
}

// NewPresence creates a tracker. debounce <= 0 selects the default.
func NewPresence(registry *Registry, membership *Membership, delivery *Delivery, directory ConversationDirectory, debounce time.Duration) *Presence {
	if debounce <= 0 {
		debounce = DefaultPresenceDebounce
	}
	return &Presence{
		pending:    make(map[string]*offlineEntry),
		debounce:   debounce,
		seq:        newSequencer(),
		registry:   registry,
		membership: membership,
		delivery:   delivery,
		directory:  directory,
		logger:     logx.Component("Presence"),
	}
}

// UserConnected implements ConnectionObserver. The user's first connection either
// cancels a pending offline transition, in which case nothing is broadcast, or
// announces the user online.
func (p *Presence) UserConnected(_ *Connection, identity user.Identity, first bool) {
	if !first {
		return
	}

	p.mu.Lock()
	if entry, ok := p.pending[identity.ID]; ok {
		entry.timer.Stop()
		delete(p.pending, identity.ID)
		p.mu.Unlock()

		p.logger.Debug().Str("user_id", identity.ID).Msg("Reconnected within debounce window, offline cancelled.")
		return
	}
	p.mu.Unlock()

	release := p.seq.acquire(identity.ID)
	defer release()

	p.broadcast(identity, true)
}

// UserDisconnected implements ConnectionObserver. Losing the last connection starts
// the debounce window; the offline broadcast happens only if it elapses.
func (p *Presence) UserDisconnected(identity user.Identity, last bool) {
	if !last {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.pending[identity.ID]; ok {
		old.timer.Stop()
	}

	entry := &offlineEntry{identity: identity}
	entry.timer = time.AfterFunc(p.debounce, func() { p.expire(entry) })
	p.pending[identity.ID] = entry

	p.logger.Debug().Str("user_id", identity.ID).Dur("debounce", p.debounce).Msg("Offline transition scheduled.")
}

// expire fires when a debounce window elapses without a reconnect.
func (p *Presence) expire(entry *offlineEntry) {
	userID := entry.identity.ID

	p.mu.Lock()
	if p.pending[userID] != entry {
		// cancelled or superseded after the timer fired
		p.mu.Unlock()
		return
	}
	delete(p.pending, userID)
	p.mu.Unlock()

	release := p.seq.acquire(userID)
	defer release()

	// a reconnect that already broadcast online wins
	if p.registry.IsOnline(userID) {
		return
	}

	p.broadcast(entry.identity, false)
}

// broadcast announces a presence transition to every conversation of the user,
// excluding the user's own connections.
func (p *Presence) broadcast(identity user.Identity, online bool) {
	event := protocol.EventUserOffline
	if online {
		event = protocol.EventUserOnline
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceBroadcastTimeout)
	defer cancel()

	if p.directory == nil {
		return
	}

	rooms, err := p.directory.ConversationsOf(ctx, identity.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("user_id", identity.ID).Msg("Failed to resolve conversations for presence.")
		return
	}

	payload := protocol.Presence{
		UserID:   identity.ID,
		Username: identity.Username,
		IsOnline: online,
	}

	for _, room := range rooms {
		if _, err := p.delivery.Deliver(ctx, event, payload, ToRoom(room).Except(identity.ID)); err != nil {
			p.logger.Error().Err(err).Str("room", string(room)).Msg("Presence broadcast failed.")
			return
		}
	}

	p.logger.Info().Str("user_id", identity.ID).Bool("online", online).Int("rooms", len(rooms)).Msg("Presence broadcast.")
}

// SendSnapshot pushes the current online user ids to one connection.
func (p *Presence) SendSnapshot(c *Connection) {
	frame, err := protocol.Encode(protocol.EventOnlineUsers, p.OnlineUsers(), "")
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode online users snapshot.")
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to push online users snapshot.")
	}
}

// OnlineUsers returns the users with a live connection plus those still inside
// their debounce window, who have not been announced offline yet.
func (p *Presence) OnlineUsers() []string {
	p.mu.Lock()
	pending := lo.Keys(p.pending)
	p.mu.Unlock()

	return lo.Uniq(append(p.registry.OnlineUsers(), pending...))
}

// IsOnline reports whether userID is currently considered online.
func (p *Presence) IsOnline(userID string) bool {
	if p.registry.IsOnline(userID) {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[userID]
	return ok
}

// Typing relays a typing indicator to the room, skipping the typing user's own connections.
// The connection must be subscribed to the room.
func (p *Presence) Typing(ctx context.Context, c *Connection, room RoomID, isTyping bool) error {
	identity, ok := c.Identity()
	if !ok {
		return errs.NewError(errs.ErrAuthRequired)
	}
	if !p.membership.IsMember(c.ID, room) {
		return errs.NewError(errs.ErrNotAuthorized)
	}

	payload := protocol.Typing{
		UserID:         identity.ID,
		IsTyping:       isTyping,
		ConversationID: string(room),
	}

	_, err := p.delivery.Deliver(ctx, protocol.EventTyping, payload, ToRoom(room).Except(identity.ID))
	return err
}

// Stop cancels every pending offline transition without broadcasting.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, entry := range p.pending {
		entry.timer.Stop()
		delete(p.pending, id)
	}
}

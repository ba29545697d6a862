package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
)

// Membership indexes which connections are subscribed to which rooms.
// Both directions are kept under one lock so they never disagree.
type Membership struct {
	mu     sync.RWMutex
	rooms  map[RoomID]map[ConnectionID]struct{}
	joined map[ConnectionID]map[RoomID]struct{}

	authorizer MembershipAuthorizer
	logger     zerolog.Logger
}

// NewMembership creates an empty index. A nil authorizer admits every join.
func NewMembership(authorizer MembershipAuthorizer) *Membership {
	return &Membership{
		rooms:      make(map[RoomID]map[ConnectionID]struct{}),
		joined:     make(map[ConnectionID]map[RoomID]struct{}),
		authorizer: authorizer,
		logger:     logx.Component("Membership"),
	}
}

// Authorize asks the authorizer whether userID may access room.
func (m *Membership) Authorize(ctx context.Context, userID string, room RoomID) error {
	if m.authorizer == nil {
		return nil
	}

	ok, err := m.authorizer.CanAccess(ctx, userID, room)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", userID).Str("room", string(room)).Msg("Membership check failed.")
		return errs.NewError(errs.ErrNotAuthorized)
	}
	if !ok {
		return errs.NewError(errs.ErrNotAuthorized)
	}
	return nil
}

// Join subscribes an authenticated connection to room after authorization.
// Joining twice is a no-op. The room is created on first join.
func (m *Membership) Join(ctx context.Context, c *Connection, room RoomID) error {
	identity, ok := c.Identity()
	if !ok {
		return errs.NewError(errs.ErrAuthRequired)
	}

	if err := m.Authorize(ctx, identity.ID, room); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// a connection unregistered during authorization must not be re-added
	if c.Closed() {
		return errs.NewError(errs.ErrNotConnected)
	}

	subs, ok := m.rooms[room]
	if !ok {
		subs = make(map[ConnectionID]struct{})
		m.rooms[room] = subs
	}
	subs[c.ID] = struct{}{}

	mine, ok := m.joined[c.ID]
	if !ok {
		mine = make(map[RoomID]struct{})
		m.joined[c.ID] = mine
	}
	mine[room] = struct{}{}

	m.logger.Debug().Str("conn_id", string(c.ID)).Str("room", string(room)).Int("subscribers", len(subs)).Msg("Joined room.")
	return nil
}

// Leave unsubscribes a connection from room. Leaving a room not joined is a no-op.
func (m *Membership) Leave(id ConnectionID, room RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(id, room)
}

// LeaveAll unsubscribes a connection from every room and returns the rooms it left.
func (m *Membership) LeaveAll(id ConnectionID) []RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := lo.Keys(m.joined[id])
	for _, room := range rooms {
		m.remove(id, room)
	}
	return rooms
}

// remove must be called with mu held.
func (m *Membership) remove(id ConnectionID, room RoomID) {
	if subs, ok := m.rooms[room]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.rooms, room)
			m.logger.Debug().Str("room", string(room)).Msg("Room empty, removed.")
		}
	}

	if mine, ok := m.joined[id]; ok {
		delete(mine, room)
		if len(mine) == 0 {
			delete(m.joined, id)
		}
	}
}

// Subscribers returns a snapshot of the connections subscribed to room.
func (m *Membership) Subscribers(room RoomID) []ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.rooms[room])
}

// RoomsOf returns a snapshot of the rooms a connection is subscribed to.
func (m *Membership) RoomsOf(id ConnectionID) []RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.joined[id])
}

// IsMember reports whether the connection is subscribed to room.
func (m *Membership) IsMember(id ConnectionID, room RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room][id]
	return ok
}

// RoomCount returns the number of rooms with at least one subscriber.
func (m *Membership) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

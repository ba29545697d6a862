package chat

import (
	"context"
	"time"

	"chatrelay/internal/app/user"
	"chatrelay/internal/protocol"
)

//go:generate go run go.uber.org/mock/mockgen -source=collaborators.go -destination=../../mocks/mock_collaborators.go -package=mocks

// RoomID identifies a conversation channel.
type RoomID string

// ConnectionID identifies one transport session.
type ConnectionID string

// IdentityVerifier turns a credential token into a user identity.
// Failures must be *errs.CustomError with an auth code (InvalidToken, ExpiredToken).
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (user.Identity, error)
}

// MembershipAuthorizer decides whether a user may view a conversation.
type MembershipAuthorizer interface {
	CanAccess(ctx context.Context, userID string, room RoomID) (bool, error)
}

// ConversationDirectory lists the conversations a user belongs to.
type ConversationDirectory interface {
	ConversationsOf(ctx context.Context, userID string) ([]RoomID, error)
}

// MessageStore is the durable store behind the realtime core. It is optional:
// without one, messages are delivered but not persisted, and read receipts and
// history requests are answered empty.
type MessageStore interface {
	// SaveMessage persists msg. For direct messages the store may fill msg.ConversationID.
	SaveMessage(ctx context.Context, msg *protocol.Message) error

	// MarkRead records that userID read messageID and returns the message's conversation.
	MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) (RoomID, error)

	// History returns one page (1-based) of a conversation, newest first.
	History(ctx context.Context, room RoomID, page, limit int) ([]protocol.Message, error)
}

// Transport is the server side of one persistent connection.
type Transport interface {
	// Push queues a frame for the connection. It must not block on network I/O.
	Push(frame []byte) error

	// Close sends a close frame after any queued frames and tears the transport down.
	Close(code int, reason string)
}

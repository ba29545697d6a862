/*
Package directory holds the accounts, conversations and messages behind the realtime core.

Directory is implemented twice: by the Postgres store in package db, and by Memory for
development and tests. Both satisfy the collaborator interfaces of package chat.
*/
package directory

import (
	"context"
	"time"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/user"
	"chatrelay/internal/protocol"
)

// Account is a registered user.
type Account struct {
	ID           string
	Username     string
	PasswordHash []byte
	AvatarKey    string
	CreatedAt    time.Time
}

// Identity returns the public identity of the account. The avatar is left for the caller to resolve.
func (a Account) Identity() user.Identity {
	return user.Identity{ID: a.ID, Username: a.Username}
}

// Conversation is a direct conversation between two users.
type Conversation struct {
	ID           string            `json:"id"`
	Participants []user.Identity   `json:"participants"`
	LastMessage  *protocol.Message `json:"lastMessage,omitempty"`
	UnreadCount  int               `json:"unreadCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Directory is the storage used by the HTTP API and by the realtime core.
// Lookups of missing records return *errs.CustomError (UserNotFound, ConversationNotFound, MessageNotFound).
type Directory interface {
	chat.MembershipAuthorizer
	chat.ConversationDirectory
	chat.MessageStore

	// CreateUser stores a new account. A taken username yields ErrUserAlreadyExists.
	CreateUser(ctx context.Context, username string, passwordHash []byte) (Account, error)
	UserByUsername(ctx context.Context, username string) (Account, error)
	UserByID(ctx context.Context, id string) (Account, error)

	// ListUsers returns every account except excludeID, ordered by username.
	ListUsers(ctx context.Context, excludeID string) ([]Account, error)

	// SetAvatar records a new avatar key and returns the previous one.
	SetAvatar(ctx context.Context, userID, key string) (string, error)

	// CreateDirectConversation returns the conversation between a and b, creating it if needed.
	CreateDirectConversation(ctx context.Context, a, b string) (Conversation, bool, error)
	Conversation(ctx context.Context, id string) (Conversation, error)

	// ConversationsFor lists userID's conversations, most recently active first.
	ConversationsFor(ctx context.Context, userID string) ([]Conversation, error)
}

// PageOffset converts a 1-based page and a limit into an offset.
func PageOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

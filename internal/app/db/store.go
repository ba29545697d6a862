package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/directory"
	"chatrelay/internal/app/user"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/randx"
	"chatrelay/internal/protocol"
)

// Store implements directory.Directory on Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ directory.Directory = (*Store)(nil)

// NewStore wraps an initialized pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: logx.Component("Store")}
}

func scanAccount(row pgx.Row) (directory.Account, error) {
	var a directory.Account
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.AvatarKey, &a.CreatedAt)
	return a, err
}

// CreateUser implements directory.Directory.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte) (directory.Account, error) {
	account, err := scanAccount(s.pool.QueryRow(ctx, createUser, username, passwordHash))
	if err != nil {
		if IsUniqueViolation(err) {
			return directory.Account{}, errs.NewError(errs.ErrUserAlreadyExists)
		}
		return directory.Account{}, fmt.Errorf("create user: %w", err)
	}
	return account, nil
}

// UserByUsername implements directory.Directory.
func (s *Store) UserByUsername(ctx context.Context, username string) (directory.Account, error) {
	account, err := scanAccount(s.pool.QueryRow(ctx, userByUsername, username))
	if err != nil {
		if IsNoRows(err) {
			return directory.Account{}, errs.NewError(errs.ErrUserNotFound)
		}
		return directory.Account{}, fmt.Errorf("user by username: %w", err)
	}
	return account, nil
}

// UserByID implements directory.Directory.
func (s *Store) UserByID(ctx context.Context, id string) (directory.Account, error) {
	if !randx.IsUUID(id) {
		return directory.Account{}, errs.NewError(errs.ErrUserNotFound)
	}

	account, err := scanAccount(s.pool.QueryRow(ctx, userByID, id))
	if err != nil {
		if IsNoRows(err) {
			return directory.Account{}, errs.NewError(errs.ErrUserNotFound)
		}
		return directory.Account{}, fmt.Errorf("user by id: %w", err)
	}
	return account, nil
}

// ListUsers implements directory.Directory.
func (s *Store) ListUsers(ctx context.Context, excludeID string) ([]directory.Account, error) {
	var exclude any
	if randx.IsUUID(excludeID) {
		exclude = excludeID
	}

	rows, err := s.pool.Query(ctx, listUsers, exclude)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var accounts []directory.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// SetAvatar implements directory.Directory.
func (s *Store) SetAvatar(ctx context.Context, userID, key string) (string, error) {
	var old string
	if err := s.pool.QueryRow(ctx, setAvatar, userID, key).Scan(&old); err != nil {
		if IsNoRows(err) {
			return "", errs.NewError(errs.ErrUserNotFound)
		}
		return "", fmt.Errorf("set avatar: %w", err)
	}
	return old, nil
}

// directConversation returns the id of the conversation between a and b, creating it if needed.
func (s *Store) directConversation(ctx context.Context, q querier, a, b string) (string, bool, error) {
	if a == b || !randx.IsUUID(a) || !randx.IsUUID(b) {
		return "", false, errs.NewError(errs.ErrInvalidParams)
	}
	if a > b {
		a, b = b, a
	}

	var id string
	err := q.QueryRow(ctx, upsertDirectConversation, a, b).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !IsNoRows(err) {
		if isForeignKeyViolation(err) {
			return "", false, errs.NewError(errs.ErrUserNotFound)
		}
		return "", false, fmt.Errorf("create conversation: %w", err)
	}

	if err := q.QueryRow(ctx, directConversationID, a, b).Scan(&id); err != nil {
		return "", false, fmt.Errorf("find conversation: %w", err)
	}
	return id, false, nil
}

// CreateDirectConversation implements directory.Directory.
func (s *Store) CreateDirectConversation(ctx context.Context, a, b string) (directory.Conversation, bool, error) {
	id, created, err := s.directConversation(ctx, s.pool, a, b)
	if err != nil {
		return directory.Conversation{}, false, err
	}

	conv, err := s.conversation(ctx, id, a)
	return conv, created, err
}

// Conversation implements directory.Directory.
func (s *Store) Conversation(ctx context.Context, id string) (directory.Conversation, error) {
	return s.conversation(ctx, id, "")
}

func (s *Store) conversation(ctx context.Context, id, viewer string) (directory.Conversation, error) {
	if !randx.IsUUID(id) {
		return directory.Conversation{}, errs.NewError(errs.ErrConversationNotFound)
	}

	var viewerArg any
	if viewer != "" {
		viewerArg = viewer
	}

	conv, err := scanConversation(s.pool.QueryRow(ctx, conversationByID, viewerArg, id))
	if err != nil {
		if IsNoRows(err) {
			return directory.Conversation{}, errs.NewError(errs.ErrConversationNotFound)
		}
		return directory.Conversation{}, fmt.Errorf("conversation: %w", err)
	}
	return conv, nil
}

// ConversationsFor implements directory.Directory.
func (s *Store) ConversationsFor(ctx context.Context, userID string) ([]directory.Conversation, error) {
	rows, err := s.pool.Query(ctx, conversationsFor, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []directory.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func scanConversation(row pgx.Row) (directory.Conversation, error) {
	var (
		conv           directory.Conversation
		a, b           user.Identity
		lastID         *string
		lastSender     *string
		lastSenderName *string
		lastText       *string
		lastAt         *time.Time
		lastReadAt     *time.Time
		unread         int64
	)

	err := row.Scan(
		&conv.ID, &conv.CreatedAt, &conv.UpdatedAt,
		&a.ID, &a.Username, &b.ID, &b.Username,
		&lastID, &lastSender, &lastSenderName, &lastText, &lastAt, &lastReadAt,
		&unread,
	)
	if err != nil {
		return directory.Conversation{}, err
	}

	conv.Participants = []user.Identity{a, b}
	conv.UnreadCount = int(unread)

	if lastID != nil {
		conv.LastMessage = &protocol.Message{
			ID:             *lastID,
			ConversationID: conv.ID,
			SenderID:       deref(lastSender),
			SenderName:     deref(lastSenderName),
			Text:           deref(lastText),
			ReadAt:         lastReadAt,
		}
		if lastAt != nil {
			conv.LastMessage.Timestamp = *lastAt
		}
	}

	return conv, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CanAccess implements chat.MembershipAuthorizer.
func (s *Store) CanAccess(ctx context.Context, userID string, room chat.RoomID) (bool, error) {
	if !randx.IsUUID(userID) || !randx.IsUUID(string(room)) {
		return false, nil
	}

	var ok bool
	if err := s.pool.QueryRow(ctx, canAccess, userID, string(room)).Scan(&ok); err != nil {
		return false, fmt.Errorf("can access: %w", err)
	}
	return ok, nil
}

// ConversationsOf implements chat.ConversationDirectory.
func (s *Store) ConversationsOf(ctx context.Context, userID string) ([]chat.RoomID, error) {
	if !randx.IsUUID(userID) {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, conversationsOf, userID)
	if err != nil {
		return nil, fmt.Errorf("conversations of: %w", err)
	}
	defer rows.Close()

	var rooms []chat.RoomID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		rooms = append(rooms, chat.RoomID(id))
	}
	return rooms, rows.Err()
}

// SaveMessage implements chat.MessageStore. The insert and the conversation touch share a transaction.
func (s *Store) SaveMessage(ctx context.Context, msg *protocol.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if msg.ConversationID == "" {
		id, _, err := s.directConversation(ctx, tx, msg.SenderID, msg.RecipientID)
		if err != nil {
			return err
		}
		msg.ConversationID = id
	} else if !randx.IsUUID(msg.ConversationID) {
		return errs.NewError(errs.ErrConversationNotFound)
	}

	if _, err := tx.Exec(ctx, insertMessage, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.Timestamp); err != nil {
		if isForeignKeyViolation(err) {
			return errs.NewError(errs.ErrConversationNotFound)
		}
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx, touchConversation, msg.ConversationID, msg.Timestamp); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug().Str("message_id", msg.ID).Str("conversation_id", msg.ConversationID).Msg("Message stored.")
	return nil
}

// MarkRead implements chat.MessageStore. Marking your own message, or one already read,
// leaves the stored read time unchanged.
func (s *Store) MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) (chat.RoomID, error) {
	if !randx.IsUUID(messageID) {
		return "", errs.NewError(errs.ErrMessageNotFound)
	}

	var convID string
	err := s.pool.QueryRow(ctx, markRead, messageID, userID, readAt).Scan(&convID)
	if err == nil {
		return chat.RoomID(convID), nil
	}
	if !IsNoRows(err) {
		return "", fmt.Errorf("mark read: %w", err)
	}

	// nothing updated: tell a missing message from a foreign one
	var participant bool
	if err := s.pool.QueryRow(ctx, messageConversation, messageID, userID).Scan(&convID, &participant); err != nil {
		if IsNoRows(err) {
			return "", errs.NewError(errs.ErrMessageNotFound)
		}
		return "", fmt.Errorf("message conversation: %w", err)
	}
	if !participant {
		return "", errs.NewError(errs.ErrNotAuthorized)
	}
	return chat.RoomID(convID), nil
}

// History implements chat.MessageStore.
func (s *Store) History(ctx context.Context, room chat.RoomID, page, limit int) ([]protocol.Message, error) {
	if !randx.IsUUID(string(room)) {
		return nil, errs.NewError(errs.ErrConversationNotFound)
	}

	rows, err := s.pool.Query(ctx, history, string(room), limit, directory.PageOffset(page, limit))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	msgs := []protocol.Message{}
	for rows.Next() {
		var msg protocol.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Text, &msg.Timestamp, &msg.ReadAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

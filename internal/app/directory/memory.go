package directory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/user"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/protocol"
)

type memConversation struct {
	id           string
	participants [2]string
	createdAt    time.Time
	updatedAt    time.Time

	// messages in insertion order
	messages []protocol.Message
}

// Memory is an in-process Directory. Data is lost on restart.
type Memory struct {
	mu            sync.RWMutex
	accounts      map[string]*Account
	byUsername    map[string]string
	conversations map[string]*memConversation
	byPair        map[[2]string]string
	messages      map[string]string // message id -> conversation id
}

var _ Directory = (*Memory)(nil)

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[string]*Account),
		byUsername:    make(map[string]string),
		conversations: make(map[string]*memConversation),
		byPair:        make(map[[2]string]string),
		messages:      make(map[string]string),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// CreateUser implements Directory.
func (m *Memory) CreateUser(_ context.Context, username string, passwordHash []byte) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	folded := strings.ToLower(username)
	if _, taken := m.byUsername[folded]; taken {
		return Account{}, errs.NewError(errs.ErrUserAlreadyExists)
	}

	account := &Account{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.accounts[account.ID] = account
	m.byUsername[folded] = account.ID

	return *account, nil
}

// UserByUsername implements Directory. Usernames compare case-insensitively.
func (m *Memory) UserByUsername(_ context.Context, username string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUsername[strings.ToLower(username)]
	if !ok {
		return Account{}, errs.NewError(errs.ErrUserNotFound)
	}
	return *m.accounts[id], nil
}

// UserByID implements Directory.
func (m *Memory) UserByID(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return Account{}, errs.NewError(errs.ErrUserNotFound)
	}
	return *account, nil
}

// ListUsers implements Directory.
func (m *Memory) ListUsers(_ context.Context, excludeID string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]Account, 0, len(m.accounts))
	for id, account := range m.accounts {
		if id != excludeID {
			accounts = append(accounts, *account)
		}
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Username < accounts[j].Username })
	return accounts, nil
}

// SetAvatar implements Directory.
func (m *Memory) SetAvatar(_ context.Context, userID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[userID]
	if !ok {
		return "", errs.NewError(errs.ErrUserNotFound)
	}
	old := account.AvatarKey
	account.AvatarKey = key
	return old, nil
}

// CreateDirectConversation implements Directory.
func (m *Memory) CreateDirectConversation(_ context.Context, a, b string) (Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, created, err := m.directLocked(a, b)
	if err != nil {
		return Conversation{}, false, err
	}
	return m.viewLocked(conv, a), created, nil
}

// directLocked finds or creates the conversation between a and b. mu must be held for writing.
func (m *Memory) directLocked(a, b string) (*memConversation, bool, error) {
	if a == b {
		return nil, false, errs.NewError(errs.ErrInvalidParams)
	}
	for _, id := range []string{a, b} {
		if _, ok := m.accounts[id]; !ok {
			return nil, false, errs.NewError(errs.ErrUserNotFound)
		}
	}

	key := pairKey(a, b)
	if id, ok := m.byPair[key]; ok {
		return m.conversations[id], false, nil
	}

	now := time.Now().UTC()
	conv := &memConversation{
		id:           uuid.New().String(),
		participants: key,
		createdAt:    now,
		updatedAt:    now,
	}
	m.conversations[conv.id] = conv
	m.byPair[key] = conv.id

	return conv, true, nil
}

// Conversation implements Directory.
func (m *Memory) Conversation(_ context.Context, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return Conversation{}, errs.NewError(errs.ErrConversationNotFound)
	}
	return m.viewLocked(conv, ""), nil
}

// ConversationsFor implements Directory.
func (m *Memory) ConversationsFor(_ context.Context, userID string) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []Conversation
	for _, conv := range m.conversations {
		if slices.Contains(conv.participants[:], userID) {
			convs = append(convs, m.viewLocked(conv, userID))
		}
	}

	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

// viewLocked renders a conversation for viewer; unread counts are only computed when viewer is set.
func (m *Memory) viewLocked(conv *memConversation, viewer string) Conversation {
	view := Conversation{
		ID:        conv.id,
		CreatedAt: conv.createdAt,
		UpdatedAt: conv.updatedAt,
		Participants: lo.Map(conv.participants[:], func(id string, _ int) user.Identity {
			if account, ok := m.accounts[id]; ok {
				return account.Identity()
			}
			return user.Identity{ID: id}
		}),
	}

	if n := len(conv.messages); n > 0 {
		last := conv.messages[n-1]
		view.LastMessage = &last
	}

	if viewer != "" {
		view.UnreadCount = lo.CountBy(conv.messages, func(msg protocol.Message) bool {
			return msg.SenderID != viewer && msg.ReadAt == nil
		})
	}

	return view
}

// CanAccess implements chat.MembershipAuthorizer.
func (m *Memory) CanAccess(_ context.Context, userID string, room chat.RoomID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[string(room)]
	if !ok {
		return false, nil
	}
	return slices.Contains(conv.participants[:], userID), nil
}

// ConversationsOf implements chat.ConversationDirectory.
func (m *Memory) ConversationsOf(_ context.Context, userID string) ([]chat.RoomID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rooms []chat.RoomID
	for id, conv := range m.conversations {
		if slices.Contains(conv.participants[:], userID) {
			rooms = append(rooms, chat.RoomID(id))
		}
	}
	return rooms, nil
}

// SaveMessage implements chat.MessageStore. Direct messages are filed under the
// conversation between sender and recipient, which is created on first use.
func (m *Memory) SaveMessage(_ context.Context, msg *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conv *memConversation
	if msg.ConversationID != "" {
		var ok bool
		if conv, ok = m.conversations[msg.ConversationID]; !ok {
			return errs.NewError(errs.ErrConversationNotFound)
		}
	} else {
		var err error
		if conv, _, err = m.directLocked(msg.SenderID, msg.RecipientID); err != nil {
			return err
		}
		msg.ConversationID = conv.id
	}

	conv.messages = append(conv.messages, *msg)
	conv.updatedAt = msg.Timestamp
	m.messages[msg.ID] = conv.id

	return nil
}

// MarkRead implements chat.MessageStore.
func (m *Memory) MarkRead(_ context.Context, messageID, userID string, readAt time.Time) (chat.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	convID, ok := m.messages[messageID]
	if !ok {
		return "", errs.NewError(errs.ErrMessageNotFound)
	}

	conv := m.conversations[convID]
	if !slices.Contains(conv.participants[:], userID) {
		return "", errs.NewError(errs.ErrNotAuthorized)
	}

	for i := range conv.messages {
		msg := &conv.messages[i]
		if msg.ID == messageID && msg.SenderID != userID && msg.ReadAt == nil {
			at := readAt
			msg.ReadAt = &at
		}
	}

	return chat.RoomID(convID), nil
}

// History implements chat.MessageStore.
func (m *Memory) History(_ context.Context, room chat.RoomID, page, limit int) ([]protocol.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[string(room)]
	if !ok {
		return nil, errs.NewError(errs.ErrConversationNotFound)
	}

	newestFirst := slices.Clone(conv.messages)
	slices.Reverse(newestFirst)

	offset := PageOffset(page, limit)
	if offset >= len(newestFirst) {
		return []protocol.Message{}, nil
	}
	end := min(offset+limit, len(newestFirst))

	return newestFirst[offset:end], nil
}

package protocol

import "time"

// AuthRequest is the payload of the auth event.
type AuthRequest struct {
	Token string `json:"token"`
}

// SendMessageRequest is the payload of message:send. Exactly one of
// ConversationID or RecipientID is expected; ConversationID wins when both are set.
type SendMessageRequest struct {
	Text           string `json:"text"`
	RecipientID    string `json:"recipientId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// ConversationRef is the payload of conversation:join and conversation:leave.
type ConversationRef struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// TypingRequest is the client payload of user:typing.
type TypingRequest struct {
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId" validate:"required"`
}

// ReadRequest is the client payload of message:read.
type ReadRequest struct {
	MessageID string    `json:"messageId" validate:"required"`
	ReadAt    time.Time `json:"readAt"`
}

// HistoryRequest is the client payload of conversation:history.
// Oversized limits are accepted here and clamped by the relay.
type HistoryRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Page           int    `json:"page" validate:"gte=0"`
	Limit          int    `json:"limit" validate:"gte=0"`
}

// Ack answers a frame that carried an ackId.
type Ack struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

// Message is the canonical chat message delivered with message:receive.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId,omitempty"`
	RecipientID    string     `json:"recipientId,omitempty"`
	SenderID       string     `json:"senderId"`
	SenderName     string     `json:"senderName"`
	Text           string     `json:"text"`
	Timestamp      time.Time  `json:"timestamp"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// Presence is the payload of user:online and user:offline.
type Presence struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
}

// Typing is the server payload of user:typing.
type Typing struct {
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId"`
}

// ReadReceipt is the server payload of message:read.
type ReadReceipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// History is the server payload of conversation:history.
type History struct {
	ConversationID string    `json:"conversationId"`
	Page           int       `json:"page"`
	Limit          int       `json:"limit"`
	Messages       []Message `json:"messages"`
}

// ErrorEvent is the payload of error and auth-error.
type ErrorEvent struct {
	Code           int    `json:"code"`
	Error          string `json:"error"`
	Message        string `json:"message"`
	Event          Event  `json:"event,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

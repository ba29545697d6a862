package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NormalizeMessage maps any message payload seen on the wire to the canonical Message.
//
// Besides the canonical shape it accepts the two legacy shapes still produced by older
// backends: the stored-document shape (_id, content, createdAt, senderInfo._id) and the
// wrapper shape {"message": {...}, "conversationId": "..."}. No other code should look
// at alternative keys.
func NormalizeMessage(raw json.RawMessage) (Message, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return Message{}, fmt.Errorf("%w: message payload: %v", ErrMalformed, err)
	}

	fields := outer
	if inner, ok := outer["message"]; ok && isObject(inner) {
		if err := json.Unmarshal(inner, &fields); err != nil {
			return Message{}, fmt.Errorf("%w: wrapped message: %v", ErrMalformed, err)
		}
	}

	var senderInfo map[string]json.RawMessage
	if info, ok := fields["senderInfo"]; ok && isObject(info) {
		_ = json.Unmarshal(info, &senderInfo)
	}

	msg := Message{
		ID:             firstString(fields, "id", "_id"),
		Text:           firstString(fields, "text", "content"),
		SenderID:       firstString(senderInfo, "_id", "id"),
		ConversationID: firstString(outer, "conversationId"),
		RecipientID:    firstString(fields, "recipientId"),
	}

	if msg.SenderID == "" {
		msg.SenderID = firstString(fields, "sender", "senderId")
	}
	if msg.ConversationID == "" {
		msg.ConversationID = firstString(fields, "conversationId")
	}

	msg.SenderName = firstString(fields, "senderName")
	if msg.SenderName == "" {
		msg.SenderName = firstString(senderInfo, "username")
	}
	if msg.SenderName == "" {
		msg.SenderName = firstString(fields, "sender")
	}
	if msg.SenderName == "" {
		msg.SenderName = "Unknown"
	}

	ts, err := firstTime(fields, "timestamp", "createdAt")
	if err != nil {
		return Message{}, err
	}
	msg.Timestamp = ts

	if readAt, err := firstTime(fields, "readAt"); err == nil && !readAt.IsZero() {
		msg.ReadAt = &readAt
	}

	if msg.ID == "" {
		return Message{}, fmt.Errorf("%w: message without id", ErrMalformed)
	}

	return msg, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// firstString returns the first key holding a non-empty string.
func firstString(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}

		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// firstTime parses the first present key as RFC 3339 text or Unix milliseconds.
// A payload without any of the keys yields the zero time.
func firstTime(fields map[string]json.RawMessage, keys ...string) (time.Time, error) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			continue
		}

		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s == "" {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UTC(), nil
			}
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC(), nil
			}
			return time.Time{}, fmt.Errorf("%w: %s is not a timestamp", ErrMalformed, key)
		}

		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}

		return time.Time{}, fmt.Errorf("%w: %s is not a timestamp", ErrMalformed, key)
	}

	return time.Time{}, nil
}

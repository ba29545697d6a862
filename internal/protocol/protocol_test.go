package protocol_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/protocol"
)

func TestDecode(t *testing.T) {
	t.Run("should keep the ackId of a frame without event", func(t *testing.T) {
		req := require.New(t)

		frame, err := protocol.Decode([]byte(`{"data":{},"ackId":"a-1"}`))

		req.ErrorIs(err, protocol.ErrMalformed)
		req.Equal("a-1", frame.AckID)
	})

	t.Run("should reject text that is not JSON", func(t *testing.T) {
		req := require.New(t)

		_, err := protocol.Decode([]byte(`hello`))

		req.ErrorIs(err, protocol.ErrMalformed)
	})

	t.Run("should read back an encoded frame", func(t *testing.T) {
		req := require.New(t)

		raw, err := protocol.Encode(protocol.EventJoin, protocol.ConversationRef{ConversationID: "r1"}, "a-2")
		req.NoError(err)

		frame, err := protocol.Decode(raw)
		req.NoError(err)
		req.Equal(protocol.EventJoin, frame.Event)
		req.Equal("a-2", frame.AckID)

		var ref protocol.ConversationRef
		req.NoError(frame.Bind(&ref))
		req.Equal("r1", ref.ConversationID)
	})
}

func TestBind(t *testing.T) {
	t.Run("should validate required fields", func(t *testing.T) {
		req := require.New(t)
		frame := protocol.Frame{Event: protocol.EventJoin}

		var ref protocol.ConversationRef
		err := frame.Bind(&ref)

		req.ErrorIs(err, protocol.ErrMalformed)
	})

	t.Run("should accept an oversized history limit", func(t *testing.T) {
		req := require.New(t)
		frame := protocol.Frame{Event: protocol.EventHistory, Data: []byte(`{"conversationId":"r1","limit":500}`)}

		var h protocol.HistoryRequest
		req.NoError(frame.Bind(&h))
		req.Equal(500, h.Limit)
	})

	t.Run("should refuse a negative history limit", func(t *testing.T) {
		req := require.New(t)
		frame := protocol.Frame{Event: protocol.EventHistory, Data: []byte(`{"conversationId":"r1","limit":-1}`)}

		var h protocol.HistoryRequest
		req.True(errors.Is(frame.Bind(&h), protocol.ErrMalformed))
	})
}

func TestNormalizeMessage(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want protocol.Message
	}{
		{
			name: "canonical",
			raw:  `{"id":"m1","conversationId":"r1","senderId":"u1","senderName":"ann","text":"hi","timestamp":"2026-01-02T03:04:05Z"}`,
			want: protocol.Message{ID: "m1", ConversationID: "r1", SenderID: "u1", SenderName: "ann", Text: "hi", Timestamp: at},
		},
		{
			name: "stored document",
			raw:  `{"_id":"m1","conversationId":"r1","content":"hi","createdAt":"2026-01-02T03:04:05Z","senderInfo":{"_id":"u1","username":"ann"}}`,
			want: protocol.Message{ID: "m1", ConversationID: "r1", SenderID: "u1", SenderName: "ann", Text: "hi", Timestamp: at},
		},
		{
			name: "wrapper",
			raw:  `{"conversationId":"r1","message":{"_id":"m1","content":"hi","sender":"u1","createdAt":1767323045000}}`,
			want: protocol.Message{ID: "m1", ConversationID: "r1", SenderID: "u1", SenderName: "u1", Text: "hi", Timestamp: at},
		},
		{
			name: "no sender name",
			raw:  `{"id":"m1","text":"hi"}`,
			want: protocol.Message{ID: "m1", SenderName: "Unknown", Text: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			got, err := protocol.NormalizeMessage([]byte(tt.raw))

			req.NoError(err)
			req.Equal(tt.want, got)
		})
	}

	t.Run("should reject a message without id", func(t *testing.T) {
		_, err := protocol.NormalizeMessage([]byte(`{"text":"hi"}`))
		require.ErrorIs(t, err, protocol.ErrMalformed)
	})

	t.Run("should reject an unreadable timestamp", func(t *testing.T) {
		_, err := protocol.NormalizeMessage([]byte(`{"id":"m1","timestamp":"yesterday"}`))
		require.ErrorIs(t, err, protocol.ErrMalformed)
	})

	t.Run("should keep the read time", func(t *testing.T) {
		req := require.New(t)

		got, err := protocol.NormalizeMessage([]byte(`{"id":"m1","readAt":"2026-01-02T03:04:05Z"}`))

		req.NoError(err)
		req.NotNil(got.ReadAt)
		req.Equal(at, *got.ReadAt)
	})
}

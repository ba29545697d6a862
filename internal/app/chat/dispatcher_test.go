package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/user"
	"chatrelay/internal/mocks"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/protocol"
)

func TestDispatcher_Auth(t *testing.T) {
	t.Run("should answer an expired token and close the connection", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		verifier := mocks.NewMockIdentityVerifier(ctrl)
		m := newTestManager(chat.Options{}, chat.Collaborators{Verifier: verifier})

		verifier.EXPECT().
			Verify(gomock.Any(), "expired").
			Return(user.Identity{}, errs.NewError(errs.ErrAuthExpiredToken)).
			Times(1)

		transport := &fakeTransport{}
		c := m.Attach(transport)

		// When the connection authenticates with an expired token
		m.Receive(c, encode(t, protocol.EventAuth, protocol.AuthRequest{Token: "expired"}, "a1"))

		// Then it is told why and closed right away
		ack, ok := transport.ackFor("a1")
		req.True(ok)
		req.Equal(protocol.Ack{Success: false, Error: "ExpiredToken"}, ack)

		closed, code := transport.isClosed()
		req.True(closed)
		req.Equal(chat.CloseAuthFailed, code)
		req.Zero(m.Registry.Count())
		req.True(c.Closed())
	})

	t.Run("should send auth-error when the auth frame has no ackId", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		transport := &fakeTransport{}
		c := m.Attach(transport)

		m.Receive(c, encode(t, protocol.EventAuth, protocol.AuthRequest{Token: "forged"}, ""))

		frames := transport.received(protocol.EventAuthError)
		req.Len(frames, 1)
		var payload protocol.ErrorEvent
		req.NoError(frames[0].Bind(&payload))
		req.Equal("InvalidToken", payload.Error)
		req.Equal(protocol.EventAuth, payload.Event)
	})

	t.Run("should reject other events before authentication", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		transport := &fakeTransport{}
		c := m.Attach(transport)

		m.Receive(c, encode(t, protocol.EventJoin, protocol.ConversationRef{ConversationID: "r1"}, "j1"))

		ack, ok := transport.ackFor("j1")
		req.True(ok)
		req.Equal("AuthRequired", ack.Error)
		req.Equal(chat.StateUnauthenticated, c.State())
		req.Zero(m.Membership.RoomCount())

		closed, _ := transport.isClosed()
		req.False(closed)
	})

	t.Run("should acknowledge with the user id", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		transport := &fakeTransport{}
		c := m.Attach(transport)

		m.Receive(c, encode(t, protocol.EventAuth, protocol.AuthRequest{Token: "tok-alice"}, "a1"))

		ack, ok := transport.ackFor("a1")
		req.True(ok)
		req.Equal(protocol.Ack{Success: true, UserID: alice.ID}, ack)

		// the snapshot follows the ack
		req.Len(transport.received(protocol.EventOnlineUsers), 1)
		req.Equal(protocol.EventAck, transport.frames[0].Event)
	})
}

func TestDispatcher_Malformed(t *testing.T) {
	req := require.New(t)
	m := newTestManager(chat.Options{}, chat.Collaborators{})
	a, aTransport := connect(t, m, "tok-alice")
	b, bTransport := connect(t, m, "tok-bob")
	join(t, m, a, "r1")
	join(t, m, b, "r1")

	for _, raw := range []string{`not json`, `{"data":{}}`, `{"event":"wat"}`, `{"event":"message:send","data":"text"}`} {
		m.Receive(a, []byte(raw))
	}
	m.Receive(a, []byte(`{"data":{},"ackId":"x1"}`))

	// Then only the sender hears about it and the connection stays usable
	req.Len(aTransport.received(protocol.EventError), 4)
	ack, ok := aTransport.ackFor("x1")
	req.True(ok)
	req.Equal("MalformedEvent", ack.Error)
	req.Empty(bTransport.received(protocol.EventError))
	req.False(a.Closed())
}

func TestDispatcher_SendMessage(t *testing.T) {
	t.Run("should deliver one message:receive to each room member", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		a, aTransport := connect(t, m, "tok-alice")
		b, bTransport := connect(t, m, "tok-bob")
		join(t, m, a, "r1")
		join(t, m, b, "r1")

		// When alice sends to r1
		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "hi", ConversationID: "r1"}, "s1"))

		// Then both receive it exactly once
		for _, transport := range []*fakeTransport{aTransport, bTransport} {
			frames := transport.received(protocol.EventMessageReceive)
			req.Len(frames, 1)
			msg, err := protocol.NormalizeMessage(frames[0].Data)
			req.NoError(err)
			req.Equal("hi", msg.Text)
			req.Equal(alice.ID, msg.SenderID)
			req.Equal("alice", msg.SenderName)
			req.Equal("r1", msg.ConversationID)
			req.WithinDuration(time.Now(), msg.Timestamp, time.Minute)
		}

		ack, ok := aTransport.ackFor("s1")
		req.True(ok)
		req.True(ack.Success)
		req.NotEmpty(ack.MessageID)
		req.Equal(2, ack.Delivered)
		req.Zero(ack.Failed)
	})

	t.Run("should deliver a direct message to the recipient and the sender's devices", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		a, aTransport := connect(t, m, "tok-alice")
		_, aTablet := connect(t, m, "tok-alice")
		_, bTransport := connect(t, m, "tok-bob")

		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "psst", RecipientID: bob.ID}, "s1"))

		req.Len(bTransport.received(protocol.EventMessageReceive), 1)
		req.Len(aTablet.received(protocol.EventMessageReceive), 1)
		req.Len(aTransport.received(protocol.EventMessageReceive), 1)

		ack, _ := aTransport.ackFor("s1")
		req.Equal(3, ack.Delivered)
	})

	t.Run("should report an offline recipient as a failed delivery", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		a, aTransport := connect(t, m, "tok-alice")

		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "hello?", RecipientID: carol.ID}, "s1"))

		ack, ok := aTransport.ackFor("s1")
		req.True(ok)
		req.True(ack.Success)
		req.Equal(1, ack.Delivered) // the sender's own connection
		req.Equal(1, ack.Failed)
	})

	t.Run("should refuse a room the sender may not view", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		authorizer := mocks.NewMockMembershipAuthorizer(ctrl)
		m := newTestManager(chat.Options{}, chat.Collaborators{Authorizer: authorizer})
		a, aTransport := connect(t, m, "tok-alice")

		authorizer.EXPECT().CanAccess(gomock.Any(), alice.ID, chat.RoomID("r9")).Return(false, nil).Times(1)

		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "hi", ConversationID: "r9"}, "s1"))

		ack, _ := aTransport.ackFor("s1")
		req.Equal(protocol.Ack{Success: false, Error: "NotAuthorized"}, ack)
		req.Empty(aTransport.received(protocol.EventMessageReceive))
		req.False(a.Closed())
	})

	t.Run("should validate the text", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		a, aTransport := connect(t, m, "tok-alice")

		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "   ", ConversationID: "r1"}, "empty"))
		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: strings.Repeat("x", chat.MaxContentBytes+1), ConversationID: "r1"}, "long"))
		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "lost"}, "nowhere"))

		for id, reason := range map[string]string{"empty": "MessageEmpty", "long": "MessageTooLong", "nowhere": "MessageNoTarget"} {
			ack, ok := aTransport.ackFor(id)
			req.True(ok, id)
			req.Equal(reason, ack.Error, id)
		}
	})

	t.Run("should not deliver a message that could not be stored", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockMessageStore(ctrl)
		m := newTestManager(chat.Options{}, chat.Collaborators{Store: store})
		a, aTransport := connect(t, m, "tok-alice")
		join(t, m, a, "r1")

		store.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(1)

		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "hi", ConversationID: "r1"}, "s1"))

		ack, _ := aTransport.ackFor("s1")
		req.Equal("PersistFailed", ack.Error)
		req.Empty(aTransport.received(protocol.EventMessageReceive))
	})

	t.Run("should echo on new-message when legacy echo is on", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{LegacyEcho: true}, chat.Collaborators{})
		a, _ := connect(t, m, "tok-alice")
		b, bTransport := connect(t, m, "tok-bob")
		join(t, m, a, "r1")
		join(t, m, b, "r1")

		m.Receive(a, encode(t, protocol.EventSendMessage, protocol.SendMessageRequest{Text: "hi", ConversationID: "r1"}, ""))

		req.Len(bTransport.received(protocol.EventMessageReceive), 1)
		req.Len(bTransport.received(protocol.EventLegacyNewMessage), 1)
	})
}

func TestDispatcher_JoinLeave(t *testing.T) {
	req := require.New(t)
	m := newTestManager(chat.Options{}, chat.Collaborators{})
	a, aTransport := connect(t, m, "tok-alice")

	m.Receive(a, encode(t, protocol.EventJoin, protocol.ConversationRef{ConversationID: "r1"}, "j1"))
	ack, _ := aTransport.ackFor("j1")
	req.True(ack.Success)
	req.True(m.Membership.IsMember(a.ID, "r1"))

	m.Receive(a, encode(t, protocol.EventLeave, protocol.ConversationRef{ConversationID: "r1"}, ""))
	req.False(m.Membership.IsMember(a.ID, "r1"))

	// a join without a conversation id is malformed
	m.Receive(a, encode(t, protocol.EventJoin, map[string]string{}, "j2"))
	ack, _ = aTransport.ackFor("j2")
	req.Equal("MalformedEvent", ack.Error)
}

func TestDispatcher_MarkRead(t *testing.T) {
	t.Run("should persist the receipt and tell the other participant", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockMessageStore(ctrl)
		m := newTestManager(chat.Options{}, chat.Collaborators{Store: store})
		a, aTransport := connect(t, m, "tok-alice")
		b, bTransport := connect(t, m, "tok-bob")
		join(t, m, a, "r1")
		join(t, m, b, "r1")

		readAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		store.EXPECT().MarkRead(gomock.Any(), "m1", bob.ID, readAt).Return(chat.RoomID("r1"), nil).Times(1)

		m.Receive(b, encode(t, protocol.EventMarkRead, protocol.ReadRequest{MessageID: "m1", ReadAt: readAt}, "r1"))

		ack, _ := bTransport.ackFor("r1")
		req.True(ack.Success)
		req.Empty(bTransport.received(protocol.EventMarkRead))

		frames := aTransport.received(protocol.EventMarkRead)
		req.Len(frames, 1)
		var receipt protocol.ReadReceipt
		req.NoError(frames[0].Bind(&receipt))
		req.Equal(protocol.ReadReceipt{MessageID: "m1", ConversationID: "r1", UserID: bob.ID, ReadAt: readAt}, receipt)
	})

	t.Run("should pass store errors back to the reader", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockMessageStore(ctrl)
		m := newTestManager(chat.Options{}, chat.Collaborators{Store: store})
		b, bTransport := connect(t, m, "tok-bob")

		store.EXPECT().MarkRead(gomock.Any(), "ghost", bob.ID, gomock.Any()).
			Return(chat.RoomID(""), errs.NewError(errs.ErrMessageNotFound)).
			Times(1)

		m.Receive(b, encode(t, protocol.EventMarkRead, protocol.ReadRequest{MessageID: "ghost"}, "r1"))

		ack, _ := bTransport.ackFor("r1")
		req.Equal("MessageNotFound", ack.Error)
	})
}

func TestDispatcher_History(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	m := newTestManager(chat.Options{}, chat.Collaborators{Store: store})
	a, aTransport := connect(t, m, "tok-alice")

	page := []protocol.Message{{ID: "m2", Text: "second"}, {ID: "m1", Text: "first"}}
	store.EXPECT().History(gomock.Any(), chat.RoomID("r1"), 2, 100).Return(page, nil).Times(1)

	// When a page beyond the maximum size is requested
	m.Receive(a, encode(t, protocol.EventHistory, protocol.HistoryRequest{ConversationID: "r1", Page: 2, Limit: 500}, "h1"))

	// Then the request is acknowledged and a clamped page pushed afterwards
	ack, ok := aTransport.ackFor("h1")
	req.True(ok)
	req.True(ack.Success)

	req.Eventually(func() bool {
		return len(aTransport.received(protocol.EventHistory)) == 1
	}, eventually, 5*time.Millisecond)

	var history protocol.History
	req.NoError(aTransport.received(protocol.EventHistory)[0].Bind(&history))
	req.Equal("r1", history.ConversationID)
	req.Equal(2, history.Page)
	req.Equal(100, history.Limit)
	req.Len(history.Messages, 2)
	req.Equal("m2", history.Messages[0].ID)
}

func TestDispatcher_TypingNeedsMembership(t *testing.T) {
	req := require.New(t)
	m := newTestManager(chat.Options{}, chat.Collaborators{})
	a, aTransport := connect(t, m, "tok-alice")

	m.Receive(a, encode(t, protocol.EventTyping, protocol.TypingRequest{ConversationID: "r1", IsTyping: true}, ""))

	frames := aTransport.received(protocol.EventError)
	req.Len(frames, 1)
	var payload protocol.ErrorEvent
	req.NoError(frames[0].Bind(&payload))
	req.Equal("NotAuthorized", payload.Error)
	req.Equal("r1", payload.ConversationID)
	req.Equal(protocol.EventTyping, payload.Event)
}

func TestManager_Shutdown(t *testing.T) {
	req := require.New(t)
	m := newTestManager(chat.Options{}, chat.Collaborators{})
	_, aTransport := connect(t, m, "tok-alice")
	_, bTransport := connect(t, m, "tok-bob")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(m.Shutdown(ctx))

	for _, transport := range []*fakeTransport{aTransport, bTransport} {
		closed, _ := transport.isClosed()
		req.True(closed)
	}
	req.Zero(m.Registry.Count())
}

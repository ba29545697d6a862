package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/user"
	"chatrelay/internal/client"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/protocol"
)

type tokenVerifier map[string]user.Identity

func (v tokenVerifier) Verify(_ context.Context, token string) (user.Identity, error) {
	identity, ok := v[token]
	if !ok {
		return user.Identity{}, errs.NewError(errs.ErrAuthInvalidToken)
	}
	return identity, nil
}

// inbox collects the messages one consumer sees.
type inbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (i *inbox) add(m protocol.Message) {
	i.mu.Lock()
	i.msgs = append(i.msgs, m)
	i.mu.Unlock()
}

func (i *inbox) all() []protocol.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]protocol.Message(nil), i.msgs...)
}

func startRelay(t *testing.T, opts chat.Options) (*chat.Manager, string) {
	t.Helper()
	m := chat.NewManager(opts, chat.Collaborators{Verifier: tokenVerifier{
		"tok-alice": {ID: "u-alice", Username: "alice"},
		"tok-bob":   {ID: "u-bob", Username: "bob"},
	}})

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.ServeClient(conn)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		server.Close()
		m.Presence.Stop()
	})

	return m, "ws" + strings.TrimPrefix(server.URL, "http")
}

func openSession(t *testing.T, url, token string) *client.Session {
	t.Helper()
	s := client.NewSession(client.Config{
		URL:         url,
		Token:       token,
		AuthTimeout: time.Second,
		AckTimeout:  time.Second,
		Backoff:     client.BackoffConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3},
	})
	t.Cleanup(s.Close)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestRelay_RoomMessage(t *testing.T) {
	req := require.New(t)
	// legacy echo makes the relay announce every message twice
	_, url := startRelay(t, chat.Options{LegacyEcho: true})

	a := openSession(t, url, "tok-alice")
	b := openSession(t, url, "tok-bob")

	var aInbox, bInbox inbox
	a.Subscribe(client.HandlerSet{OnMessage: aInbox.add})
	b.Subscribe(client.HandlerSet{OnMessage: bInbox.add})

	req.NoError(a.JoinConversation(context.Background(), "r1"))
	req.NoError(b.JoinConversation(context.Background(), "r1"))

	// When alice sends to the room
	ack, err := a.SendMessage(context.Background(), protocol.SendMessageRequest{Text: "hi", ConversationID: "r1"})
	req.NoError(err)
	req.True(ack.Success)
	req.Equal(2, ack.Delivered)

	// Then both sides see it exactly once
	req.Eventually(func() bool {
		return len(aInbox.all()) == 1 && len(bInbox.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	got := bInbox.all()
	req.Len(got, 1)
	req.Len(aInbox.all(), 1)
	req.Equal(ack.MessageID, got[0].ID)
	req.Equal("hi", got[0].Text)
	req.Equal("u-alice", got[0].SenderID)
	req.Equal("r1", got[0].ConversationID)
}

func TestRelay_PresenceAndErrors(t *testing.T) {
	t.Run("should tell a newcomer who is online", func(t *testing.T) {
		req := require.New(t)
		_, url := startRelay(t, chat.Options{})

		openSession(t, url, "tok-alice")

		online := make(chan []string, 1)
		b := client.NewSession(client.Config{URL: url, Token: "tok-bob"})
		t.Cleanup(b.Close)
		b.Subscribe(client.HandlerSet{OnOnlineUsers: func(ids []string) { online <- ids }})
		req.NoError(b.Connect(context.Background()))

		select {
		case ids := <-online:
			req.ElementsMatch([]string{"u-alice", "u-bob"}, ids)
		case <-time.After(2 * time.Second):
			req.Fail("no online-users snapshot")
		}
	})

	t.Run("should surface a rejected token", func(t *testing.T) {
		req := require.New(t)
		_, url := startRelay(t, chat.Options{})

		s := client.NewSession(client.Config{URL: url, Token: "forged"})
		t.Cleanup(s.Close)

		err := s.Connect(context.Background())

		req.True(errs.Is(err, errs.ErrAuthInvalidToken))
		req.Equal(client.StateDisconnected, s.State())
	})

	t.Run("should return the refusal of an empty message", func(t *testing.T) {
		req := require.New(t)
		_, url := startRelay(t, chat.Options{})
		a := openSession(t, url, "tok-alice")

		_, err := a.SendMessage(context.Background(), protocol.SendMessageRequest{Text: "  "})

		req.True(errs.Is(err, errs.ErrMessageEmpty))
	})
}

func TestRelay_ReconnectAfterShutdownOfTransport(t *testing.T) {
	req := require.New(t)
	m, url := startRelay(t, chat.Options{})
	s := openSession(t, url, "tok-alice")

	reconnected := make(chan struct{}, 1)
	s.OnReady(func(again bool) {
		if !again {
			return
		}
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	// When the relay drops the connection
	for _, c := range m.Registry.ConnectionsOf("u-alice") {
		c.Close(websocket.CloseInternalServerErr, "test")
	}

	// Then the session comes back on its own
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		req.Fail("session did not reconnect")
	}
	req.Eventually(func() bool { return m.Registry.IsOnline("u-alice") }, time.Second, 10*time.Millisecond)
}

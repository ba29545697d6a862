package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/app/user"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/protocol"
)

var errBrokenPipe = errors.New("write: broken pipe")

// fakeTransport records pushed frames and close requests.
type fakeTransport struct {
	mu        sync.Mutex
	frames    []protocol.Frame
	broken    bool
	closed    bool
	closeCode int
	onPush    func()
}

func (t *fakeTransport) Push(frame []byte) error {
	t.mu.Lock()
	if t.broken {
		t.mu.Unlock()
		return errBrokenPipe
	}
	decoded, err := protocol.Decode(frame)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.frames = append(t.frames, decoded)
	hook := t.onPush
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (t *fakeTransport) Close(code int, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
}

func (t *fakeTransport) isClosed() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

// received returns the frames pushed for event.
func (t *fakeTransport) received(event protocol.Event) []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []protocol.Frame
	for _, f := range t.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// pushed returns every pushed frame in order.
func (t *fakeTransport) pushed() []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Frame(nil), t.frames...)
}

// ackFor returns the decoded ack answering ackID.
func (t *fakeTransport) ackFor(ackID string) (protocol.Ack, bool) {
	for _, f := range t.received(protocol.EventAck) {
		if f.AckID == ackID {
			var ack protocol.Ack
			if err := f.Bind(&ack); err == nil {
				return ack, true
			}
		}
	}
	return protocol.Ack{}, false
}

// staticVerifier accepts the tokens it knows.
type staticVerifier map[string]user.Identity

func (v staticVerifier) Verify(_ context.Context, token string) (user.Identity, error) {
	identity, ok := v[token]
	if !ok {
		return user.Identity{}, errs.NewError(errs.ErrAuthInvalidToken)
	}
	return identity, nil
}

var (
	alice = user.Identity{ID: "u-alice", Username: "alice"}
	bob   = user.Identity{ID: "u-bob", Username: "bob"}
	carol = user.Identity{ID: "u-carol", Username: "carol"}

	testTokens = staticVerifier{
		"tok-alice": alice,
		"tok-bob":   bob,
		"tok-carol": carol,
	}
)

func newTestManager(opts chat.Options, deps chat.Collaborators) *chat.Manager {
	if deps.Verifier == nil {
		deps.Verifier = testTokens
	}
	return chat.NewManager(opts, deps)
}

func encode(t *testing.T, event protocol.Event, data any, ackID string) []byte {
	t.Helper()
	raw, err := protocol.Encode(event, data, ackID)
	require.NoError(t, err)
	return raw
}

// connect attaches a fake transport and authenticates it with token.
func connect(t *testing.T, m *chat.Manager, token string) (*chat.Connection, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	c := m.Attach(transport)
	m.Receive(c, encode(t, protocol.EventAuth, protocol.AuthRequest{Token: token}, "auth-1"))

	ack, ok := transport.ackFor("auth-1")
	require.True(t, ok, "auth was not acknowledged")
	require.True(t, ack.Success, "auth failed: %s", ack.Error)
	return c, transport
}

func join(t *testing.T, m *chat.Manager, c *chat.Connection, room string) {
	t.Helper()
	require.NoError(t, m.Membership.Join(context.Background(), c, chat.RoomID(room)))
}

const eventually = time.Second

package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/mocks"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/protocol"
)

func TestDelivery_Room(t *testing.T) {
	t.Run("should isolate a broken subscriber from the others", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})

		// Given a room with a healthy subscriber and one whose transport is broken
		healthy, healthyTransport := connect(t, m, "tok-alice")
		join(t, m, healthy, "r1")

		broken := mocks.NewMockTransport(ctrl)
		broken.EXPECT().Push(gomock.Any()).Return(nil).Times(1) // online users snapshot
		brokenConn := m.Attach(broken)
		m.Receive(brokenConn, encode(t, protocol.EventAuth, protocol.AuthRequest{Token: "tok-bob"}, ""))
		join(t, m, brokenConn, "r1")
		broken.EXPECT().Push(gomock.Any()).Return(errors.New("connection reset")).Times(1)

		// When a message is delivered to the room
		acks, err := m.Delivery.Deliver(context.Background(), protocol.EventMessageReceive,
			protocol.Message{ID: "m1", Text: "hi"}, chat.ToRoom("r1"))
		req.NoError(err)

		// Then the broken subscriber reports a transport error and the healthy one still receives
		req.Len(acks, 2)
		for _, ack := range acks {
			if ack.ConnectionID == brokenConn.ID {
				req.NotNil(ack.Err)
				req.Equal(errs.ErrTransport, ack.Err.Code)
			} else {
				req.True(ack.OK())
			}
		}
		req.Len(healthyTransport.received(protocol.EventMessageReceive), 1)

		delivered, failed := chat.Summarize(acks)
		req.Equal(1, delivered)
		req.Equal(1, failed)
	})

	t.Run("should skip connections that join after the snapshot", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{DeliveryConcurrency: 1}, chat.Collaborators{})

		first, firstTransport := connect(t, m, "tok-alice")
		join(t, m, first, "r1")
		late, lateTransport := connect(t, m, "tok-bob")

		// Given the first push makes another connection join the room
		var once sync.Once
		firstTransport.mu.Lock()
		firstTransport.onPush = func() {
			once.Do(func() { join(t, m, late, "r1") })
		}
		firstTransport.mu.Unlock()

		// When a message is delivered
		acks, err := m.Delivery.Deliver(context.Background(), protocol.EventMessageReceive,
			protocol.Message{ID: "m1"}, chat.ToRoom("r1"))
		req.NoError(err)

		// Then only the subscriber present at call time got it
		req.Len(acks, 1)
		req.Equal(first.ID, acks[0].ConnectionID)
		req.Len(firstTransport.received(protocol.EventMessageReceive), 1)
		req.Empty(lateTransport.received(protocol.EventMessageReceive))
		req.True(m.Membership.IsMember(late.ID, "r1"))
	})

	t.Run("should push deliveries to one room in call order", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})

		var transports []*fakeTransport
		for _, token := range []string{"tok-alice", "tok-bob", "tok-carol"} {
			c, transport := connect(t, m, token)
			join(t, m, c, "r1")
			transports = append(transports, transport)
		}

		for i := range 25 {
			_, err := m.Delivery.Deliver(context.Background(), protocol.EventMessageReceive,
				protocol.Message{ID: fmt.Sprintf("m%02d", i)}, chat.ToRoom("r1"))
			req.NoError(err)
		}

		for _, transport := range transports {
			frames := transport.received(protocol.EventMessageReceive)
			req.Len(frames, 25)
			for i, frame := range frames {
				msg, err := protocol.NormalizeMessage(frame.Data)
				req.NoError(err)
				req.Equal(fmt.Sprintf("m%02d", i), msg.ID)
			}
		}
	})

	t.Run("should leave out the excluded user", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})

		a, aTransport := connect(t, m, "tok-alice")
		b, bTransport := connect(t, m, "tok-bob")
		join(t, m, a, "r1")
		join(t, m, b, "r1")

		acks, err := m.Delivery.Deliver(context.Background(), protocol.EventTyping,
			protocol.Typing{UserID: alice.ID, IsTyping: true, ConversationID: "r1"}, chat.ToRoom("r1").Except(alice.ID))
		req.NoError(err)

		req.Len(acks, 1)
		req.Empty(aTransport.received(protocol.EventTyping))
		req.Len(bTransport.received(protocol.EventTyping), 1)
	})
}

func TestDelivery_User(t *testing.T) {
	t.Run("should reach every device of the user", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		_, phone := connect(t, m, "tok-bob")
		_, laptop := connect(t, m, "tok-bob")

		acks, err := m.Delivery.Deliver(context.Background(), protocol.EventMessageReceive,
			protocol.Message{ID: "m1"}, chat.ToUser(bob.ID))
		req.NoError(err)

		delivered, failed := chat.Summarize(acks)
		req.Equal(2, delivered)
		req.Zero(failed)
		req.Len(phone.received(protocol.EventMessageReceive), 1)
		req.Len(laptop.received(protocol.EventMessageReceive), 1)
	})

	t.Run("should report a single not-connected ack for an offline user", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})

		acks, err := m.Delivery.Deliver(context.Background(), protocol.EventMessageReceive,
			protocol.Message{ID: "m1"}, chat.ToUser("nobody"))
		req.NoError(err)

		req.Len(acks, 1)
		req.Equal("nobody", acks[0].UserID)
		req.Equal(errs.ErrNotConnected, acks[0].Err.Code)
	})

	t.Run("should refuse to start with a cancelled context", func(t *testing.T) {
		req := require.New(t)
		m := newTestManager(chat.Options{}, chat.Collaborators{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.Delivery.Deliver(ctx, protocol.EventMessageReceive, protocol.Message{ID: "m1"}, chat.ToUser(bob.ID))

		req.ErrorIs(err, context.Canceled)
	})
}

package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/randx"
	"chatrelay/internal/protocol"
)

const (
	// MaxContentBytes is the maximum size of a message text.
	MaxContentBytes = 5000

	// default and maximum page size for conversation:history.
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	// historyTimeout bounds one asynchronous history load.
	historyTimeout = 10 * time.Second
)

// Dispatcher routes inbound frames of one connection to the component that handles them
// and replies with acks and error events.
type Dispatcher struct {
	registry   *Registry
	membership *Membership
	delivery   *Delivery
	presence   *Presence
	store      MessageStore

	// LegacyEcho also emits every chat message as new-message for old clients.
	LegacyEcho bool

	logger zerolog.Logger
}

// NewDispatcher wires the core components together. store may be nil.
func NewDispatcher(registry *Registry, membership *Membership, delivery *Delivery, presence *Presence, store MessageStore) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		membership: membership,
		delivery:   delivery,
		presence:   presence,
		store:      store,
		logger:     logx.Component("Dispatcher"),
	}
}

// Handle processes one raw inbound frame. It never panics on bad input: malformed
// frames are answered to the sender only.
func (d *Dispatcher) Handle(ctx context.Context, c *Connection, raw []byte) {
	if c.Closed() {
		return
	}

	frame, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Client sent malformed frame")
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	if frame.Event == protocol.EventAuth {
		d.handleAuth(ctx, c, frame)
		return
	}

	if _, ok := c.Identity(); !ok {
		d.fail(c, frame, errs.NewError(errs.ErrAuthRequired))
		return
	}

	switch frame.Event {
	case protocol.EventSendMessage:
		d.handleSend(ctx, c, frame)

	case protocol.EventJoin:
		d.handleJoin(ctx, c, frame)

	case protocol.EventLeave:
		d.handleLeave(c, frame)

	case protocol.EventTyping:
		d.handleTyping(ctx, c, frame)

	case protocol.EventMarkRead:
		d.handleRead(ctx, c, frame)

	case protocol.EventHistory:
		d.handleHistory(ctx, c, frame)

	default:
		c.logger.Warn().Str("event", string(frame.Event)).Msg("Client sent unsupported event")
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
	}
}

// handleAuth binds the connection to a user. A rejected token is answered and the
// connection is closed after the answer has been flushed.
func (d *Dispatcher) handleAuth(ctx context.Context, c *Connection, frame protocol.Frame) {
	var req protocol.AuthRequest
	if err := frame.Bind(&req); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	identity, err := d.registry.Authenticate(ctx, c.ID, req.Token)
	if err != nil {
		customErr := asCustom(err)
		d.fail(c, frame, customErr)

		c.Close(CloseAuthFailed, customErr.Reason)
		d.registry.Unregister(c.ID)
		return
	}

	d.ack(c, frame.AckID, protocol.Ack{Success: true, UserID: identity.ID})
	d.presence.SendSnapshot(c)
}

func (d *Dispatcher) handleSend(ctx context.Context, c *Connection, frame protocol.Frame) {
	var req protocol.SendMessageRequest
	if err := frame.Bind(&req); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		d.fail(c, frame, errs.NewError(errs.ErrMessageEmpty))
		return
	}
	if len(req.Text) > MaxContentBytes {
		d.fail(c, frame, errs.NewError(errs.ErrMessageContentTooLong, MaxContentBytes))
		return
	}

	identity, _ := c.Identity()

	msg := protocol.Message{
		ID:             randx.MessageID(),
		ConversationID: req.ConversationID,
		SenderID:       identity.ID,
		SenderName:     identity.Username,
		Text:           req.Text,
		Timestamp:      time.Now().UTC(),
	}

	var targets []Target
	switch {
	case req.ConversationID != "":
		room := RoomID(req.ConversationID)
		if err := d.membership.Authorize(ctx, identity.ID, room); err != nil {
			d.fail(c, frame, asCustom(err))
			return
		}
		targets = []Target{ToRoom(room)}

	case req.RecipientID != "":
		msg.RecipientID = req.RecipientID
		targets = []Target{ToUser(req.RecipientID)}
		if req.RecipientID != identity.ID {
			// the sender's other devices see their own message too
			targets = append(targets, ToUser(identity.ID))
		}

	default:
		d.fail(c, frame, errs.NewError(errs.ErrMessageNoTarget))
		return
	}

	if d.store != nil {
		if err := d.store.SaveMessage(ctx, &msg); err != nil {
			c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to persist message")
			d.fail(c, frame, errs.NewError(errs.ErrPersistFailed))
			return
		}
	}

	var acks []Ack
	for _, target := range targets {
		got, err := d.delivery.Deliver(ctx, protocol.EventMessageReceive, msg, target)
		if err != nil {
			d.fail(c, frame, errs.NewError(errs.ErrUnknown, err))
			return
		}
		if d.LegacyEcho {
			_, _ = d.delivery.Deliver(ctx, protocol.EventLegacyNewMessage, msg, target)
		}
		acks = append(acks, got...)
	}

	delivered, failed := Summarize(acks)
	c.logger.Debug().
		Str("message_id", msg.ID).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("Message dispatched")

	d.ack(c, frame.AckID, protocol.Ack{
		Success:   true,
		MessageID: msg.ID,
		Delivered: delivered,
		Failed:    failed,
	})
}

func (d *Dispatcher) handleJoin(ctx context.Context, c *Connection, frame protocol.Frame) {
	var req protocol.ConversationRef
	if err := frame.Bind(&req); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	if err := d.membership.Join(ctx, c, RoomID(req.ConversationID)); err != nil {
		d.failRoom(c, frame, asCustom(err), req.ConversationID)
		return
	}

	d.ack(c, frame.AckID, protocol.Ack{Success: true})
}

func (d *Dispatcher) handleLeave(c *Connection, frame protocol.Frame) {
	var req protocol.ConversationRef
	if err := frame.Bind(&req); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	d.membership.Leave(c.ID, RoomID(req.ConversationID))
	d.ack(c, frame.AckID, protocol.Ack{Success: true})
}

func (d *Dispatcher) handleTyping(ctx context.Context, c *Connection, frame protocol.Frame) {
	var req protocol.TypingRequest
	if err := frame.Bind(&req); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	if err := d.presence.Typing(ctx, c, RoomID(req.ConversationID), req.IsTyping); err != nil {
		d.failRoom(c, frame, asCustom(err), req.ConversationID)
		return
	}

	d.ack(c, frame.AckID, protocol.Ack{Success: true})
}

func (d *Dispatcher) handleRead(ctx context.Context, c *Connection, frame protocol.Frame) {
	var req protocol.ReadRequest
	if err := frame.Bind(&req); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	if d.store == nil {
		d.ack(c, frame.AckID, protocol.Ack{Success: true, MessageID: req.MessageID})
		return
	}

	readAt := req.ReadAt
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}

	identity, _ := c.Identity()

	room, err := d.store.MarkRead(ctx, req.MessageID, identity.ID, readAt)
	if err != nil {
		c.logger.Warn().Err(err).Str("message_id", req.MessageID).Msg("Failed to mark message read")
		customErr := errs.NewError(errs.ErrPersistFailed)
		var known *errs.CustomError
		if errors.As(err, &known) {
			customErr = known
		}
		d.fail(c, frame, customErr)
		return
	}

	receipt := protocol.ReadReceipt{
		MessageID:      req.MessageID,
		ConversationID: string(room),
		UserID:         identity.ID,
		ReadAt:         readAt,
	}

	if _, err := d.delivery.Deliver(ctx, protocol.EventMarkRead, receipt, ToRoom(room).Except(identity.ID)); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrUnknown, err))
		return
	}

	d.ack(c, frame.AckID, protocol.Ack{Success: true, MessageID: req.MessageID})
}

// handleHistory acknowledges the request and pushes the page when it has been loaded.
func (d *Dispatcher) handleHistory(ctx context.Context, c *Connection, frame protocol.Frame) {
	var req protocol.HistoryRequest
	if err := frame.Bind(&req); err != nil {
		d.fail(c, frame, errs.NewError(errs.ErrMalformedEvent))
		return
	}

	identity, _ := c.Identity()
	room := RoomID(req.ConversationID)

	if err := d.membership.Authorize(ctx, identity.ID, room); err != nil {
		d.failRoom(c, frame, asCustom(err), req.ConversationID)
		return
	}

	page := max(req.Page, 1)
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	d.ack(c, frame.AckID, protocol.Ack{Success: true})

	go d.loadHistory(c, room, page, limit)
}

func (d *Dispatcher) loadHistory(c *Connection, room RoomID, page, limit int) {
	ctx, cancel := context.WithTimeout(c.Context(), historyTimeout)
	defer cancel()

	history := protocol.History{
		ConversationID: string(room),
		Page:           page,
		Limit:          limit,
		Messages:       []protocol.Message{},
	}

	if d.store != nil {
		msgs, err := d.store.History(ctx, room, page, limit)
		if err != nil {
			c.logger.Error().Err(err).Str("room", string(room)).Msg("Failed to load history")
			d.sendError(c, protocol.EventHistory, errs.NewError(errs.ErrPersistFailed), string(room))
			return
		}
		history.Messages = msgs
	}

	frame, err := protocol.Encode(protocol.EventHistory, history, "")
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode history")
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to push history")
	}
}

// ack answers a frame that carried an ackId. Frames without one get no ack.
func (d *Dispatcher) ack(c *Connection, ackID string, ack protocol.Ack) {
	if ackID == "" {
		return
	}

	frame, err := protocol.Encode(protocol.EventAck, ack, ackID)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode ack")
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn().Err(err).Str("ack_id", ackID).Msg("Failed to push ack")
	}
}

// fail answers a failed frame with a negative ack, or with an error event when
// the frame carried no ackId.
func (d *Dispatcher) fail(c *Connection, frame protocol.Frame, customErr *errs.CustomError) {
	d.failRoom(c, frame, customErr, "")
}

func (d *Dispatcher) failRoom(c *Connection, frame protocol.Frame, customErr *errs.CustomError, conversationID string) {
	if frame.AckID != "" {
		d.ack(c, frame.AckID, protocol.Ack{Success: false, Error: customErr.Reason})
		return
	}
	d.sendError(c, frame.Event, customErr, conversationID)
}

// sendError pushes an error event, or auth-error for authentication failures.
func (d *Dispatcher) sendError(c *Connection, event protocol.Event, customErr *errs.CustomError, conversationID string) {
	name := protocol.EventError
	if errs.IsAuth(customErr) {
		name = protocol.EventAuthError
	}

	payload := protocol.ErrorEvent{
		Code:           customErr.Code,
		Error:          customErr.Reason,
		Message:        customErr.Message,
		Event:          event,
		ConversationID: conversationID,
	}

	frame, err := protocol.Encode(name, payload, "")
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode error event")
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to push error event")
	}
}

// asCustom converts any error to a *errs.CustomError, mapping unknown errors to ErrUnknown.
func asCustom(err error) *errs.CustomError {
	var customErr *errs.CustomError
	if errors.As(err, &customErr) {
		return customErr
	}
	return errs.NewError(errs.ErrUnknown, err)
}

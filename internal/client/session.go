/*
Package client implements the connection manager used by chat front ends.

A Session owns exactly one transport to the relay at a time. Concurrent Connect calls share
one in-flight attempt, dropped transports are re-established with bounded exponential backoff
and re-authenticated, and any number of consumers share the transport through Subscribe
without receiving an event twice.
*/
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/randx"
	"chatrelay/internal/protocol"
)

const (
	DefaultAuthTimeout = 5 * time.Second
	DefaultAckTimeout  = 10 * time.Second
)

// State is the lifecycle of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config configures a Session. Zero durations and counts fall back to defaults.
type Config struct {
	URL   string
	Token string

	AuthTimeout time.Duration
	AckTimeout  time.Duration
	Backoff     BackoffConfig

	// Dialer defaults to WSDialer.
	Dialer Dialer
}

type ackResult struct {
	ack protocol.Ack
	err error
}

// Session is the single logical connection of one authenticated user.
type Session struct {
	cfg    Config
	dialer Dialer

	// ctx bounds every connection attempt; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	flight singleflight.Group
	state  atomic.Int32

	mu         sync.Mutex
	conn       Conn
	token      string
	generation uint64 // bumped by Disconnect and SetToken to void attempts in flight
	everReady  bool
	reconnect  *reconnectRun
	pending    map[string]chan ackResult

	readyMu     sync.Mutex
	readyNextID uint64
	onReady     map[uint64]func(reconnected bool)

	subs   *subscriptions
	events *inbound
	logger zerolog.Logger
}

// NewSession returns a disconnected session. Call Connect to open the transport.
func NewSession(cfg Config) *Session {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WSDialer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := logx.Component("client").With().Str("url", cfg.URL).Logger()

	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		ctx:     ctx,
		cancel:  cancel,
		token:   cfg.Token,
		pending: make(map[string]chan ackResult),
		onReady: make(map[uint64]func(bool)),
		subs:    newSubscriptions(logger),
		events:  newInbound(),
		logger:  logger,
	}
	go s.events.run(ctx, s.subs.dispatch)

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	if old != state {
		s.logger.Debug().Stringer("from", old).Stringer("to", state).Msg("Session state changed.")
	}
}

// Subscribe registers a consumer's handlers and returns its handle.
func (s *Session) Subscribe(handlers HandlerSet) *Subscription {
	return s.subs.add(handlers)
}

// OnReady registers fn to run on every transition to Ready. reconnected is false only
// for the first time the session becomes ready. The returned func removes fn.
func (s *Session) OnReady(fn func(reconnected bool)) func() {
	s.readyMu.Lock()
	s.readyNextID++
	id := s.readyNextID
	s.onReady[id] = fn
	s.readyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.readyMu.Lock()
			delete(s.onReady, id)
			s.readyMu.Unlock()
		})
	}
}

func (s *Session) notifyReady(reconnected bool) {
	s.readyMu.Lock()
	fns := make([]func(bool), 0, len(s.onReady))
	for _, fn := range s.onReady {
		fns = append(fns, fn)
	}
	s.readyMu.Unlock()

	for _, fn := range fns {
		fn(reconnected)
	}
}

// SetToken replaces the credential used for future connection attempts. An attempt
// already in flight with the old token is abandoned.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.generation++
	s.mu.Unlock()
}

// Connect opens and authenticates the transport unless the session is already ready.
// Concurrent callers share one attempt; ctx only bounds how long this caller waits.
// A failure other than an auth rejection also schedules background reconnects.
func (s *Session) Connect(ctx context.Context) error {
	err := s.connectShared(ctx)
	if err != nil && ctx.Err() == nil && retriable(err) {
		s.scheduleReconnect()
	}
	return err
}

func (s *Session) connectShared(ctx context.Context) error {
	if s.State() == StateReady {
		return nil
	}

	result := s.flight.DoChan("connect", func() (any, error) {
		return nil, s.connect()
	})

	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect runs one attempt: dial, send auth and wait for its ack.
func (s *Session) connect() error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	token, gen := s.token, s.generation
	s.mu.Unlock()

	if token == "" {
		return errs.NewError(errs.ErrAuthMissingToken)
	}

	s.setState(StateConnecting)

	conn, err := s.dialer.Dial(s.ctx, s.cfg.URL)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	if gen != s.generation || s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		s.setState(StateDisconnected)
		return context.Canceled
	}
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateAuthenticating)
	go s.readLoop(conn)

	ack, err := s.request(s.ctx, conn, protocol.EventAuth, protocol.AuthRequest{Token: token}, s.cfg.AuthTimeout)
	if err != nil {
		if errs.IsAuth(err) {
			s.invalidateToken(token)
		}
		s.drop(conn, false)
		return err
	}

	s.mu.Lock()
	if gen != s.generation || s.conn != conn {
		s.mu.Unlock()
		s.drop(conn, false)
		return context.Canceled
	}
	reconnected := s.everReady
	s.everReady = true
	s.setState(StateReady)
	s.mu.Unlock()

	s.logger.Info().Str("user_id", ack.UserID).Bool("reconnected", reconnected).Msg("Session ready.")
	s.notifyReady(reconnected)

	return nil
}

// invalidateToken forgets a rejected token and stops pending reconnects until SetToken.
func (s *Session) invalidateToken(token string) {
	s.mu.Lock()
	if s.token == token {
		s.token = ""
	}
	s.stopReconnectLocked()
	s.mu.Unlock()

	s.logger.Warn().Msg("Token rejected; reconnects paused until a new token is set.")
}

func (s *Session) readLoop(conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Transport read ended.")
			s.drop(conn, true)
			return
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed frame.")
			continue
		}

		if frame.Event == protocol.EventAck {
			s.resolve(frame)
			continue
		}

		s.events.push(frame.Event, frame.Data)
	}
}

func (s *Session) resolve(frame protocol.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.AckID]
	delete(s.pending, frame.AckID)
	s.mu.Unlock()

	if !ok {
		return
	}

	var ack protocol.Ack
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		ch <- ackResult{err: fmt.Errorf("%w: ack payload: %v", protocol.ErrMalformed, err)}
		return
	}
	if !ack.Success {
		ch <- ackResult{ack: ack, err: errs.FromReason(ack.Error)}
		return
	}
	ch <- ackResult{ack: ack}
}

// drop tears conn down once. Pending requests fail with NotConnected; when the loss
// was not asked for, a reconnect is scheduled.
func (s *Session) drop(conn Conn, unexpected bool) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	pending := s.pending
	s.pending = make(map[string]chan ackResult)
	canReconnect := unexpected && s.token != "" && s.ctx.Err() == nil
	s.setState(StateDisconnected)
	s.mu.Unlock()

	_ = conn.Close()

	for _, ch := range pending {
		ch <- ackResult{err: errs.NewError(errs.ErrNotConnected)}
	}

	if canReconnect {
		s.logger.Warn().Msg("Transport lost; reconnecting.")
		s.scheduleReconnect()
	}
}

// Disconnect closes the transport and cancels any pending reconnect. The session can
// be connected again later.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.generation++
	s.stopReconnectLocked()
	conn := s.conn
	if conn == nil {
		s.setState(StateDisconnected)
	}
	s.mu.Unlock()

	if conn != nil {
		s.drop(conn, false)
	}
}

// Close disconnects and releases the session for good.
func (s *Session) Close() {
	s.Disconnect()
	s.cancel()
}

// request sends event with a fresh ackId on conn and waits for the ack.
func (s *Session) request(ctx context.Context, conn Conn, event protocol.Event, data any, timeout time.Duration) (protocol.Ack, error) {
	ackID := randx.AckID()
	frame, err := protocol.Encode(event, data, ackID)
	if err != nil {
		return protocol.Ack{}, err
	}

	ch := make(chan ackResult, 1)
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return protocol.Ack{}, errs.NewError(errs.ErrNotConnected)
	}
	s.pending[ackID] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, ackID)
		s.mu.Unlock()
	}

	if err := conn.WriteMessage(frame); err != nil {
		forget()
		return protocol.Ack{}, errors.Join(errs.NewError(errs.ErrTransport), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-timer.C:
		forget()
		return protocol.Ack{}, errs.NewError(errs.ErrTimeout)
	case <-ctx.Done():
		forget()
		return protocol.Ack{}, ctx.Err()
	}
}

// readyConn returns the transport if the session is ready.
func (s *Session) readyConn() (Conn, error) {
	if s.State() != StateReady {
		return nil, errs.NewError(errs.ErrNotConnected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errs.NewError(errs.ErrNotConnected)
	}
	return s.conn, nil
}

// emit sends a fire-and-forget event.
func (s *Session) emit(event protocol.Event, data any) error {
	conn, err := s.readyConn()
	if err != nil {
		return err
	}

	frame, err := protocol.Encode(event, data, "")
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(frame); err != nil {
		return errors.Join(errs.NewError(errs.ErrTransport), err)
	}
	return nil
}

func (s *Session) call(ctx context.Context, event protocol.Event, data any) (protocol.Ack, error) {
	conn, err := s.readyConn()
	if err != nil {
		return protocol.Ack{}, err
	}
	return s.request(ctx, conn, event, data, s.cfg.AckTimeout)
}

// SendMessage sends a message and waits for the server's acknowledgment. A failed
// send leaves the caller's input untouched so it can be resubmitted.
func (s *Session) SendMessage(ctx context.Context, msg protocol.SendMessageRequest) (protocol.Ack, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s.call(ctx, protocol.EventSendMessage, msg)
}

// JoinConversation subscribes the transport to a conversation. Memberships do not
// survive a reconnect; rejoin from an OnReady callback.
func (s *Session) JoinConversation(ctx context.Context, conversationID string) error {
	_, err := s.call(ctx, protocol.EventJoin, protocol.ConversationRef{ConversationID: conversationID})
	return err
}

// LeaveConversation unsubscribes the transport from a conversation.
func (s *Session) LeaveConversation(conversationID string) error {
	return s.emit(protocol.EventLeave, protocol.ConversationRef{ConversationID: conversationID})
}

// SendTyping announces the typing state in a conversation.
func (s *Session) SendTyping(conversationID string, isTyping bool) error {
	return s.emit(protocol.EventTyping, protocol.TypingRequest{ConversationID: conversationID, IsTyping: isTyping})
}

// MarkRead reports a message as read.
func (s *Session) MarkRead(messageID string, readAt time.Time) error {
	return s.emit(protocol.EventMarkRead, protocol.ReadRequest{MessageID: messageID, ReadAt: readAt})
}

// RequestHistory asks for a page of history. The page arrives through the OnHistory
// handlers of subscribed consumers.
func (s *Session) RequestHistory(ctx context.Context, conversationID string, page, limit int) error {
	_, err := s.call(ctx, protocol.EventHistory, protocol.HistoryRequest{
		ConversationID: conversationID,
		Page:           page,
		Limit:          limit,
	})
	return err
}

package client

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"chatrelay/internal/protocol"
)

// HandlerSet is one consumer's callbacks. Nil fields are not subscribed.
type HandlerSet struct {
	// OnMessage receives message:receive and the legacy new-message event, normalized
	// and deduplicated by message id.
	OnMessage     func(protocol.Message)
	OnUserOnline  func(protocol.Presence)
	OnUserOffline func(protocol.Presence)
	OnTyping      func(protocol.Typing)
	OnOnlineUsers func([]string)
	OnRead        func(protocol.ReadReceipt)
	OnHistory     func(protocol.History)

	// OnError receives both error and auth-error events.
	OnError func(protocol.ErrorEvent)
}

// events lists the wire events the set is interested in.
func (h HandlerSet) events() []protocol.Event {
	var events []protocol.Event
	if h.OnMessage != nil {
		events = append(events, protocol.EventMessageReceive, protocol.EventLegacyNewMessage)
	}
	if h.OnUserOnline != nil {
		events = append(events, protocol.EventUserOnline)
	}
	if h.OnUserOffline != nil {
		events = append(events, protocol.EventUserOffline)
	}
	if h.OnTyping != nil {
		events = append(events, protocol.EventTyping)
	}
	if h.OnOnlineUsers != nil {
		events = append(events, protocol.EventOnlineUsers)
	}
	if h.OnRead != nil {
		events = append(events, protocol.EventMarkRead)
	}
	if h.OnHistory != nil {
		events = append(events, protocol.EventHistory)
	}
	if h.OnError != nil {
		events = append(events, protocol.EventError, protocol.EventAuthError)
	}
	return events
}

// Subscription is the handle returned by Subscribe. Unsubscribe is the only way to
// remove the handlers it registered.
type Subscription struct {
	id   uint64
	subs *subscriptions
	once sync.Once
}

// Unsubscribe removes this consumer's handlers. Other consumers are unaffected.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.subs.remove(s.id)
	})
}

// listener decodes one event type and fans it out to every interested handler set.
type listener func(data json.RawMessage)

type subscriber struct {
	id       uint64
	handlers HandlerSet
}

// subscriptions keeps exactly one listener per event type while at least one
// handler set is interested in it.
type subscriptions struct {
	mu        sync.RWMutex
	nextID    uint64
	sets      []subscriber // in subscription order
	interest  map[protocol.Event]int
	listeners map[protocol.Event]listener

	seen   *recentIDs
	logger zerolog.Logger
}

func newSubscriptions(logger zerolog.Logger) *subscriptions {
	return &subscriptions{
		interest:  make(map[protocol.Event]int),
		listeners: make(map[protocol.Event]listener),
		seen:      newRecentIDs(recentMessageIDs),
		logger:    logger,
	}
}

func (s *subscriptions) add(handlers HandlerSet) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.sets = append(s.sets, subscriber{id: id, handlers: handlers})

	for _, event := range handlers.events() {
		s.interest[event]++
		if _, ok := s.listeners[event]; !ok {
			s.listeners[event] = s.listenerFor(event)
		}
	}

	return &Subscription{id: id, subs: s}
}

func (s *subscriptions) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.sets, func(sub subscriber) bool { return sub.id == id })
	if idx < 0 {
		return
	}
	handlers := s.sets[idx].handlers
	s.sets = slices.Delete(s.sets, idx, idx+1)

	for _, event := range handlers.events() {
		s.interest[event]--
		if s.interest[event] <= 0 {
			delete(s.interest, event)
			delete(s.listeners, event)
		}
	}
}

// dispatch hands a server event to its listener. Events nobody listens to are dropped.
func (s *subscriptions) dispatch(event protocol.Event, data json.RawMessage) {
	s.mu.RLock()
	l, ok := s.listeners[event]
	s.mu.RUnlock()

	if ok {
		l(data)
	}
}

func (s *subscriptions) listenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// each calls fn for a snapshot of the current handler sets, so handlers may
// subscribe or unsubscribe from inside a callback.
func (s *subscriptions) each(fn func(HandlerSet)) {
	s.mu.RLock()
	sets := lo.Map(s.sets, func(sub subscriber, _ int) HandlerSet { return sub.handlers })
	s.mu.RUnlock()

	for _, handlers := range sets {
		fn(handlers)
	}
}

func (s *subscriptions) listenerFor(event protocol.Event) listener {
	switch event {
	case protocol.EventMessageReceive, protocol.EventLegacyNewMessage:
		return func(data json.RawMessage) {
			msg, err := protocol.NormalizeMessage(data)
			if err != nil {
				s.logger.Warn().Err(err).Str("event", string(event)).Msg("Dropping malformed message.")
				return
			}
			if !s.seen.add(msg.ID) {
				return
			}
			s.each(func(h HandlerSet) {
				if h.OnMessage != nil {
					h.OnMessage(msg)
				}
			})
		}
	case protocol.EventUserOnline:
		return decoded(s, event, func(h HandlerSet) func(protocol.Presence) { return h.OnUserOnline })
	case protocol.EventUserOffline:
		return decoded(s, event, func(h HandlerSet) func(protocol.Presence) { return h.OnUserOffline })
	case protocol.EventTyping:
		return decoded(s, event, func(h HandlerSet) func(protocol.Typing) { return h.OnTyping })
	case protocol.EventOnlineUsers:
		return decoded(s, event, func(h HandlerSet) func([]string) { return h.OnOnlineUsers })
	case protocol.EventMarkRead:
		return decoded(s, event, func(h HandlerSet) func(protocol.ReadReceipt) { return h.OnRead })
	case protocol.EventHistory:
		return decoded(s, event, func(h HandlerSet) func(protocol.History) { return h.OnHistory })
	default:
		return decoded(s, event, func(h HandlerSet) func(protocol.ErrorEvent) { return h.OnError })
	}
}

// decoded builds a listener that unmarshals the payload once and passes it to the
// callback pick selects from each handler set.
func decoded[T any](s *subscriptions, event protocol.Event, pick func(HandlerSet) func(T)) listener {
	return func(data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn().Err(err).Str("event", string(event)).Msg("Dropping malformed event payload.")
			return
		}
		s.each(func(h HandlerSet) {
			if fn := pick(h); fn != nil {
				fn(payload)
			}
		})
	}
}

const recentMessageIDs = 512

// recentIDs remembers the last n message ids so that a message announced under both
// message:receive and new-message reaches consumers once.
type recentIDs struct {
	mu   sync.Mutex
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{
		ring: make([]string, n),
		set:  make(map[string]struct{}, n),
	}
}

// add records id and reports whether it was not seen before.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[id]; ok {
		return false
	}

	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)

	return true
}

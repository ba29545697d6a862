package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/protocol"
)

// DefaultDeliveryConcurrency bounds concurrent pushes within one fan-out.
const DefaultDeliveryConcurrency = 32

// Target selects the recipients of a delivery.
type Target struct {
	Room   RoomID
	UserID string

	// ExceptUser drops every connection belonging to this user.
	ExceptUser string
}

// ToRoom targets every connection subscribed to room.
func ToRoom(room RoomID) Target { return Target{Room: room} }

// ToUser targets every authenticated connection of userID.
func ToUser(userID string) Target { return Target{UserID: userID} }

// Except returns a copy of t that skips userID's connections.
func (t Target) Except(userID string) Target {
	t.ExceptUser = userID
	return t
}

func (t Target) key() string {
	if t.Room != "" {
		return "room:" + string(t.Room)
	}
	return "user:" + t.UserID
}

// Ack is the outcome of one push. Err is nil on success.
type Ack struct {
	ConnectionID ConnectionID
	UserID       string
	Err          *errs.CustomError
}

// OK reports whether the push was accepted by the transport.
func (a Ack) OK() bool { return a.Err == nil }

// Summarize counts successful and failed acks.
func Summarize(acks []Ack) (delivered, failed int) {
	for _, a := range acks {
		if a.OK() {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed
}

// Delivery fans events out to the connections selected by a Target.
type Delivery struct {
	registry    *Registry
	membership  *Membership
	concurrency int
	seq         *sequencer
	logger      zerolog.Logger
}

// NewDelivery creates a delivery engine. concurrency <= 0 selects the default.
func NewDelivery(registry *Registry, membership *Membership, concurrency int) *Delivery {
	if concurrency <= 0 {
		concurrency = DefaultDeliveryConcurrency
	}
	return &Delivery{
		registry:    registry,
		membership:  membership,
		concurrency: concurrency,
		seq:         newSequencer(),
		logger:      logx.Component("Delivery"),
	}
}

// Deliver encodes the event once and pushes it to every recipient selected by target.
//
// Recipients are resolved when the call starts. Each gets exactly one push and one Ack,
// and a failing recipient never stops the others. Deliveries to the same target are
// pushed in call order. The error is non-nil only when the payload cannot be encoded
// or ctx is already done.
func (d *Delivery) Deliver(ctx context.Context, event protocol.Event, payload any, target Target) ([]Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame, err := protocol.Encode(event, payload, "")
	if err != nil {
		d.logger.Error().Err(err).Str("event", string(event)).Msg("Failed to encode event for delivery.")
		return nil, err
	}

	release := d.seq.acquire(target.key())
	defer release()

	recipients, missing := d.resolve(target)

	acks := make([]Ack, len(recipients), len(recipients)+len(missing))

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i, c := range recipients {
		g.Go(func() error {
			acks[i] = d.push(c, frame)
			return nil
		})
	}
	_ = g.Wait()

	acks = append(acks, missing...)

	if delivered, failed := Summarize(acks); failed > 0 {
		d.logger.Warn().
			Str("event", string(event)).
			Str("target", target.key()).
			Int("delivered", delivered).
			Int("failed", failed).
			Msg("Delivery partially failed.")
	}

	return acks, nil
}

// resolve snapshots the recipients. Subscribers that vanished between the membership
// snapshot and the lookup, and users without connections, come back as NotConnected acks.
func (d *Delivery) resolve(target Target) ([]*Connection, []Ack) {
	var (
		conns   []*Connection
		missing []Ack
	)

	switch {
	case target.Room != "":
		for _, id := range d.membership.Subscribers(target.Room) {
			c := d.registry.Connection(id)
			if c == nil {
				missing = append(missing, Ack{ConnectionID: id, Err: errs.NewError(errs.ErrNotConnected)})
				continue
			}
			conns = append(conns, c)
		}

	case target.UserID != "":
		conns = d.registry.ConnectionsOf(target.UserID)
		if len(conns) == 0 {
			missing = append(missing, Ack{UserID: target.UserID, Err: errs.NewError(errs.ErrNotConnected)})
		}
	}

	if target.ExceptUser == "" {
		return conns, missing
	}

	kept := conns[:0]
	for _, c := range conns {
		if identity, _ := c.Identity(); identity.ID == target.ExceptUser {
			continue
		}
		kept = append(kept, c)
	}
	return kept, missing
}

func (d *Delivery) push(c *Connection, frame []byte) Ack {
	identity, _ := c.Identity()
	ack := Ack{ConnectionID: c.ID, UserID: identity.ID}

	if err := c.Push(frame); err != nil {
		ack.Err = errs.NewError(errs.CodeOf(err))
		c.logger.Warn().Err(err).Msg("Push failed.")
	}
	return ack
}

// sequencer hands out one mutex per delivery target and forgets it when unused.
type sequencer struct {
	mu    sync.Mutex
	locks map[string]*seqLock
}

type seqLock struct {
	sync.Mutex
	refs int
}

func newSequencer() *sequencer {
	return &sequencer{locks: make(map[string]*seqLock)}
}

func (s *sequencer) acquire(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &seqLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

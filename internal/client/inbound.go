package client

import (
	"context"
	"encoding/json"
	"sync"

	"chatrelay/internal/protocol"
)

type inboundEvent struct {
	event protocol.Event
	data  json.RawMessage
}

// inbound hands server events from the read loop to consumer handlers in arrival order.
// The queue is unbounded so a slow handler never stalls reads, and so acks keep
// resolving while a handler waits on one.
type inbound struct {
	mu    sync.Mutex
	items []inboundEvent
	wake  chan struct{}
}

func newInbound() *inbound {
	return &inbound{wake: make(chan struct{}, 1)}
}

func (q *inbound) push(event protocol.Event, data json.RawMessage) {
	q.mu.Lock()
	q.items = append(q.items, inboundEvent{event: event, data: data})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events one at a time until ctx is done.
func (q *inbound) run(ctx context.Context, deliver func(protocol.Event, json.RawMessage)) {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, ev := range batch {
			if ctx.Err() != nil {
				return
			}
			deliver(ev.event, ev.data)
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

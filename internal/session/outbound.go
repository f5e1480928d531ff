package session

import (
	"context"
	"sync"

	"github.com/behavex/realtime/internal/protocol"
)

// Outbound is a connection's bounded send queue. Single owner on each
// side: only the router (and control paths on the same dispatcher) push,
// only the connection's writer task pops. Packets are queued decoded; the
// writer task runs them through the per-connection codec so a lagged
// marker can be stamped at drain time.
type Outbound struct {
	mu       sync.Mutex
	buf      []*protocol.Packet
	capacity int
	lagged   uint64 // events dropped since the last drained event
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
}

// NewOutbound creates a queue with the given capacity (minimum 1).
func NewOutbound(capacity int) *Outbound {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbound{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// Push enqueues a packet, dropping the oldest queued packet when full.
// Returns the number of packets dropped (0 or 1). Dropped packets are
// accounted in the lagged counter surfaced on the next drained event.
func (q *Outbound) Push(p *protocol.Packet) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	dropped := 0
	if len(q.buf) >= q.capacity {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		q.lagged++
		dropped = 1
	}
	q.buf = append(q.buf, p)
	q.signalLocked(q.notEmpty)
	return dropped
}

// TryPush enqueues a packet only if there is room. Used by the
// evict-slow-consumer policy, which never drops silently.
func (q *Outbound) TryPush(p *protocol.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.buf) >= q.capacity {
		return false
	}
	q.buf = append(q.buf, p)
	q.signalLocked(q.notEmpty)
	return true
}

// PushWait enqueues a packet, blocking until room is available or the
// context expires. Returns ctx.Err() on expiry.
func (q *Outbound) PushWait(ctx context.Context, p *protocol.Packet) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return protocol.E(protocol.CodePublishFailed, "connection closed")
		}
		if len(q.buf) < q.capacity {
			q.buf = append(q.buf, p)
			q.signalLocked(q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notFull:
		}
	}
}

// Pop dequeues the next packet, blocking until one is available or the
// context expires. When the popped packet is an event and drops occurred
// since the previous event, the drop count is stamped into the event body
// so the subscriber sees the lagged marker on recovery.
func (q *Outbound) Pop(ctx context.Context) (*protocol.Packet, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			p := q.buf[0]
			q.buf = q.buf[1:]
			if p.Header.Type == protocol.TypeEvent && q.lagged > 0 && p.Payload.Event != nil {
				stamped := *p
				ev := *p.Payload.Event
				ev.Lagged = q.lagged
				stamped.Payload.Event = &ev
				p = &stamped
				q.lagged = 0
			}
			q.signalLocked(q.notFull)
			if len(q.buf) > 0 {
				q.signalLocked(q.notEmpty)
			}
			q.mu.Unlock()
			return p, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, protocol.E(protocol.CodePublishFailed, "connection closed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notEmpty:
		}
	}
}

// Close wakes blocked producers and the writer task. Queued packets are
// discarded.
func (q *Outbound) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.buf = nil
	q.signalLocked(q.notEmpty)
	q.signalLocked(q.notFull)
	q.mu.Unlock()
}

// Len returns the number of queued packets.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Outbound) signalLocked(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

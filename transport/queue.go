package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smnsjas/go-uspcore/errs"
)

// DefaultQueueTTL is how long an inbound payload waits to be received.
const DefaultQueueTTL = 60 * time.Second

type queueItem struct {
	in      Inbound
	expires time.Time
}

// Queue is a FIFO of inbound payloads whose items expire after a TTL.
// Push never blocks; Pop blocks until an unexpired item arrives.
type Queue struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending []queueItem
	closed  bool
	// notify has capacity one; a pending token means "look again".
	notify chan struct{}
	done   chan struct{}

	expired atomic.Uint64
}

// NewQueue creates a queue. A non-positive ttl selects DefaultQueueTTL.
func NewQueue(ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}
	return &Queue{
		ttl:     ttl,
		now:     time.Now,
		pending: make([]queueItem, 0, 16),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Push appends in, stamping its receive time.
func (q *Queue) Push(in Inbound) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	now := q.now()
	if in.Received.IsZero() {
		in.Received = now
	}
	q.pending = append(q.pending, queueItem{in: in, expires: now.Add(q.ttl)})
	q.mu.Unlock()

	q.wake()
	return nil
}

// Pop removes and returns the oldest unexpired item. Expired items are
// discarded on the way. A ctx deadline yields errs.ErrTransportTimeout.
func (q *Queue) Pop(ctx context.Context) (Inbound, error) {
	for {
		q.mu.Lock()
		now := q.now()
		for len(q.pending) > 0 {
			item := q.pending[0]
			q.pending[0] = queueItem{}
			q.pending = q.pending[1:]
			if now.After(item.expires) {
				q.expired.Add(1)
				continue
			}
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return item.in, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Inbound{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Inbound{}, errs.ErrTransportTimeout
			}
			return Inbound{}, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Receive implements Receiver.
func (q *Queue) Receive(ctx context.Context) (Inbound, error) {
	return q.Pop(ctx)
}

// Len returns the number of queued items, expired ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Expired returns how many items were discarded for exceeding the TTL.
func (q *Queue) Expired() uint64 {
	return q.expired.Load()
}

// Close wakes blocked Pop calls. Items still queued can be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

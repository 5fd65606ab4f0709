package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Hub connects in-memory endpoints by address. Every endpoint owns an
// expiring inbound Queue; Send pushes onto the destination's queue with
// the sender's address as ReplyTo.
type Hub struct {
	ttl time.Duration

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewHub creates a hub whose queues use ttl (DefaultQueueTTL if zero).
func NewHub(ttl time.Duration) *Hub {
	return &Hub{
		ttl:       ttl,
		endpoints: make(map[string]*Endpoint),
	}
}

// Endpoint returns the endpoint bound to addr, creating it on first use.
func (h *Hub) Endpoint(addr string) *Endpoint {
	h.mu.RLock()
	ep, ok := h.endpoints[addr]
	h.mu.RUnlock()
	if ok {
		return ep
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[addr]; ok {
		return ep
	}
	ep = &Endpoint{addr: addr, hub: h, queue: NewQueue(h.ttl)}
	h.endpoints[addr] = ep
	return ep
}

// Listen implements Listener by serving the endpoint bound to addr.
func (h *Hub) Listen(ctx context.Context, addr string, handler Handler) error {
	return Serve(ctx, h.Endpoint(addr), handler)
}

// Close closes every endpoint queue.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ep := range h.endpoints {
		ep.queue.Close()
	}
}

func (h *Hub) lookup(addr string) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[addr]
	return ep, ok
}

// Endpoint is one address on a Hub. It implements Transport.
type Endpoint struct {
	addr  string
	hub   *Hub
	queue *Queue
}

// Addr returns the address the endpoint is bound to.
func (e *Endpoint) Addr() string {
	return e.addr
}

// Send copies payload onto the queue of the endpoint bound to addr.
func (e *Endpoint) Send(ctx context.Context, payload []byte, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, ok := e.hub.lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return dest.queue.Push(Inbound{Payload: cp, ReplyTo: e.addr})
}

// Receive pops the next payload addressed to this endpoint.
func (e *Endpoint) Receive(ctx context.Context) (Inbound, error) {
	return e.queue.Pop(ctx)
}

// Queue exposes the endpoint's inbound queue.
func (e *Endpoint) Queue() *Queue {
	return e.queue
}

// Package transport defines the contract between the USP core and a
// message transfer protocol binding, plus the pieces bindings share.
//
// # Contract
//
// The core needs three operations:
//
//	Send(ctx, payload, addr)   fire-and-forget delivery of one Record
//	Receive(ctx)               next inbound Record, bounded by ctx
//	Listen(ctx, addr, handler) serve inbound Records until ctx ends
//
// A Handler returns the bytes to send back to the originator, or nil for
// no reply.
//
// # Shared Pieces
//
//   - Queue: the inbound buffer between a binding's network side and
//     Receive. Items expire after a TTL and are skipped when popped late.
//   - Hub: an in-memory binding used by tests and the simulator.
//   - RateLimiter: a per-sender token bucket for inbound traffic.
//   - Serve: the receive → handle → reply loop every binding reuses.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed transport or queue.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownAddress is returned when no endpoint is bound to an address.
	ErrUnknownAddress = errors.New("unknown address")
)

// Inbound is one received payload.
type Inbound struct {
	Payload []byte
	// ReplyTo is the address replies to this payload must be sent to.
	ReplyTo  string
	Received time.Time
}

// Sender delivers a payload to addr.
type Sender interface {
	Send(ctx context.Context, payload []byte, addr string) error
}

// Receiver yields inbound payloads. Receive blocks until a payload is
// available or ctx ends; a deadline expiry is reported as
// errs.ErrTransportTimeout.
type Receiver interface {
	Receive(ctx context.Context) (Inbound, error)
}

// Transport is a bound endpoint that can both send and receive.
type Transport interface {
	Sender
	Receiver
}

// Handler processes one inbound payload and returns the reply, if any.
type Handler func(ctx context.Context, payload []byte) []byte

// Listener binds addr and serves inbound payloads with h until ctx ends.
type Listener interface {
	Listen(ctx context.Context, addr string, h Handler) error
}

// Serve runs the inbound loop on t: each payload is passed to h in
// arrival order and a non-nil result is sent to the payload's ReplyTo.
// Serve returns nil when ctx is cancelled.
func Serve(ctx context.Context, t Transport, h Handler) error {
	for {
		in, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		reply := h(ctx, in.Payload)
		if reply == nil || in.ReplyTo == "" {
			continue
		}
		if err := t.Send(ctx, reply, in.ReplyTo); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrUnknownAddress) {
				return fmt.Errorf("send reply to %s: %w", in.ReplyTo, err)
			}
		}
	}
}

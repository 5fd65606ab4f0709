// Package coap binds the USP transport contract to CoAP over UDP.
//
// # Sending
//
// A Record is POSTed to the peer's resource with content-format 42
// (application/octet-stream) and a URI-Query option carrying the local
// address without its scheme:
//
//	POST coap://10.0.0.2:5683/usp?reply-to=10.0.0.1:5683/usp
//
// Any response other than 2.04 Changed is reported as ErrRejected.
//
// # Receiving
//
// The listener serves a single resource and answers every request with
// content-format 42:
//
//	GET, PUT, DELETE                -> 4.05 Method Not Allowed
//	content-format other than 42    -> 4.15 Unsupported Content-Format
//	no reply-to URI-Query           -> 4.00 Bad Request
//	sender over its rate limit      -> 5.03 Service Unavailable
//	accepted                        -> 2.04 Changed
//
// Accepted payloads are pushed onto an expiring transport.Queue together
// with the reply-to address, and are read back with Receive.
package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/rs/zerolog"

	"github.com/smnsjas/go-uspcore/transport"
)

// ContentFormat is the media type of USP Records on CoAP.
var ContentFormat = message.AppOctets

// DefaultSendTimeout bounds one POST exchange when ctx has no deadline.
const DefaultSendTimeout = 5 * time.Second

// ErrRejected is returned when the peer does not answer a POST with 2.04.
var ErrRejected = errors.New("coap request rejected")

// Option configures a Binding.
type Option func(*Binding)

// WithLogger sets the binding logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Binding) { b.logger = l }
}

// WithQueueTTL sets how long accepted payloads wait to be received.
func WithQueueTTL(ttl time.Duration) Option {
	return func(b *Binding) { b.queue = transport.NewQueue(ttl) }
}

// WithRateLimit limits accepted POSTs per remote address.
func WithRateLimit(rps float64, burst int) Option {
	return func(b *Binding) { b.limiter = transport.NewRateLimiter(rps, burst, 0) }
}

// WithSendTimeout bounds each POST when the caller's ctx has no deadline.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Binding) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// Binding is a CoAP endpoint. It implements transport.Transport and
// transport.Listener.
type Binding struct {
	self        Address
	queue       *transport.Queue
	limiter     *transport.RateLimiter
	logger      zerolog.Logger
	sendTimeout time.Duration
	now         func() time.Time
}

// New creates a binding whose own address, advertised as reply-to, is self
// (coap://host:port/path).
func New(self string, opts ...Option) (*Binding, error) {
	addr, err := ParseAddress(self)
	if err != nil {
		return nil, err
	}
	b := &Binding{
		self:        addr,
		logger:      zerolog.Nop(),
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.queue == nil {
		b.queue = transport.NewQueue(0)
	}
	return b, nil
}

// Addr returns the binding's own address.
func (b *Binding) Addr() Address {
	return b.self
}

// Send POSTs payload to the coap:// address addr.
func (b *Binding) Send(ctx context.Context, payload []byte, addr string) error {
	to, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.sendTimeout)
		defer cancel()
	}

	co, err := udp.Dial(to.HostPort())
	if err != nil {
		return fmt.Errorf("dial %s: %w", to.HostPort(), err)
	}
	defer co.Close()

	resp, err := co.Post(ctx, "/"+to.Path, ContentFormat, bytes.NewReader(payload),
		message.Option{ID: message.URIQuery, Value: []byte(ReplyToQuery + "=" + b.self.ReplyTo())})
	if err != nil {
		return fmt.Errorf("post %s: %w", to, err)
	}
	if resp.Code() != codes.Changed {
		return fmt.Errorf("%w: %s answered %v", ErrRejected, to, resp.Code())
	}

	b.logger.Debug().
		Str("to", to.String()).
		Int("bytes", len(payload)).
		Msg("coap record sent")
	return nil
}

// Receive pops the next accepted payload.
func (b *Binding) Receive(ctx context.Context) (transport.Inbound, error) {
	return b.queue.Pop(ctx)
}

// Queue exposes the inbound queue.
func (b *Binding) Queue() *transport.Queue {
	return b.queue
}

// Start listens on the UDP address addr and serves the USP resource until
// ctx ends. It returns the bound local address.
func (b *Binding) Start(ctx context.Context, addr string) (net.Addr, error) {
	router := mux.NewRouter()
	if err := router.Handle("/"+b.self.Path, mux.HandlerFunc(b.serveUSP)); err != nil {
		return nil, fmt.Errorf("register /%s: %w", b.self.Path, err)
	}

	l, err := coapnet.NewListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := udp.NewServer(options.WithMux(router))

	go func() {
		if err := srv.Serve(l); err != nil && ctx.Err() == nil {
			b.logger.Error().Err(err).Str("addr", addr).Msg("coap server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Stop()
		_ = l.Close()
		b.queue.Close()
	}()

	b.logger.Info().
		Str("addr", l.LocalAddr().String()).
		Str("resource", b.self.Path).
		Msg("coap listener started")
	return l.LocalAddr(), nil
}

// Listen implements transport.Listener: it starts the CoAP server on addr
// and runs h over every accepted payload until ctx ends.
func (b *Binding) Listen(ctx context.Context, addr string, h transport.Handler) error {
	if _, err := b.Start(ctx, addr); err != nil {
		return err
	}
	return transport.Serve(ctx, replier{b}, h)
}

// replier keeps the serve loop alive when a reply cannot be delivered.
type replier struct {
	*Binding
}

func (r replier) Send(ctx context.Context, payload []byte, addr string) error {
	if err := r.Binding.Send(ctx, payload, addr); err != nil {
		r.logger.Warn().Err(err).Str("to", addr).Msg("coap reply dropped")
	}
	return nil
}

func (b *Binding) serveUSP(w mux.ResponseWriter, r *mux.Message) {
	code := b.accept(w, r)
	if err := w.SetResponse(code, ContentFormat, bytes.NewReader(nil)); err != nil {
		b.logger.Warn().Err(err).Msg("coap response failed")
	}
}

func (b *Binding) accept(w mux.ResponseWriter, r *mux.Message) codes.Code {
	remote := w.Conn().RemoteAddr().String()
	log := b.logger.With().Str("remote", remote).Logger()

	if r.Code() != codes.POST {
		log.Warn().Stringer("method", r.Code()).Msg("only POST is allowed on the USP resource")
		return codes.MethodNotAllowed
	}
	if cf, err := r.ContentFormat(); err != nil || cf != ContentFormat {
		log.Warn().Msg("unsupported content-format")
		return codes.UnsupportedMediaType
	}
	queries, _ := r.Queries()
	replyTo, ok := ReplyTo(queries)
	if !ok {
		log.Warn().Msg("missing reply-to URI-Query")
		return codes.BadRequest
	}
	if !b.limiter.Allow(remote, b.now()) {
		log.Warn().Msg("sender over rate limit")
		return codes.ServiceUnavailable
	}

	var payload []byte
	if body := r.Body(); body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			log.Warn().Err(err).Msg("read payload")
			return codes.BadRequest
		}
		payload = data
	}

	if err := b.queue.Push(transport.Inbound{Payload: payload, ReplyTo: replyTo}); err != nil {
		log.Warn().Err(err).Msg("inbound queue closed")
		return codes.ServiceUnavailable
	}
	log.Debug().Str("reply_to", replyTo).Int("bytes", len(payload)).Msg("coap record accepted")
	return codes.Changed
}

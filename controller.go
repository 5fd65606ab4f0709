package usp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/idgen"
	"github.com/smnsjas/go-uspcore/messages"
	"github.com/smnsjas/go-uspcore/metrics"
	"github.com/smnsjas/go-uspcore/record"
	"github.com/smnsjas/go-uspcore/response"
	"github.com/smnsjas/go-uspcore/transport"
)

const (
	// DefaultTimeout bounds one exchange from send to correlated response.
	DefaultTimeout = 5 * time.Second
	// DefaultWorkers is the number of exchanges that may be in flight.
	DefaultWorkers = 16
)

var (
	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("controller closed")
	// ErrDuplicateMsgID is returned when a msg_id is already in flight.
	ErrDuplicateMsgID = errors.New("msg_id already in flight")
	// ErrUncorrelated is returned by HandleInbound for a response whose
	// msg_id matches no outstanding request.
	ErrUncorrelated = errors.New("response matches no outstanding request")
	// ErrInvalidTarget is returned when a Target has no ID or Address.
	ErrInvalidTarget = errors.New("invalid target")
)

// Target names the Agent an exchange is addressed to.
type Target struct {
	// ID is the Agent's endpoint id, used as the Record to_id.
	ID string
	// Address is the transport address requests are sent to.
	Address string
}

func (t Target) validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing endpoint id", ErrInvalidTarget)
	}
	if t.Address == "" {
		return fmt.Errorf("%w: missing address for %s", ErrInvalidTarget, t.ID)
	}
	return nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithGenerator sets the msg_id generator. The default is idgen.Default().
func WithGenerator(g idgen.Generator) Option {
	return func(c *Controller) { c.gen = g }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTimeout sets the per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithWorkers sets how many exchanges may be in flight at once.
func WithWorkers(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.workerCount = n
		}
	}
}

// WithMetrics sets the collectors updated by the controller and its
// response processor.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller sends requests to Agents over a Transport and correlates the
// responses by msg_id.
//
// Every exchange runs as a task on a bounded pool. A task registers its
// msg_id, sends the Record and waits for Run (or HandleInbound) to deliver
// the matching response, or for its timeout to expire.
type Controller struct {
	endpointID string
	transport  transport.Transport

	gen         idgen.Generator
	builder     *messages.Builder
	processor   *response.Processor
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration
	workerCount int

	// workers limits the number of in-flight exchanges.
	workers chan struct{}
	// pending maps msg_id to *exchange.
	pending sync.Map

	// mu orders wg.Add in Submit against Close.
	mu        sync.Mutex
	closed    bool
	doneCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type exchange struct {
	msgID   string
	msgType messages.MsgType
	to      string
	sent    time.Time
	done    chan delivery
}

type delivery struct {
	result *Result
	err    error
}

// New creates a Controller for the endpoint endpointID using t to reach
// Agents.
func New(endpointID string, t transport.Transport, opts ...Option) (*Controller, error) {
	if endpointID == "" {
		return nil, errors.New("usp: endpoint id is required")
	}
	if t == nil {
		return nil, errors.New("usp: transport is required")
	}

	c := &Controller{
		endpointID:  endpointID,
		transport:   t,
		logger:      zerolog.Nop(),
		timeout:     DefaultTimeout,
		workerCount: DefaultWorkers,
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.builder = messages.NewBuilder(c.gen)
	c.processor = response.NewProcessor(endpointID,
		response.WithLogger(c.logger),
		response.WithMetrics(c.metrics))
	c.workers = make(chan struct{}, c.workerCount)
	return c, nil
}

// EndpointID returns the controller's endpoint id.
func (c *Controller) EndpointID() string {
	return c.endpointID
}

// Builder returns the message builder used for Get and Set, so callers can
// build other requests for Submit with ids from the same generator.
func (c *Controller) Builder() *messages.Builder {
	return c.builder
}

// Pending returns the number of exchanges awaiting a response.
func (c *Controller) Pending() int {
	n := 0
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Get reads paramPaths from the Agent. A ctx deadline shorter than the
// controller timeout ends the exchange with errs.ErrTransportTimeout.
func (c *Controller) Get(ctx context.Context, to Target, paramPaths []string) (*Result, error) {
	return c.Submit(ctx, to, c.builder.Get(paramPaths)).outcome()
}

// Set updates objects on the Agent. Invalid objects fail before anything
// is sent.
func (c *Controller) Set(ctx context.Context, to Target, objs []messages.UpdateObject, allowPartial bool) (*Result, error) {
	msg, err := c.builder.Set(objs, allowPartial)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, to, msg).outcome()
}

// Add is not supported by this controller.
func (c *Controller) Add(_ context.Context, to Target, objPath string, params []messages.ParamSetting) (*Result, error) {
	return nil, c.unsupported("Add", to)
}

// Delete is not supported by this controller.
func (c *Controller) Delete(_ context.Context, to Target, objPaths []string) (*Result, error) {
	return nil, c.unsupported("Delete", to)
}

func (c *Controller) unsupported(op string, to Target) error {
	c.logger.Warn().Str("op", op).Str("to", to.ID).Msg("operation not supported")
	return &errs.UnsupportedOperationError{Op: op}
}

// Submit starts an exchange for msg and returns its Future. It blocks only
// while every worker is busy; if ctx ends or the controller closes first,
// the Future completes with that error.
func (c *Controller) Submit(ctx context.Context, to Target, msg *messages.Message) *Future {
	f := newFuture(msg)

	select {
	case <-c.doneCh:
		f.complete(nil, ErrClosed)
		return f
	default:
	}
	if err := to.validate(); err != nil {
		f.complete(nil, err)
		return f
	}
	if msg == nil || msg.Header.MsgID == "" {
		f.complete(nil, errs.Invalid(errs.StageBuild, "USP Message Header missing msg_id"))
		return f
	}

	select {
	case c.workers <- struct{}{}:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: msg_id %s waiting for a worker: %w", errs.ErrTransportTimeout, msg.Header.MsgID, err)
		}
		f.complete(nil, err)
		return f
	case <-c.doneCh:
		f.complete(nil, ErrClosed)
		return f
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.workers
		f.complete(nil, ErrClosed)
		return f
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() { <-c.workers }()
		f.complete(c.exchange(ctx, to, msg))
	}()
	return f
}

// exchange runs one request from registration to response or timeout.
func (c *Controller) exchange(ctx context.Context, to Target, msg *messages.Message) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgID := msg.Header.MsgID
	ex := &exchange{
		msgID:   msgID,
		msgType: msg.Header.MsgType,
		to:      to.ID,
		done:    make(chan delivery, 1),
	}
	if _, loaded := c.pending.LoadOrStore(msgID, ex); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMsgID, msgID)
	}
	defer c.pending.CompareAndDelete(msgID, ex)

	rec, err := record.Wrap(msg, to.ID, c.endpointID)
	if err != nil {
		return nil, err
	}
	payload, err := record.Marshal(rec)
	if err != nil {
		return nil, err
	}

	ex.sent = time.Now()
	if err := c.transport.Send(ctx, payload, to.Address); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, c.timedOut(ex)
		}
		return nil, fmt.Errorf("send %s %s: %w", msg.Header.MsgType, msgID, err)
	}
	c.metrics.RecordSent(msg.Header.MsgType.String())
	c.logger.Info().
		Str("msg_id", msgID).
		Stringer("msg_type", msg.Header.MsgType).
		Str("to", to.ID).
		Str("addr", to.Address).
		Msg("sent USP request")

	select {
	case d := <-ex.done:
		if d.result != nil {
			d.result.RoundTrip = time.Since(ex.sent)
			c.metrics.ObserveRoundTrip(msg.Header.MsgType.String(), d.result.RoundTrip)
		}
		return d.result, d.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, c.timedOut(ex)
		}
		return nil, ctx.Err()
	case <-c.doneCh:
		return nil, ErrClosed
	}
}

func (c *Controller) timedOut(ex *exchange) error {
	c.metrics.RecordTimeout()
	c.logger.Warn().
		Str("msg_id", ex.msgID).
		Stringer("msg_type", ex.msgType).
		Dur("timeout", c.timeout).
		Msg("no response within timeout")
	return fmt.Errorf("%w: msg_id %s after %s", errs.ErrTransportTimeout, ex.msgID, c.timeout)
}

// Run receives inbound payloads from the transport and handles them in
// arrival order until ctx ends or the transport closes. It returns nil on
// cancellation.
func (c *Controller) Run(ctx context.Context) error {
	for {
		in, err := c.transport.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, errs.ErrTransportTimeout):
				continue
			case errors.Is(err, transport.ErrClosed):
				return nil
			default:
				return fmt.Errorf("receive: %w", err)
			}
		}
		_ = c.HandleInbound(ctx, in)
	}
}

// HandleInbound decodes, validates and correlates one inbound payload.
//
// A validated response is delivered to the exchange with the same msg_id
// when that exchange was addressed to the Record's from_id. A protocol
// violation or body mismatch with a known msg_id fails that exchange.
// Synthesized error replies are sent to in.ReplyTo. The returned error
// describes what happened to the payload; it is informational for Run.
func (c *Controller) HandleInbound(ctx context.Context, in transport.Inbound) error {
	out, err := c.processor.Handle(in.Payload)
	if err != nil {
		var pv *errs.ProtocolViolationError
		if errors.As(err, &pv) && out != nil {
			c.fail(out, pv)
		}
		return err
	}

	if out.Reply != nil {
		pv := errs.Violation(out.MsgID(), errs.Invalid(errs.StageMessage, "%s", response.MismatchText))
		c.fail(out, pv)
		c.reply(ctx, out.Reply, in.ReplyTo)
		return pv
	}

	ex, ok := c.take(out)
	if !ok {
		c.metrics.RecordUncorrelated()
		c.logger.Warn().
			Str("msg_id", out.MsgID()).
			Str("from", out.Record.FromID).
			Msg("dropping response with no outstanding request")
		return fmt.Errorf("%w: %s", ErrUncorrelated, out.MsgID())
	}

	if !answers(ex.msgType, out.Kind) {
		pv := errs.Violation(ex.msgID, errs.Invalid(errs.StageMessage,
			"USP Message %s does not answer %s", out.Message.Header.MsgType, ex.msgType))
		ex.done <- delivery{err: pv}
		return pv
	}

	ex.done <- delivery{result: newResult(out)}
	return nil
}

// fail delivers err to the exchange the outcome belongs to, if any.
func (c *Controller) fail(out *response.Outcome, err error) {
	if ex, ok := c.take(out); ok {
		ex.done <- delivery{err: err}
	}
}

// take removes and returns the exchange the outcome answers. Only an
// exchange addressed to the Record's sender matches.
func (c *Controller) take(out *response.Outcome) (*exchange, bool) {
	msgID := out.MsgID()
	if msgID == "" || out.Record == nil {
		return nil, false
	}
	v, ok := c.pending.Load(msgID)
	if !ok {
		return nil, false
	}
	ex := v.(*exchange)
	if ex.to != out.Record.FromID {
		return nil, false
	}
	if !c.pending.CompareAndDelete(msgID, ex) {
		return nil, false
	}
	return ex, true
}

func (c *Controller) reply(ctx context.Context, rec *record.Record, addr string) {
	if addr == "" {
		c.logger.Warn().Str("to", rec.ToID).Msg("no reply-to address for error reply")
		return
	}
	payload, err := record.Marshal(rec)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode error reply")
		return
	}
	if err := c.transport.Send(ctx, payload, addr); err != nil {
		c.logger.Warn().Err(err).Str("addr", addr).Msg("send error reply")
		return
	}
	c.metrics.RecordReply()
}

// answers reports whether a dispatched response kind may complete a
// request of type req. An Error message answers any request.
func answers(req messages.MsgType, kind response.Kind) bool {
	switch kind {
	case response.KindError:
		return true
	case response.KindGetResp:
		return req == messages.MsgTypeGet
	case response.KindSetResp:
		return req == messages.MsgTypeSet
	default:
		return false
	}
}

// Close fails every in-flight exchange with ErrClosed and waits for the
// worker tasks to finish.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.doneCh)
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// Package response turns inbound USP payloads into outcomes.
//
// A Processor runs the full inbound pipeline for one payload:
//
//	record.Unmarshal → Validator.Record → record.Unwrap →
//	Validator.Message → Dispatch
//
// Decode failures surface as *errs.DecodeError. Validation failures stop
// the pipeline and surface as *errs.ProtocolViolationError. Nothing is
// dispatched after either.
//
// Dispatch passes GET_RESP, SET_RESP and ERROR bodies through unchanged.
// Anything else (an unknown msg_type, or a body that does not match the
// header) yields a synthesized 9000 Error addressed back to the sender.
package response

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/messages"
	"github.com/smnsjas/go-uspcore/metrics"
	"github.com/smnsjas/go-uspcore/record"
	"github.com/smnsjas/go-uspcore/validate"
)

// MismatchText is the err_msg of synthesized 9000 errors.
const MismatchText = "Message Failure: Response body does not match Header msg_type"

// Kind classifies a dispatched message.
type Kind int

const (
	// KindMismatch means the message was not a recognised response and
	// Outcome.Reply holds the synthesized error.
	KindMismatch Kind = iota
	KindGetResp
	KindSetResp
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindGetResp:
		return "get_resp"
	case KindSetResp:
		return "set_resp"
	case KindError:
		return "error"
	default:
		return "mismatch"
	}
}

// Outcome is the result of handling one inbound payload.
type Outcome struct {
	Record  *record.Record
	Message *messages.Message
	Kind    Kind

	GetResp *messages.GetResp
	SetResp *messages.SetResp
	Error   *messages.Error

	// Reply is set only for KindMismatch.
	Reply *record.Record
}

// MsgID returns the inbound msg_id, or "" when the Msg was never decoded.
func (o *Outcome) MsgID() string {
	if o == nil || o.Message == nil {
		return ""
	}
	return o.Message.Header.MsgID
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// WithMetrics sets the collectors updated per payload.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithRole overrides the expected role. Controller is the default.
func WithRole(r validate.Role) Option {
	return func(p *Processor) { p.validator.Role = r }
}

// Processor validates and dispatches inbound payloads for one endpoint.
// It holds no per-message state and is safe for concurrent use.
type Processor struct {
	localID   string
	validator *validate.Validator
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// NewProcessor creates a Processor for the endpoint localID.
func NewProcessor(localID string, opts ...Option) *Processor {
	p := &Processor{
		localID:   localID,
		validator: validate.New(localID, validate.RoleController),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LocalID returns the endpoint id this processor validates against.
func (p *Processor) LocalID() string {
	return p.localID
}

// Handle decodes, validates and dispatches payload. On a protocol
// violation the returned Outcome carries whatever was decoded so far.
func (p *Processor) Handle(payload []byte) (*Outcome, error) {
	rec, err := record.Unmarshal(payload)
	if err != nil {
		p.metrics.RecordDecodeFailure()
		p.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping undecodable record")
		return nil, err
	}
	out := &Outcome{Record: rec}

	if err := p.validator.Record(rec); err != nil {
		return out, p.violation("", err)
	}
	p.log.Debug().Str("from", rec.FromID).Msg("incoming USP Record passed validation")

	msg, err := record.Unwrap(rec)
	if err != nil {
		p.metrics.RecordDecodeFailure()
		p.log.Warn().Err(err).Str("from", rec.FromID).Msg("dropping undecodable message")
		return out, err
	}
	out.Message = msg

	if err := p.validator.Message(msg); err != nil {
		return out, p.violation(msg.Header.MsgID, err)
	}
	p.log.Debug().
		Str("msg_id", msg.Header.MsgID).
		Stringer("msg_type", msg.Header.MsgType).
		Msg("incoming USP Message passed validation")

	return p.Dispatch(rec, msg)
}

// Dispatch classifies a validated message by msg_type.
func (p *Processor) Dispatch(rec *record.Record, msg *messages.Message) (*Outcome, error) {
	out := &Outcome{Record: rec, Message: msg}
	resp := msg.Body.Response

	switch msg.Header.MsgType {
	case messages.MsgTypeGetResp:
		if msg.Body.Kind() == messages.BodyResponse && resp.GetResp != nil {
			out.Kind, out.GetResp = KindGetResp, resp.GetResp
		}
	case messages.MsgTypeSetResp:
		if msg.Body.Kind() == messages.BodyResponse && resp.SetResp != nil {
			out.Kind, out.SetResp = KindSetResp, resp.SetResp
		}
	case messages.MsgTypeError:
		if msg.Body.Kind() == messages.BodyError {
			out.Kind, out.Error = KindError, msg.Body.Error
		}
	}

	if out.Kind != KindMismatch {
		p.metrics.RecordReceived(msg.Header.MsgType.String())
		p.log.Info().
			Str("msg_id", msg.Header.MsgID).
			Stringer("kind", out.Kind).
			Msg("received USP response")
		return out, nil
	}

	reply, err := p.ErrorReply(rec, msg.Header.MsgID, messages.ErrorCodeMessageFailure, MismatchText)
	if err != nil {
		return nil, err
	}
	out.Reply = reply
	p.metrics.RecordReceived(msg.Header.MsgType.String())
	p.log.Warn().
		Str("msg_id", msg.Header.MsgID).
		Stringer("msg_type", msg.Header.MsgType).
		Stringer("body", msg.Body.Kind()).
		Msg("response body does not match msg_type")
	return out, nil
}

// ErrorReply wraps an Error message answering msgID in a Record addressed
// back to the sender of rec.
func (p *Processor) ErrorReply(rec *record.Record, msgID string, code uint32, text string) (*record.Record, error) {
	reply, err := record.Wrap(messages.NewError(msgID, code, text), rec.FromID, p.localID)
	if err != nil {
		return nil, fmt.Errorf("build error reply: %w", err)
	}
	return reply, nil
}

func (p *Processor) violation(msgID string, err error) error {
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	p.metrics.RecordViolation(string(ve.Stage))
	pv := errs.Violation(msgID, ve)
	p.log.Error().Str("msg_id", msgID).Msg(pv.Error())
	return pv
}

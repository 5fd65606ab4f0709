// Package agent is a minimal USP Agent: it validates inbound Records
// addressed to it, answers Get and Set requests from an in-memory
// DataModel, and answers any other request with a 9000 Error.
//
// It exists to give the controller a peer to talk to, in tests and in the
// usp-agent simulator; it does not implement notifications, subscriptions
// or object creation.
package agent

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/messages"
	"github.com/smnsjas/go-uspcore/metrics"
	"github.com/smnsjas/go-uspcore/record"
	"github.com/smnsjas/go-uspcore/transport"
	"github.com/smnsjas/go-uspcore/validate"
)

// MismatchText is the err_msg sent for requests this agent cannot answer.
const MismatchText = "Message Failure: Request body does not match Header msg_type"

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// WithMetrics sets the collectors updated per request.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// Responder answers USP requests for one Agent endpoint.
type Responder struct {
	endpointID string
	validator  *validate.Validator
	model      *DataModel
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// New creates a Responder for endpointID serving model. A nil model
// selects DefaultDataModel.
func New(endpointID string, model *DataModel, opts ...Option) *Responder {
	if model == nil {
		model = DefaultDataModel(endpointID)
	}
	r := &Responder{
		endpointID: endpointID,
		validator:  validate.New(endpointID, validate.RoleAgent),
		model:      model,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EndpointID returns the agent's endpoint id.
func (r *Responder) EndpointID() string {
	return r.endpointID
}

// Model returns the data model the responder serves.
func (r *Responder) Model() *DataModel {
	return r.model
}

// Handle processes one inbound Record and returns the encoded reply
// Record. Payloads that fail to decode, fail Record validation or carry no
// msg_id get no reply and an error.
func (r *Responder) Handle(payload []byte) ([]byte, error) {
	rec, err := record.Unmarshal(payload)
	if err != nil {
		r.metrics.RecordDecodeFailure()
		return nil, err
	}
	if err := r.validator.Record(rec); err != nil {
		return nil, r.violation("", err)
	}
	msg, err := record.Unwrap(rec)
	if err != nil {
		r.metrics.RecordDecodeFailure()
		return nil, err
	}

	var reply *messages.Message
	if err := r.validator.Message(msg); err != nil {
		pv := r.violation(msg.Header.MsgID, err)
		if msg.Header.MsgID == "" {
			return nil, pv
		}
		reply = messages.NewError(msg.Header.MsgID, messages.ErrorCodeMessageFailure, pv.Error())
	} else {
		r.metrics.RecordReceived(msg.Header.MsgType.String())
		reply = r.dispatch(msg)
	}

	out, err := record.Wrap(reply, rec.FromID, r.endpointID)
	if err != nil {
		return nil, err
	}
	b, err := record.Marshal(out)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordSent(reply.Header.MsgType.String())
	return b, nil
}

// Handler adapts Handle to transport.Handler; failures are logged and
// produce no reply.
func (r *Responder) Handler() transport.Handler {
	return func(_ context.Context, payload []byte) []byte {
		reply, err := r.Handle(payload)
		if err != nil {
			r.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping inbound record")
			return nil
		}
		return reply
	}
}

func (r *Responder) dispatch(msg *messages.Message) *messages.Message {
	msgID := msg.Header.MsgID
	req := msg.Body.Request

	switch {
	case msg.Header.MsgType == messages.MsgTypeGet && req.Get != nil:
		r.logger.Info().Str("msg_id", msgID).Strs("paths", req.Get.ParamPaths).Msg("get")
		return messages.NewGetResp(msgID, r.model.Get(req.Get.ParamPaths, req.Get.MaxDepth))

	case msg.Header.MsgType == messages.MsgTypeSet && req.Set != nil:
		if err := messages.ValidateUpdateObjects(req.Set.UpdateObjs); err != nil {
			return messages.NewError(msgID, messages.ErrorCodeMessageFailure, err.Error())
		}
		resp, failure := r.model.Set(req.Set)
		if failure != nil {
			r.logger.Info().Str("msg_id", msgID).Uint32("code", failure.Code).Msg("set rejected")
			return &messages.Message{
				Header: messages.Header{MsgID: msgID, MsgType: messages.MsgTypeError},
				Body:   messages.Body{Error: failure},
			}
		}
		r.logger.Info().Str("msg_id", msgID).Int("objects", len(resp.UpdatedObjResults)).Msg("set")
		return messages.NewSetResp(msgID, resp)
	}

	r.logger.Warn().
		Str("msg_id", msgID).
		Stringer("msg_type", msg.Header.MsgType).
		Msg("request body does not match msg_type or is not supported")
	return messages.NewError(msgID, messages.ErrorCodeMessageFailure, MismatchText)
}

func (r *Responder) violation(msgID string, err error) error {
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	r.metrics.RecordViolation(string(ve.Stage))
	return errs.Violation(msgID, ve)
}

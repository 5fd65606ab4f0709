package usp

import (
	"context"
	"time"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/messages"
	"github.com/smnsjas/go-uspcore/record"
	"github.com/smnsjas/go-uspcore/response"
)

// Future is the pending outcome of one submitted exchange.
type Future struct {
	msgID   string
	msgType messages.MsgType

	done   chan struct{}
	result *Result
	err    error
}

func newFuture(msg *messages.Message) *Future {
	f := &Future{done: make(chan struct{})}
	if msg != nil {
		f.msgID = msg.Header.MsgID
		f.msgType = msg.Header.MsgType
	}
	return f
}

func (f *Future) complete(res *Result, err error) {
	f.result, f.err = res, err
	close(f.done)
}

// MsgID returns the msg_id of the submitted request.
func (f *Future) MsgID() string {
	return f.msgID
}

// Type returns the msg_type of the submitted request.
func (f *Future) Type() messages.MsgType {
	return f.msgType
}

// Done is closed once the exchange has completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the exchange completes or ctx ends. Abandoning the
// wait does not cancel the exchange; it still ends at its own timeout.
// When ctx ends first the error is ctx.Err(), not the exchange's outcome.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// outcome blocks until the exchange completes. The exchange's context
// derives from the Submit ctx, so it cannot outlive it.
func (f *Future) outcome() (*Result, error) {
	<-f.done
	return f.result, f.err
}

// Result is a correlated response.
type Result struct {
	MsgID string
	// Type is the msg_type of the response.
	Type    messages.MsgType
	Record  *record.Record
	Message *messages.Message

	// Exactly one of GetResp, SetResp and Error is set.
	GetResp *messages.GetResp
	SetResp *messages.SetResp
	Error   *messages.Error

	// RoundTrip is the time from send to delivery.
	RoundTrip time.Duration
}

func newResult(out *response.Outcome) *Result {
	return &Result{
		MsgID:   out.MsgID(),
		Type:    out.Message.Header.MsgType,
		Record:  out.Record,
		Message: out.Message,
		GetResp: out.GetResp,
		SetResp: out.SetResp,
		Error:   out.Error,
	}
}

// Err returns the Agent's Error message as an *errs.ApplicationError, or
// nil when the Agent answered with a response.
func (r *Result) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return &errs.ApplicationError{
		MsgID:   r.MsgID,
		Code:    r.Error.Code,
		Message: r.Error.Message,
	}
}

package response

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/messages"
	"github.com/smnsjas/go-uspcore/metrics"
	"github.com/smnsjas/go-uspcore/record"
	"github.com/smnsjas/go-uspcore/validate"
)

const (
	controllerID = "controller-1"
	agentID      = "agent-1"
)

func encode(t *testing.T, msg *messages.Message, to, from string) []byte {
	t.Helper()
	rec, err := record.Wrap(msg, to, from)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	data, err := record.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestHandlePassThrough(t *testing.T) {
	getResp := &messages.GetResp{ReqPathResults: []messages.RequestedPathResult{{
		RequestedPath: "Device.LocalAgent.Controller.2.PeriodicNotifInterval",
		ResolvedPathResults: []messages.ResolvedPathResult{{
			ResolvedPath: "Device.LocalAgent.Controller.2.",
			ResultParams: map[string]string{"PeriodicNotifInterval": "1"},
		}},
	}}}
	setResp := &messages.SetResp{UpdatedObjResults: []messages.UpdatedObjectResult{{
		RequestedPath: "Device.LocalAgent.Controller.2.",
		OperStatus:    messages.OperationStatus{Success: &messages.OperationSuccess{}},
	}}}

	tests := []struct {
		name string
		msg  *messages.Message
		kind Kind
	}{
		{"get response", messages.NewGetResp("g-1", getResp), KindGetResp},
		{"set response", messages.NewSetResp("s-1", setResp), KindSetResp},
		{"error", messages.NewError("e-1", 7004, "Invalid arguments"), KindError},
	}

	p := NewProcessor(controllerID)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Handle(encode(t, tt.msg, controllerID, agentID))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if out.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", out.Kind, tt.kind)
			}
			if out.Reply != nil {
				t.Error("pass-through outcome carries a reply")
			}
			if out.MsgID() != tt.msg.Header.MsgID {
				t.Errorf("MsgID = %q, want %q", out.MsgID(), tt.msg.Header.MsgID)
			}

			switch tt.kind {
			case KindGetResp:
				params := out.GetResp.ReqPathResults[0].ResolvedPathResults[0].ResultParams
				if params["PeriodicNotifInterval"] != "1" {
					t.Errorf("ResultParams = %v", params)
				}
			case KindSetResp:
				if out.SetResp.UpdatedObjResults[0].OperStatus.Success == nil {
					t.Error("SetResp success status lost")
				}
			case KindError:
				if out.Error.Code != 7004 || out.Error.Message != "Invalid arguments" {
					t.Errorf("Error = %+v", out.Error)
				}
			}
		})
	}
}

func TestDispatchMissingBodySynthesizesError(t *testing.T) {
	msg := &messages.Message{Header: messages.Header{MsgID: "resp-42", MsgType: messages.MsgTypeGetResp}}
	rec, err := record.Wrap(msg, controllerID, agentID)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	out, err := NewProcessor(controllerID).Dispatch(rec, msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Kind != KindMismatch || out.Reply == nil {
		t.Fatalf("outcome = %+v, want mismatch with reply", out)
	}

	reply := out.Reply
	if reply.ToID != agentID || reply.FromID != controllerID {
		t.Errorf("reply addressing %q -> %q, want %q -> %q", reply.FromID, reply.ToID, controllerID, agentID)
	}
	if reply.Version != record.Version || reply.Type != record.TypeNoSessionContext {
		t.Errorf("reply envelope = %+v", reply)
	}

	errMsg, err := record.Unwrap(reply)
	if err != nil {
		t.Fatalf("Unwrap reply: %v", err)
	}
	if errMsg.Header.MsgType != messages.MsgTypeError || errMsg.Header.MsgID != "resp-42" {
		t.Errorf("reply header = %+v", errMsg.Header)
	}
	if errMsg.Body.Error == nil || errMsg.Body.Error.Code != 9000 {
		t.Fatalf("reply body = %+v, want error 9000", errMsg.Body)
	}
	if errMsg.Body.Error.Message != MismatchText {
		t.Errorf("reply text = %q", errMsg.Body.Error.Message)
	}
}

func TestHandleGetRespWithoutBody(t *testing.T) {
	p := NewProcessor(controllerID)

	// no body at all: Stage 2 rejects it before dispatch, nothing is sent back
	bare := &messages.Message{Header: messages.Header{MsgID: "resp-43", MsgType: messages.MsgTypeGetResp}}
	out, err := p.Handle(encode(t, bare, controllerID, agentID))
	var pv *errs.ProtocolViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("error = %v, want ProtocolViolationError", err)
	}
	if pv.Cause.Stage != errs.StageMessage || pv.MsgID != "resp-43" {
		t.Errorf("violation = %+v, want message stage for resp-43", pv)
	}
	if out == nil || out.Reply != nil {
		t.Errorf("outcome = %+v, want no reply", out)
	}

	// a response element without get_resp reaches dispatch and gets a 9000 reply
	empty := &messages.Message{
		Header: messages.Header{MsgID: "resp-44", MsgType: messages.MsgTypeGetResp},
		Body:   messages.Body{Response: &messages.Response{}},
	}
	out, err = p.Handle(encode(t, empty, controllerID, agentID))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Kind != KindMismatch || out.Reply == nil {
		t.Fatalf("outcome = %+v, want mismatch with reply", out)
	}
	errMsg, err := record.Unwrap(out.Reply)
	if err != nil {
		t.Fatalf("Unwrap reply: %v", err)
	}
	if errMsg.Body.Error == nil || errMsg.Body.Error.Code != 9000 || errMsg.Header.MsgID != "resp-44" {
		t.Errorf("reply = %+v, want error 9000 for resp-44", errMsg)
	}
}

func TestHandleMismatchVariants(t *testing.T) {
	tests := []struct {
		name string
		msg  *messages.Message
	}{
		{"get_resp type with set_resp body", &messages.Message{
			Header: messages.Header{MsgID: "m-1", MsgType: messages.MsgTypeGetResp},
			Body:   messages.Body{Response: &messages.Response{SetResp: &messages.SetResp{}}},
		}},
		{"unknown type", &messages.Message{
			Header: messages.Header{MsgID: "m-2", MsgType: messages.MsgType(77)},
			Body:   messages.Body{Response: &messages.Response{}},
		}},
		{"operate response", &messages.Message{
			Header: messages.Header{MsgID: "m-3", MsgType: messages.MsgTypeOperateResp},
			Body: messages.Body{Response: &messages.Response{Opaque: &messages.Opaque{
				Field: messages.ResponseOperate,
			}}},
		}},
		{"error type with response body", &messages.Message{
			Header: messages.Header{MsgID: "m-4", MsgType: messages.MsgTypeError},
			Body:   messages.Body{Response: &messages.Response{GetResp: &messages.GetResp{}}},
		}},
	}

	p := NewProcessor(controllerID)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Handle(encode(t, tt.msg, controllerID, agentID))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if out.Kind != KindMismatch || out.Reply == nil {
				t.Fatalf("Kind = %v, reply = %v; want mismatch with reply", out.Kind, out.Reply)
			}
			if out.Reply.ToID != agentID {
				t.Errorf("reply to %q, want %q", out.Reply.ToID, agentID)
			}
		})
	}
}

func TestHandleWrongRecipientNeverDecodesMessage(t *testing.T) {
	rec := &record.Record{
		Version: record.Version,
		ToID:    "somebody-else",
		FromID:  agentID,
		Type:    record.TypeNoSessionContext,
		// Not a valid Msg: decoding it would fail with a DecodeError.
		Payload: []byte{0xFF, 0xFF, 0xFF},
	}
	data, err := record.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	out, err := NewProcessor(controllerID).Handle(data)
	if errors.Is(err, errs.ErrDecode) {
		t.Fatalf("message decode attempted: %v", err)
	}
	var pv *errs.ProtocolViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("error = %v, want ProtocolViolationError", err)
	}
	if pv.Cause.Reason != "USP Record has incorrect to_id" {
		t.Errorf("Reason = %q", pv.Cause.Reason)
	}
	if out == nil || out.Message != nil {
		t.Errorf("outcome = %+v, want record only", out)
	}
}

func TestHandleRejectsUnsupportedEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		rec    *record.Record
		reason string
	}{
		{
			name: "tls12",
			rec: &record.Record{Version: record.Version, ToID: controllerID, FromID: agentID,
				PayloadSecurity: record.PayloadSecurityTLS12, Type: record.TypeNoSessionContext},
			reason: "USP Record has unsupported Payload Security",
		},
		{
			name: "session context",
			rec: &record.Record{Version: record.Version, ToID: controllerID, FromID: agentID,
				Type: record.TypeSessionContext, Payload: []byte{0x08, 0x01}},
			reason: "USP Record has an unsupported Record Type",
		},
		{
			name: "mqtt connect",
			rec: &record.Record{Version: record.Version, ToID: controllerID, FromID: agentID,
				Type: record.TypeMQTTConnect},
			reason: "USP Record has an unsupported Record Type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := record.Marshal(tt.rec)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			_, err = NewProcessor(controllerID).Handle(data)
			if !errors.Is(err, errs.ErrProtocolViolation) {
				t.Fatalf("error = %v, want protocol violation", err)
			}
			var ve *errs.ValidationError
			if !errors.As(err, &ve) || ve.Reason != tt.reason {
				t.Errorf("cause = %v, want %q", ve, tt.reason)
			}
		})
	}
}

func TestHandleRoleMismatchKeepsMsgID(t *testing.T) {
	req := messages.NewBuilder(nil).Get([]string{"Device."})
	_, err := NewProcessor(controllerID).Handle(encode(t, req, controllerID, agentID))

	var pv *errs.ProtocolViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("error = %v, want ProtocolViolationError", err)
	}
	if pv.MsgID != req.Header.MsgID {
		t.Errorf("MsgID = %q, want %q", pv.MsgID, req.Header.MsgID)
	}
	if pv.Cause.Stage != errs.StageMessage {
		t.Errorf("Stage = %q, want message", pv.Cause.Stage)
	}
}

func TestHandleAgentRole(t *testing.T) {
	req := messages.NewBuilder(nil).Get([]string{"Device."})
	p := NewProcessor(agentID, WithRole(validate.RoleAgent))

	// Requests pass Stage 2 for an agent but are not responses, so the
	// controller-side dispatch answers with a 9000 error.
	out, err := p.Handle(encode(t, req, agentID, controllerID))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Kind != KindMismatch || out.Reply.ToID != controllerID {
		t.Errorf("outcome = %+v", out)
	}
}

func TestHandleDecodeErrors(t *testing.T) {
	p := NewProcessor(controllerID)

	if _, err := p.Handle([]byte{0x0a, 0x7f}); !errors.Is(err, errs.ErrDecode) {
		t.Errorf("record decode error = %v, want ErrDecode", err)
	}

	rec := &record.Record{Version: record.Version, ToID: controllerID, FromID: agentID,
		Type: record.TypeNoSessionContext, Payload: []byte{0x12, 0x05, 0x01}}
	data, err := record.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := p.Handle(data)
	var de *errs.DecodeError
	if !errors.As(err, &de) || de.Layer != "msg" {
		t.Errorf("message decode error = %v, want msg DecodeError", err)
	}
	if out == nil || out.Record == nil {
		t.Error("outcome should keep the decoded record")
	}
}

func TestHandleRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := NewProcessor(controllerID, WithMetrics(m))

	_, _ = p.Handle(encode(t, messages.NewGetResp("g", &messages.GetResp{}), controllerID, agentID))
	_, _ = p.Handle(encode(t, messages.NewGetResp("g", &messages.GetResp{}), "wrong", agentID))
	_, _ = p.Handle([]byte{0xFF})

	if got := testutil.ToFloat64(m.ReceivedCounter("GET_RESP")); got != 1 {
		t.Errorf("received GET_RESP = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ViolationCounter("record")); got != 1 {
		t.Errorf("record violations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecodeFailureCounter()); got != 1 {
		t.Errorf("decode failures = %v, want 1", got)
	}
}

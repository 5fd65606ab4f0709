package messages

import (
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/internal/wire"
)

func TestMessageMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "get",
			msg: &Message{
				Header: Header{MsgID: "get-1", MsgType: MsgTypeGet},
				Body: Body{Request: &Request{Get: &Get{
					ParamPaths: []string{"Device.DeviceInfo.", "Device.LocalAgent.Controller.2.PeriodicNotifInterval"},
					MaxDepth:   2,
				}}},
			},
		},
		{
			name: "set",
			msg: &Message{
				Header: Header{MsgID: "set-1", MsgType: MsgTypeSet},
				Body: Body{Request: &Request{Set: &Set{
					AllowPartial: true,
					UpdateObjs: []UpdateObject{
						{
							ObjPath: "Device.LocalAgent.Controller.2.",
							ParamSettings: []ParamSetting{
								{Param: "PeriodicNotifInterval", Value: "1"},
								{Param: "Enable", Value: "true", Required: true},
							},
						},
						{
							ObjPath:       "Device.Time.",
							ParamSettings: []ParamSetting{{Param: "NTPServer1", Value: "pool.ntp.org"}},
						},
					},
				}}},
			},
		},
		{
			name: "get response",
			msg: NewGetResp("get-1", &GetResp{ReqPathResults: []RequestedPathResult{
				{
					RequestedPath: "Device.DeviceInfo.",
					ResolvedPathResults: []ResolvedPathResult{{
						ResolvedPath: "Device.DeviceInfo.",
						ResultParams: map[string]string{"Manufacturer": "ACME", "SerialNumber": "T01"},
					}},
				},
				{
					RequestedPath: "Device.Nope.",
					ErrCode:       7026,
					ErrMsg:        "Invalid path",
				},
			}}),
		},
		{
			name: "set response",
			msg: NewSetResp("set-1", &SetResp{UpdatedObjResults: []UpdatedObjectResult{
				{
					RequestedPath: "Device.LocalAgent.Controller.2.",
					OperStatus: OperationStatus{Success: &OperationSuccess{
						UpdatedInstResults: []UpdatedInstanceResult{{
							AffectedPath:  "Device.LocalAgent.Controller.2.",
							UpdatedParams: map[string]string{"PeriodicNotifInterval": "1"},
							ParamErrs:     []ParameterError{{Param: "Enable", ErrCode: 7012, ErrMsg: "not writable"}},
						}},
					}},
				},
				{
					RequestedPath: "Device.Time.",
					OperStatus: OperationStatus{Failure: &OperationFailure{
						ErrCode: 7004,
						ErrMsg:  "invalid arguments",
						UpdatedInstFailures: []UpdatedInstanceFailure{{
							AffectedPath: "Device.Time.",
							ParamErrs:    []ParameterError{{Param: "NTPServer1", ErrCode: 7012}},
						}},
					}},
				},
			}}),
		},
		{
			name: "error",
			msg: &Message{
				Header: Header{MsgID: "err-1", MsgType: MsgTypeError},
				Body: Body{Error: &Error{
					Code:      7004,
					Message:   "Invalid arguments",
					ParamErrs: []ParamError{{ParamPath: "Device.X", Code: 7026, Message: "bad path"}},
				}},
			},
		},
		{
			name: "opaque add request",
			msg: &Message{
				Header: Header{MsgID: "add-1", MsgType: MsgTypeAdd},
				Body:   Body{Request: &Request{Opaque: &Opaque{Field: RequestAdd, Data: []byte{0x08, 0x01}}}},
			},
		},
		{
			name: "response type without body",
			msg:  &Message{Header: Header{MsgID: "x-1", MsgType: MsgTypeGetResp}},
		},
		{
			name: "unknown msg type",
			msg: &Message{
				Header: Header{MsgID: "x-2", MsgType: MsgType(99)},
				Body:   Body{Response: &Response{}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			decoded, err := Unmarshal(encoded)
			if err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}

			if !reflect.DeepEqual(decoded, tt.msg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, tt.msg)
			}
		})
	}
}

func TestMarshalRejectsAmbiguousBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"request and error", &Message{Body: Body{Request: &Request{}, Error: &Error{}}}},
		{"get and set", &Message{Body: Body{Request: &Request{Get: &Get{}, Set: &Set{}}}}},
		{"get resp and opaque", &Message{Body: Body{Response: &Response{GetResp: &GetResp{}, Opaque: &Opaque{Field: 3}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Marshal(tt.msg); !errors.Is(err, ErrAmbiguousBody) {
				t.Errorf("Marshal error = %v, want ErrAmbiguousBody", err)
			}
		})
	}
}

func TestMarshalNil(t *testing.T) {
	if _, err := Marshal(nil); !errors.Is(err, ErrNilMessage) {
		t.Errorf("Marshal(nil) error = %v, want ErrNilMessage", err)
	}
}

func TestMarshalInvalidOpaque(t *testing.T) {
	msg := &Message{Body: Body{Request: &Request{Opaque: &Opaque{Field: 0}}}}
	if _, err := Marshal(msg); !errors.Is(err, ErrInvalidOpaque) {
		t.Errorf("Marshal error = %v, want ErrInvalidOpaque", err)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	valid, err := Marshal(NewError("m-1", 9000, "boom"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:len(valid)-2]},
		{"garbage", []byte{0xFF, 0xFF, 0xFF}},
		{"header wrong wire type", protowire.AppendFixed32(protowire.AppendTag(nil, 1, protowire.Fixed32Type), 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			if !errors.Is(err, errs.ErrDecode) {
				t.Fatalf("Unmarshal error = %v, want ErrDecode", err)
			}
			var de *errs.DecodeError
			if !errors.As(err, &de) || de.Layer != "msg" {
				t.Errorf("expected DecodeError for layer msg, got %v", err)
			}
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	msg := NewError("m-1", 7000, "denied")
	encoded, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	encoded = protowire.AppendTag(encoded, 15, protowire.VarintType)
	encoded = protowire.AppendVarint(encoded, 42)

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, msg) {
		t.Errorf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestEmptyUnmarshal(t *testing.T) {
	decoded, err := Unmarshal(nil)
	if err != nil {
		t.Fatalf("Unmarshal(nil): %v", err)
	}
	if decoded.Header.MsgID != "" || decoded.Body.Kind() != BodyNone {
		t.Errorf("decoded = %+v, want zero message", decoded)
	}
}

func TestBodyKind(t *testing.T) {
	tests := []struct {
		body Body
		want BodyKind
	}{
		{Body{}, BodyNone},
		{Body{Request: &Request{}}, BodyRequest},
		{Body{Response: &Response{}}, BodyResponse},
		{Body{Error: &Error{}}, BodyError},
		{Body{Request: &Request{}, Response: &Response{}}, BodyNone},
	}
	for _, tt := range tests {
		if got := tt.body.Kind(); got != tt.want {
			t.Errorf("Kind(%+v) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestRequestResponseKind(t *testing.T) {
	if got := (&Request{Set: &Set{}}).Kind(); got != RequestSet {
		t.Errorf("Request.Kind() = %d, want %d", got, RequestSet)
	}
	if got := (&Request{Opaque: &Opaque{Field: RequestOperate}}).Kind(); got != RequestOperate {
		t.Errorf("Request.Kind() = %d, want %d", got, RequestOperate)
	}
	if got := (*Request)(nil).Kind(); got != 0 {
		t.Errorf("nil Request.Kind() = %d", got)
	}
	if got := (&Response{GetResp: &GetResp{}}).Kind(); got != ResponseGet {
		t.Errorf("Response.Kind() = %d, want %d", got, ResponseGet)
	}
}

func TestMsgTypeString(t *testing.T) {
	tests := []struct {
		typ  MsgType
		want string
	}{
		{MsgTypeGet, "GET"},
		{MsgTypeSetResp, "SET_RESP"},
		{MsgTypeError, "ERROR"},
		{MsgTypeGetSupportedProtoResp, "GET_SUPPORTED_PROTO_RESP"},
		{MsgType(42), "MsgType(42)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int32(tt.typ), got, tt.want)
		}
	}
}

func TestMapEncodingIsDeterministic(t *testing.T) {
	params := map[string]string{}
	for _, k := range []string{"z", "a", "m", "b", "y", "c"} {
		params[k] = k + "-value"
	}
	msg := NewGetResp("g", &GetResp{ReqPathResults: []RequestedPathResult{{
		RequestedPath:       "Device.",
		ResolvedPathResults: []ResolvedPathResult{{ResolvedPath: "Device.", ResultParams: params}},
	}}})

	first, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(again) != string(first) {
			t.Fatal("encoding differs between calls")
		}
	}
}

func TestMarshalRejectsInvalidUTF8(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"msg_id", NewBuilder(nil).Get(nil)},
		{"param path", NewBuilder(nil).Get([]string{"Device.\xff"})},
		{"set value", &Message{
			Header: Header{MsgID: "s-1", MsgType: MsgTypeSet},
			Body: Body{Request: &Request{Set: &Set{UpdateObjs: []UpdateObject{{
				ObjPath:       "Device.Time.",
				ParamSettings: []ParamSetting{{Param: "NTPServer1", Value: "\xc3\x28"}},
			}}}}},
		}},
		{"result param", NewGetResp("g-1", &GetResp{ReqPathResults: []RequestedPathResult{{
			RequestedPath: "Device.",
			ResolvedPathResults: []ResolvedPathResult{{
				ResolvedPath: "Device.",
				ResultParams: map[string]string{"Name": "\xfe"},
			}},
		}}})},
		{"error message", NewError("e-1", 9000, "bad \xff")},
	}
	tests[0].msg.Header.MsgID = "id-\xff"

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.msg)
			if !errors.Is(err, wire.ErrInvalidUTF8) {
				t.Errorf("Marshal error = %v, want ErrInvalidUTF8", err)
			}
		})
	}
}

func TestUnmarshalRejectsInvalidUTF8(t *testing.T) {
	var hdr []byte
	hdr = protowire.AppendTag(hdr, 1, protowire.BytesType)
	hdr = protowire.AppendString(hdr, "g-\xff")
	hdr = protowire.AppendTag(hdr, 2, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, uint64(MsgTypeGet))

	var data []byte
	data = protowire.AppendTag(data, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, hdr)

	_, err := Unmarshal(data)
	var de *errs.DecodeError
	if !errors.As(err, &de) || de.Layer != "msg" {
		t.Fatalf("Unmarshal error = %v, want DecodeError for layer msg", err)
	}
	if !errors.Is(err, wire.ErrInvalidUTF8) {
		t.Errorf("Unmarshal error = %v, want ErrInvalidUTF8", err)
	}
}

// Package record handles the USP Record, the envelope that carries a
// serialized Msg between endpoints.
//
// # Record Structure
//
//	┌──────────────────────────────────────────────────────────┐
//	│  version           (1, string)  "1.0"                   │
//	│  to_id             (2, string)  recipient endpoint id   │
//	│  from_id           (3, string)  sender endpoint id      │
//	│  payload_security  (4, enum)    PLAINTEXT | TLS12       │
//	│  mac_signature     (5, bytes)                           │
//	│  sender_cert       (6, bytes)                           │
//	├──────────────────────────────────────────────────────────┤
//	│  record_type (oneof)                                    │
//	│    no_session_context (7)  { payload (2, bytes) }       │
//	│    session_context    (8)                               │
//	│    websocket_connect  (9)   mqtt_connect  (10)          │
//	│    stomp_connect      (11)  disconnect    (12)          │
//	│    uds_connect        (13)                              │
//	└──────────────────────────────────────────────────────────┘
//
// Only no_session_context records carry a Msg this package can unwrap.
// The other record types keep their embedded message as raw bytes in
// Payload so they survive a decode/encode cycle.
//
// # Usage
//
// To wrap and send a message:
//
//	rec, err := record.Wrap(msg, "agent-1", "controller-1")
//	data, err := record.Marshal(rec)
//
// To unwrap a received record:
//
//	rec, err := record.Unmarshal(data)
//	msg, err := record.Unwrap(rec)
package record

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/internal/wire"
	"github.com/smnsjas/go-uspcore/messages"
)

// Version is the record version this package writes.
const Version = "1.0"

// PayloadSecurity is the Record.payload_security enum.
type PayloadSecurity int32

const (
	PayloadSecurityPlaintext PayloadSecurity = 0
	PayloadSecurityTLS12     PayloadSecurity = 1
)

func (p PayloadSecurity) String() string {
	switch p {
	case PayloadSecurityPlaintext:
		return "PLAINTEXT"
	case PayloadSecurityTLS12:
		return "TLS12"
	default:
		return fmt.Sprintf("PayloadSecurity(%d)", int32(p))
	}
}

// Type identifies the selected record_type member. Values are the oneof
// field numbers.
type Type int32

const (
	TypeNone             Type = 0
	TypeNoSessionContext Type = 7
	TypeSessionContext   Type = 8
	TypeWebSocketConnect Type = 9
	TypeMQTTConnect      Type = 10
	TypeSTOMPConnect     Type = 11
	TypeDisconnect       Type = 12
	TypeUDSConnect       Type = 13
)

var typeNames = map[Type]string{
	TypeNone:             "none",
	TypeNoSessionContext: "no_session_context",
	TypeSessionContext:   "session_context",
	TypeWebSocketConnect: "websocket_connect",
	TypeMQTTConnect:      "mqtt_connect",
	TypeSTOMPConnect:     "stomp_connect",
	TypeDisconnect:       "disconnect",
	TypeUDSConnect:       "uds_connect",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

var (
	// ErrInvalidType is returned when encoding a record with an unknown Type.
	ErrInvalidType = errors.New("invalid record type")
	// ErrNotMessageRecord is returned by Unwrap for records that carry no Msg.
	ErrNotMessageRecord = errors.New("record does not carry a USP message")
)

// Record is a USP Record.
type Record struct {
	Version         string
	ToID            string
	FromID          string
	PayloadSecurity PayloadSecurity
	MACSignature    []byte
	SenderCert      []byte
	Type            Type
	// Payload is the serialized Msg for TypeNoSessionContext and the raw
	// embedded record message for every other type.
	Payload []byte
}

// Wrap serializes msg into a plaintext no_session_context Record.
func Wrap(msg *messages.Message, toID, fromID string) (*Record, error) {
	payload, err := messages.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	return &Record{
		Version:         Version,
		ToID:            toID,
		FromID:          fromID,
		PayloadSecurity: PayloadSecurityPlaintext,
		Type:            TypeNoSessionContext,
		Payload:         payload,
	}, nil
}

// Unwrap decodes the Msg carried by a no_session_context record.
func Unwrap(r *Record) (*messages.Message, error) {
	if r.Type != TypeNoSessionContext {
		return nil, fmt.Errorf("%w: %s", ErrNotMessageRecord, r.Type)
	}
	return messages.Unmarshal(r.Payload)
}

// Marshal encodes r as a usp-record.proto Record.
func Marshal(r *Record) ([]byte, error) {
	if _, ok := typeNames[r.Type]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, r.Type)
	}
	for _, f := range [...]struct{ name, v string }{
		{"version", r.Version}, {"to_id", r.ToID}, {"from_id", r.FromID},
	} {
		if err := wire.CheckString(f.name, f.v); err != nil {
			return nil, err
		}
	}

	b := make([]byte, 0, 64+len(r.Payload))
	b = wire.AppendString(b, 1, r.Version)
	b = wire.AppendString(b, 2, r.ToID)
	b = wire.AppendString(b, 3, r.FromID)
	b = wire.AppendEnum(b, 4, int32(r.PayloadSecurity))
	b = wire.AppendBytes(b, 5, r.MACSignature)
	b = wire.AppendBytes(b, 6, r.SenderCert)

	switch r.Type {
	case TypeNone:
	case TypeNoSessionContext:
		b = wire.AppendMessage(b, 7, wire.AppendBytes(nil, 2, r.Payload))
	default:
		b = wire.AppendMessage(b, protowire.Number(r.Type), r.Payload)
	}
	return b, nil
}

// Unmarshal decodes a Record. Malformed input yields an *errs.DecodeError.
func Unmarshal(data []byte) (*Record, error) {
	r, err := decode(data)
	if err != nil {
		return nil, &errs.DecodeError{Layer: "record", Err: err}
	}
	return r, nil
}

func decode(data []byte) (*Record, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}

	r := &Record{}
	for _, f := range fields {
		switch {
		case f.Num == 1:
			r.Version, err = f.Text()
		case f.Num == 2:
			r.ToID, err = f.Text()
		case f.Num == 3:
			r.FromID, err = f.Text()
		case f.Num == 4:
			var v int32
			v, err = f.Enum()
			r.PayloadSecurity = PayloadSecurity(v)
		case f.Num == 5:
			r.MACSignature, err = copyBytes(f)
		case f.Num == 6:
			r.SenderCert, err = copyBytes(f)
		case f.Num == 7:
			r.Type = TypeNoSessionContext
			r.Payload, err = decodeNoSessionPayload(f)
		case f.Num >= 8 && f.Num <= 13:
			r.Type = Type(f.Num)
			r.Payload, err = copyBytes(f)
		}
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", f.Num, err)
		}
	}
	return r, nil
}

func decodeNoSessionPayload(f wire.Field) ([]byte, error) {
	b, err := f.Message()
	if err != nil {
		return nil, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return nil, err
	}
	var payload []byte
	for _, inner := range fields {
		if inner.Num != 2 {
			continue
		}
		if payload, err = copyBytes(inner); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func copyBytes(f wire.Field) ([]byte, error) {
	b, err := f.Message()
	if err != nil || len(b) == 0 {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

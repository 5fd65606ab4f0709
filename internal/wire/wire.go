// Package wire holds the protobuf field helpers shared by the Record and
// Msg codecs.
//
// Decoding splits a buffer into a flat list of fields; each codec then
// walks the list and picks the field numbers it knows. Unknown numbers
// are ignored. Encoding follows proto3 rules: scalar fields holding their
// zero value are omitted, embedded messages are written whenever the
// caller asks for them.
package wire

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrWireType is returned when a known field arrives with the wrong wire type.
var ErrWireType = errors.New("unexpected wire type")

// ErrInvalidUTF8 is returned for string fields that are not valid UTF-8.
var ErrInvalidUTF8 = errors.New("string field contains invalid UTF-8")

// Field is one decoded tag/value pair.
type Field struct {
	Num     protowire.Number
	Type    protowire.Type
	Varint  uint64
	Fixed32 uint32
	Fixed64 uint64
	Bytes   []byte
}

// Parse splits b into its top-level fields.
func Parse(b []byte) ([]Field, error) {
	var fields []Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.Fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			f.Fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// Expect reports an error unless f carries wire type want.
func (f Field) Expect(want protowire.Type) error {
	if f.Type != want {
		return fmt.Errorf("%w: field %d has type %d, want %d", ErrWireType, f.Num, f.Type, want)
	}
	return nil
}

// Text returns the field as a string, checking the wire type and UTF-8.
func (f Field) Text() (string, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return "", err
	}
	if !utf8.Valid(f.Bytes) {
		return "", fmt.Errorf("%w: field %d", ErrInvalidUTF8, f.Num)
	}
	return string(f.Bytes), nil
}

// CheckString reports ErrInvalidUTF8 unless s can be encoded as a proto3
// string. name identifies the field in the error.
func CheckString(name, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s", ErrInvalidUTF8, name)
	}
	return nil
}

// Uint32 returns a fixed32 field.
func (f Field) Uint32() (uint32, error) {
	if err := f.Expect(protowire.Fixed32Type); err != nil {
		return 0, err
	}
	return f.Fixed32, nil
}

// Bool returns a varint field as a bool.
func (f Field) Bool() (bool, error) {
	if err := f.Expect(protowire.VarintType); err != nil {
		return false, err
	}
	return f.Varint != 0, nil
}

// Enum returns a varint field as an int32 enum value.
func (f Field) Enum() (int32, error) {
	if err := f.Expect(protowire.VarintType); err != nil {
		return 0, err
	}
	return int32(f.Varint), nil // #nosec G115 -- proto3 enums are int32 on the wire
}

// Message returns the bytes of an embedded message field.
func (f Field) Message() ([]byte, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return nil, err
	}
	return f.Bytes, nil
}

// MapEntry decodes a map<string,string> entry held in f.
func (f Field) MapEntry() (key, value string, err error) {
	b, err := f.Message()
	if err != nil {
		return "", "", err
	}
	fields, err := Parse(b)
	if err != nil {
		return "", "", err
	}
	for _, e := range fields {
		switch e.Num {
		case 1:
			key, err = e.Text()
		case 2:
			value, err = e.Text()
		}
		if err != nil {
			return "", "", err
		}
	}
	return key, value, nil
}

// AppendString appends a string field, omitting the empty string.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendRepeatedString appends one entry per element, empty strings included.
func AppendRepeatedString(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

// AppendBytes appends a bytes field, omitting empty values.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage appends an embedded message, even when it is empty.
func AppendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// AppendFixed32 appends a fixed32 field, omitting zero.
func AppendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

// AppendBool appends a bool field, omitting false.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// AppendEnum appends an enum field, omitting zero.
func AppendEnum(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v)) // #nosec G115 -- negative enums sign-extend as protobuf requires
}

// AppendStringMap appends a map<string,string> field with keys in sorted
// order so the encoding is deterministic.
func AppendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var entry []byte
		entry = AppendString(entry, 1, k)
		entry = AppendString(entry, 2, m[k])
		b = AppendMessage(b, num, entry)
	}
	return b
}

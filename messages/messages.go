// Package messages defines the USP Msg model and its protobuf encoding.
//
// A Msg is the inner unit of a USP exchange: a header naming the message
// id and type, and a body holding exactly one of a request, a response or
// an error. Msgs travel inside a Record (see package record).
//
// # Message Structure
//
//	Msg
//	├── Header
//	│     msg_id   (1, string)  correlates a response with its request
//	│     msg_type (2, enum)    GET, GET_RESP, SET, SET_RESP, ERROR, ...
//	└── Body (oneof)
//	      request  (1)  get | set | add | delete | operate | notify | ...
//	      response (2)  get_resp | set_resp | ...
//	      error    (3)  err_code, err_msg, param_errs
//
// # Typed and Opaque Variants
//
// Get, Set, GetResp and SetResp have typed models. The remaining request
// and response variants are kept as Opaque (field number plus raw bytes),
// which is enough to decode, reject and re-encode them without loss.
//
// # Encoding
//
// Field numbers and wire types follow usp-msg.proto. Proto3 defaults are
// not written, oneof members are always written once selected, map
// entries are sorted by key and unknown fields are skipped on decode.
package messages

import (
	"errors"
	"fmt"
)

// MsgType is the Header.msg_type enum.
type MsgType int32

// Msg types. Reference: usp-msg.proto Header.MsgType.
const (
	MsgTypeError                 MsgType = 0
	MsgTypeGet                   MsgType = 1
	MsgTypeGetResp               MsgType = 2
	MsgTypeNotify                MsgType = 3
	MsgTypeSet                   MsgType = 4
	MsgTypeSetResp               MsgType = 5
	MsgTypeOperate               MsgType = 6
	MsgTypeOperateResp           MsgType = 7
	MsgTypeAdd                   MsgType = 8
	MsgTypeAddResp               MsgType = 9
	MsgTypeDelete                MsgType = 10
	MsgTypeDeleteResp            MsgType = 11
	MsgTypeGetSupportedDM        MsgType = 12
	MsgTypeGetSupportedDMResp    MsgType = 13
	MsgTypeGetInstances          MsgType = 14
	MsgTypeGetInstancesResp      MsgType = 15
	MsgTypeNotifyResp            MsgType = 16
	MsgTypeGetSupportedProto     MsgType = 17
	MsgTypeGetSupportedProtoResp MsgType = 18
)

var msgTypeNames = map[MsgType]string{
	MsgTypeError:                 "ERROR",
	MsgTypeGet:                   "GET",
	MsgTypeGetResp:               "GET_RESP",
	MsgTypeNotify:                "NOTIFY",
	MsgTypeSet:                   "SET",
	MsgTypeSetResp:               "SET_RESP",
	MsgTypeOperate:               "OPERATE",
	MsgTypeOperateResp:           "OPERATE_RESP",
	MsgTypeAdd:                   "ADD",
	MsgTypeAddResp:               "ADD_RESP",
	MsgTypeDelete:                "DELETE",
	MsgTypeDeleteResp:            "DELETE_RESP",
	MsgTypeGetSupportedDM:        "GET_SUPPORTED_DM",
	MsgTypeGetSupportedDMResp:    "GET_SUPPORTED_DM_RESP",
	MsgTypeGetInstances:          "GET_INSTANCES",
	MsgTypeGetInstancesResp:      "GET_INSTANCES_RESP",
	MsgTypeNotifyResp:            "NOTIFY_RESP",
	MsgTypeGetSupportedProto:     "GET_SUPPORTED_PROTO",
	MsgTypeGetSupportedProtoResp: "GET_SUPPORTED_PROTO_RESP",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", int32(t))
}

// Request variant field numbers inside Request.req_type.
const (
	RequestGet                  = 1
	RequestGetSupportedDM       = 2
	RequestGetInstances         = 3
	RequestSet                  = 4
	RequestAdd                  = 5
	RequestDelete               = 6
	RequestOperate              = 7
	RequestNotify               = 8
	RequestGetSupportedProtocol = 9
)

// Response variant field numbers inside Response.resp_type.
const (
	ResponseGet                  = 1
	ResponseGetSupportedDM       = 2
	ResponseGetInstances         = 3
	ResponseSet                  = 4
	ResponseAdd                  = 5
	ResponseDelete               = 6
	ResponseOperate              = 7
	ResponseNotify               = 8
	ResponseGetSupportedProtocol = 9
)

// ErrorCodeMessageFailure is the generic USP error code used for
// protocol-level failures.
const ErrorCodeMessageFailure uint32 = 9000

var (
	// ErrAmbiguousBody is returned when a Body, Request or Response sets
	// more than one oneof member.
	ErrAmbiguousBody = errors.New("more than one oneof variant set")
	// ErrNilMessage is returned when encoding a nil Msg.
	ErrNilMessage = errors.New("nil message")
)

// Message is a USP Msg.
type Message struct {
	Header Header
	Body   Body
}

// Header carries the message id and type.
type Header struct {
	MsgID   string
	MsgType MsgType
}

// BodyKind identifies which member of Body is set.
type BodyKind int

// Body kinds.
const (
	BodyNone BodyKind = iota
	BodyRequest
	BodyResponse
	BodyError
)

func (k BodyKind) String() string {
	switch k {
	case BodyRequest:
		return "request"
	case BodyResponse:
		return "response"
	case BodyError:
		return "error"
	default:
		return "none"
	}
}

// Body is the msg_body oneof. At most one member may be non-nil.
type Body struct {
	Request  *Request
	Response *Response
	Error    *Error
}

// Kind reports the selected member. A body with several members set
// reports BodyNone; Marshal refuses such bodies.
func (b Body) Kind() BodyKind {
	switch {
	case b.Request != nil && b.Response == nil && b.Error == nil:
		return BodyRequest
	case b.Response != nil && b.Request == nil && b.Error == nil:
		return BodyResponse
	case b.Error != nil && b.Request == nil && b.Response == nil:
		return BodyError
	default:
		return BodyNone
	}
}

// Opaque holds a oneof member without a typed model.
type Opaque struct {
	Field int32
	Data  []byte
}

// Request is the req_type oneof.
type Request struct {
	Get    *Get
	Set    *Set
	Opaque *Opaque
}

// Kind returns the req_type field number of the selected member, or 0.
func (r *Request) Kind() int32 {
	switch {
	case r == nil:
		return 0
	case r.Get != nil:
		return RequestGet
	case r.Set != nil:
		return RequestSet
	case r.Opaque != nil:
		return r.Opaque.Field
	default:
		return 0
	}
}

// Response is the resp_type oneof.
type Response struct {
	GetResp *GetResp
	SetResp *SetResp
	Opaque  *Opaque
}

// Kind returns the resp_type field number of the selected member, or 0.
func (r *Response) Kind() int32 {
	switch {
	case r == nil:
		return 0
	case r.GetResp != nil:
		return ResponseGet
	case r.SetResp != nil:
		return ResponseSet
	case r.Opaque != nil:
		return r.Opaque.Field
	default:
		return 0
	}
}

// Get requests parameter values.
type Get struct {
	ParamPaths []string
	MaxDepth   uint32
}

// Set updates parameters of existing objects.
type Set struct {
	AllowPartial bool
	UpdateObjs   []UpdateObject
}

// UpdateObject names one object and the parameters to change on it.
type UpdateObject struct {
	ObjPath       string
	ParamSettings []ParamSetting
}

// ParamSetting is a single parameter assignment.
type ParamSetting struct {
	Param    string
	Value    string
	Required bool
}

// Error is the body of an ERROR message.
type Error struct {
	Code      uint32
	Message   string
	ParamErrs []ParamError
}

// ParamError reports a failure on one parameter path.
type ParamError struct {
	ParamPath string
	Code      uint32
	Message   string
}

// GetResp carries one result per requested path.
type GetResp struct {
	ReqPathResults []RequestedPathResult
}

// RequestedPathResult is the outcome for one requested path.
type RequestedPathResult struct {
	RequestedPath       string
	ErrCode             uint32
	ErrMsg              string
	ResolvedPathResults []ResolvedPathResult
}

// ResolvedPathResult holds the parameters found under one resolved object.
type ResolvedPathResult struct {
	ResolvedPath string
	ResultParams map[string]string
}

// SetResp carries one result per UpdateObject of the Set.
type SetResp struct {
	UpdatedObjResults []UpdatedObjectResult
}

// UpdatedObjectResult is the outcome for one requested object path.
type UpdatedObjectResult struct {
	RequestedPath string
	OperStatus    OperationStatus
}

// OperationStatus is the oper_status oneof. Exactly one member is set in
// a well-formed response.
type OperationStatus struct {
	Failure *OperationFailure
	Success *OperationSuccess
}

// OperationFailure reports a failed object update.
type OperationFailure struct {
	ErrCode             uint32
	ErrMsg              string
	UpdatedInstFailures []UpdatedInstanceFailure
}

// UpdatedInstanceFailure lists the parameters that failed on one instance.
type UpdatedInstanceFailure struct {
	AffectedPath string
	ParamErrs    []ParameterError
}

// OperationSuccess reports a successful object update.
type OperationSuccess struct {
	UpdatedInstResults []UpdatedInstanceResult
}

// UpdatedInstanceResult lists the parameters changed on one instance.
type UpdatedInstanceResult struct {
	AffectedPath  string
	ParamErrs     []ParameterError
	UpdatedParams map[string]string
}

// ParameterError reports a non-fatal failure on one parameter of a Set.
type ParameterError struct {
	Param   string
	ErrCode uint32
	ErrMsg  string
}

// Helper functions for creating response and error messages

// NewGetResp creates a GET_RESP message answering msgID.
func NewGetResp(msgID string, resp *GetResp) *Message {
	return &Message{
		Header: Header{MsgID: msgID, MsgType: MsgTypeGetResp},
		Body:   Body{Response: &Response{GetResp: resp}},
	}
}

// NewSetResp creates a SET_RESP message answering msgID.
func NewSetResp(msgID string, resp *SetResp) *Message {
	return &Message{
		Header: Header{MsgID: msgID, MsgType: MsgTypeSetResp},
		Body:   Body{Response: &Response{SetResp: resp}},
	}
}

// NewError creates an ERROR message answering msgID.
func NewError(msgID string, code uint32, text string) *Message {
	return &Message{
		Header: Header{MsgID: msgID, MsgType: MsgTypeError},
		Body:   Body{Error: &Error{Code: code, Message: text}},
	}
}

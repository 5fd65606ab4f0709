package messages

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/internal/wire"
)

// ErrInvalidOpaque is returned when an Opaque variant names a field
// number that cannot be encoded.
var ErrInvalidOpaque = errors.New("opaque variant has invalid field number")

// Marshal encodes m as a usp-msg.proto Msg.
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	if err := checkStrings(m); err != nil {
		return nil, err
	}

	body, err := appendBody(nil, &m.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	var hdr []byte
	hdr = wire.AppendString(hdr, 1, m.Header.MsgID)
	hdr = wire.AppendEnum(hdr, 2, int32(m.Header.MsgType))

	b := make([]byte, 0, len(hdr)+len(body)+8)
	b = wire.AppendMessage(b, 1, hdr)
	b = wire.AppendMessage(b, 2, body)
	return b, nil
}

// Unmarshal decodes a Msg. Malformed input yields an *errs.DecodeError.
func Unmarshal(data []byte) (*Message, error) {
	m, err := decodeMessage(data)
	if err != nil {
		return nil, &errs.DecodeError{Layer: "msg", Err: err}
	}
	return m, nil
}

// checkStrings walks every string field of m so that Marshal never emits
// a Msg a proto3 decoder rejects.
func checkStrings(m *Message) error {
	var c utf8Check
	c.str("header.msg_id", m.Header.MsgID)
	if r := m.Body.Request; r != nil {
		if r.Get != nil {
			c.strs("get.param_paths", r.Get.ParamPaths)
		}
		if r.Set != nil {
			for _, obj := range r.Set.UpdateObjs {
				c.str("set.obj_path", obj.ObjPath)
				for _, ps := range obj.ParamSettings {
					c.str("set.param", ps.Param)
					c.str("set.value", ps.Value)
				}
			}
		}
	}
	if r := m.Body.Response; r != nil {
		if r.GetResp != nil {
			for _, req := range r.GetResp.ReqPathResults {
				c.str("get_resp.requested_path", req.RequestedPath)
				c.str("get_resp.err_msg", req.ErrMsg)
				for _, res := range req.ResolvedPathResults {
					c.str("get_resp.resolved_path", res.ResolvedPath)
					c.strMap("get_resp.result_params", res.ResultParams)
				}
			}
		}
		if r.SetResp != nil {
			for _, obj := range r.SetResp.UpdatedObjResults {
				c.str("set_resp.requested_path", obj.RequestedPath)
				if f := obj.OperStatus.Failure; f != nil {
					c.str("set_resp.err_msg", f.ErrMsg)
					for _, inst := range f.UpdatedInstFailures {
						c.str("set_resp.affected_path", inst.AffectedPath)
						c.paramErrs(inst.ParamErrs)
					}
				}
				if ok := obj.OperStatus.Success; ok != nil {
					for _, inst := range ok.UpdatedInstResults {
						c.str("set_resp.affected_path", inst.AffectedPath)
						c.paramErrs(inst.ParamErrs)
						c.strMap("set_resp.updated_params", inst.UpdatedParams)
					}
				}
			}
		}
	}
	if e := m.Body.Error; e != nil {
		c.str("error.err_msg", e.Message)
		for _, pe := range e.ParamErrs {
			c.str("error.param_path", pe.ParamPath)
			c.str("error.err_msg", pe.Message)
		}
	}
	return c.err
}

// utf8Check keeps the first invalid string field it sees.
type utf8Check struct {
	err error
}

func (c *utf8Check) str(name, s string) {
	if c.err == nil {
		c.err = wire.CheckString(name, s)
	}
}

func (c *utf8Check) strs(name string, ss []string) {
	for _, s := range ss {
		c.str(name, s)
	}
}

func (c *utf8Check) strMap(name string, m map[string]string) {
	for k, v := range m {
		c.str(name, k)
		c.str(name, v)
	}
}

func (c *utf8Check) paramErrs(pes []ParameterError) {
	for _, pe := range pes {
		c.str("param_errs.param", pe.Param)
		c.str("param_errs.err_msg", pe.ErrMsg)
	}
}

func appendBody(b []byte, body *Body) ([]byte, error) {
	if count(body.Request != nil, body.Response != nil, body.Error != nil) > 1 {
		return nil, ErrAmbiguousBody
	}

	switch {
	case body.Request != nil:
		req, err := appendRequest(nil, body.Request)
		if err != nil {
			return nil, err
		}
		b = wire.AppendMessage(b, 1, req)
	case body.Response != nil:
		resp, err := appendResponse(nil, body.Response)
		if err != nil {
			return nil, err
		}
		b = wire.AppendMessage(b, 2, resp)
	case body.Error != nil:
		b = wire.AppendMessage(b, 3, appendError(nil, body.Error))
	}
	return b, nil
}

func appendRequest(b []byte, r *Request) ([]byte, error) {
	if count(r.Get != nil, r.Set != nil, r.Opaque != nil) > 1 {
		return nil, ErrAmbiguousBody
	}

	switch {
	case r.Get != nil:
		var g []byte
		g = wire.AppendRepeatedString(g, 1, r.Get.ParamPaths)
		g = wire.AppendFixed32(g, 2, r.Get.MaxDepth)
		b = wire.AppendMessage(b, RequestGet, g)
	case r.Set != nil:
		b = wire.AppendMessage(b, RequestSet, appendSet(nil, r.Set))
	case r.Opaque != nil:
		return appendOpaque(b, r.Opaque)
	}
	return b, nil
}

func appendSet(b []byte, s *Set) []byte {
	b = wire.AppendBool(b, 1, s.AllowPartial)
	for _, obj := range s.UpdateObjs {
		var o []byte
		o = wire.AppendString(o, 1, obj.ObjPath)
		for _, ps := range obj.ParamSettings {
			var p []byte
			p = wire.AppendString(p, 1, ps.Param)
			p = wire.AppendString(p, 2, ps.Value)
			p = wire.AppendBool(p, 3, ps.Required)
			o = wire.AppendMessage(o, 2, p)
		}
		b = wire.AppendMessage(b, 2, o)
	}
	return b
}

func appendResponse(b []byte, r *Response) ([]byte, error) {
	if count(r.GetResp != nil, r.SetResp != nil, r.Opaque != nil) > 1 {
		return nil, ErrAmbiguousBody
	}

	switch {
	case r.GetResp != nil:
		b = wire.AppendMessage(b, ResponseGet, appendGetResp(nil, r.GetResp))
	case r.SetResp != nil:
		b = wire.AppendMessage(b, ResponseSet, appendSetResp(nil, r.SetResp))
	case r.Opaque != nil:
		return appendOpaque(b, r.Opaque)
	}
	return b, nil
}

func appendOpaque(b []byte, o *Opaque) ([]byte, error) {
	if !protowire.Number(o.Field).IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOpaque, o.Field)
	}
	return wire.AppendMessage(b, protowire.Number(o.Field), o.Data), nil
}

func appendGetResp(b []byte, r *GetResp) []byte {
	for _, rpr := range r.ReqPathResults {
		var p []byte
		p = wire.AppendString(p, 1, rpr.RequestedPath)
		p = wire.AppendFixed32(p, 2, rpr.ErrCode)
		p = wire.AppendString(p, 3, rpr.ErrMsg)
		for _, res := range rpr.ResolvedPathResults {
			var rr []byte
			rr = wire.AppendString(rr, 1, res.ResolvedPath)
			rr = wire.AppendStringMap(rr, 2, res.ResultParams)
			p = wire.AppendMessage(p, 4, rr)
		}
		b = wire.AppendMessage(b, 1, p)
	}
	return b
}

func appendSetResp(b []byte, r *SetResp) []byte {
	for _, uor := range r.UpdatedObjResults {
		var st []byte
		if f := uor.OperStatus.Failure; f != nil {
			var fb []byte
			fb = wire.AppendFixed32(fb, 1, f.ErrCode)
			fb = wire.AppendString(fb, 2, f.ErrMsg)
			for _, inst := range f.UpdatedInstFailures {
				var ib []byte
				ib = wire.AppendString(ib, 1, inst.AffectedPath)
				ib = appendParameterErrors(ib, 2, inst.ParamErrs)
				fb = wire.AppendMessage(fb, 3, ib)
			}
			st = wire.AppendMessage(st, 1, fb)
		} else if s := uor.OperStatus.Success; s != nil {
			var sb []byte
			for _, inst := range s.UpdatedInstResults {
				var ib []byte
				ib = wire.AppendString(ib, 1, inst.AffectedPath)
				ib = appendParameterErrors(ib, 2, inst.ParamErrs)
				ib = wire.AppendStringMap(ib, 3, inst.UpdatedParams)
				sb = wire.AppendMessage(sb, 1, ib)
			}
			st = wire.AppendMessage(st, 2, sb)
		}

		var o []byte
		o = wire.AppendString(o, 1, uor.RequestedPath)
		o = wire.AppendMessage(o, 2, st)
		b = wire.AppendMessage(b, 1, o)
	}
	return b
}

func appendParameterErrors(b []byte, num protowire.Number, pes []ParameterError) []byte {
	for _, pe := range pes {
		var e []byte
		e = wire.AppendString(e, 1, pe.Param)
		e = wire.AppendFixed32(e, 2, pe.ErrCode)
		e = wire.AppendString(e, 3, pe.ErrMsg)
		b = wire.AppendMessage(b, num, e)
	}
	return b
}

func appendError(b []byte, e *Error) []byte {
	b = wire.AppendFixed32(b, 1, e.Code)
	b = wire.AppendString(b, 2, e.Message)
	for _, pe := range e.ParamErrs {
		var p []byte
		p = wire.AppendString(p, 1, pe.ParamPath)
		p = wire.AppendFixed32(p, 2, pe.Code)
		p = wire.AppendString(p, 3, pe.Message)
		b = wire.AppendMessage(b, 3, p)
	}
	return b
}

func count(set ...bool) int {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	return n
}

func decodeMessage(data []byte) (*Message, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}

	m := &Message{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			b, err := f.Message()
			if err != nil {
				return nil, err
			}
			if m.Header, err = decodeHeader(b); err != nil {
				return nil, fmt.Errorf("header: %w", err)
			}
		case 2:
			b, err := f.Message()
			if err != nil {
				return nil, err
			}
			if m.Body, err = decodeBody(b); err != nil {
				return nil, fmt.Errorf("body: %w", err)
			}
		}
	}
	return m, nil
}

func decodeHeader(data []byte) (Header, error) {
	var h Header
	fields, err := wire.Parse(data)
	if err != nil {
		return h, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			h.MsgID, err = f.Text()
		case 2:
			var v int32
			v, err = f.Enum()
			h.MsgType = MsgType(v)
		}
		if err != nil {
			return h, err
		}
	}
	return h, nil
}

func decodeBody(data []byte) (Body, error) {
	var body Body
	fields, err := wire.Parse(data)
	if err != nil {
		return body, err
	}
	for _, f := range fields {
		if f.Num < 1 || f.Num > 3 {
			continue
		}
		b, err := f.Message()
		if err != nil {
			return body, err
		}
		body = Body{}
		switch f.Num {
		case 1:
			body.Request, err = decodeRequest(b)
		case 2:
			body.Response, err = decodeResponse(b)
		case 3:
			body.Error, err = decodeError(b)
		}
		if err != nil {
			return body, err
		}
	}
	return body, nil
}

func decodeRequest(data []byte) (*Request, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	r := &Request{}
	for _, f := range fields {
		if f.Num < RequestGet || f.Num > RequestGetSupportedProtocol {
			continue
		}
		b, err := f.Message()
		if err != nil {
			return nil, err
		}
		*r = Request{}
		switch f.Num {
		case RequestGet:
			r.Get, err = decodeGet(b)
		case RequestSet:
			r.Set, err = decodeSet(b)
		default:
			r.Opaque = newOpaque(f.Num, b)
		}
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", f.Num, err)
		}
	}
	return r, nil
}

func decodeResponse(data []byte) (*Response, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	r := &Response{}
	for _, f := range fields {
		if f.Num < ResponseGet || f.Num > ResponseGetSupportedProtocol {
			continue
		}
		b, err := f.Message()
		if err != nil {
			return nil, err
		}
		*r = Response{}
		switch f.Num {
		case ResponseGet:
			r.GetResp, err = decodeGetResp(b)
		case ResponseSet:
			r.SetResp, err = decodeSetResp(b)
		default:
			r.Opaque = newOpaque(f.Num, b)
		}
		if err != nil {
			return nil, fmt.Errorf("response %d: %w", f.Num, err)
		}
	}
	return r, nil
}

func newOpaque(num protowire.Number, b []byte) *Opaque {
	o := &Opaque{Field: int32(num)}
	if len(b) > 0 {
		o.Data = make([]byte, len(b))
		copy(o.Data, b)
	}
	return o
}

func decodeGet(data []byte) (*Get, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	g := &Get{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			var p string
			if p, err = f.Text(); err == nil {
				g.ParamPaths = append(g.ParamPaths, p)
			}
		case 2:
			g.MaxDepth, err = f.Uint32()
		}
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func decodeSet(data []byte) (*Set, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	s := &Set{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			s.AllowPartial, err = f.Bool()
		case 2:
			var obj UpdateObject
			if obj, err = decodeUpdateObject(f); err == nil {
				s.UpdateObjs = append(s.UpdateObjs, obj)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeUpdateObject(f wire.Field) (UpdateObject, error) {
	var obj UpdateObject
	b, err := f.Message()
	if err != nil {
		return obj, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return obj, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			obj.ObjPath, err = f.Text()
		case 2:
			var ps ParamSetting
			if ps, err = decodeParamSetting(f); err == nil {
				obj.ParamSettings = append(obj.ParamSettings, ps)
			}
		}
		if err != nil {
			return obj, err
		}
	}
	return obj, nil
}

func decodeParamSetting(f wire.Field) (ParamSetting, error) {
	var ps ParamSetting
	b, err := f.Message()
	if err != nil {
		return ps, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return ps, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			ps.Param, err = f.Text()
		case 2:
			ps.Value, err = f.Text()
		case 3:
			ps.Required, err = f.Bool()
		}
		if err != nil {
			return ps, err
		}
	}
	return ps, nil
}

func decodeError(data []byte) (*Error, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	e := &Error{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			e.Code, err = f.Uint32()
		case 2:
			e.Message, err = f.Text()
		case 3:
			var pe ParamError
			if pe, err = decodeParamError(f); err == nil {
				e.ParamErrs = append(e.ParamErrs, pe)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

func decodeParamError(f wire.Field) (ParamError, error) {
	var pe ParamError
	b, err := f.Message()
	if err != nil {
		return pe, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return pe, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			pe.ParamPath, err = f.Text()
		case 2:
			pe.Code, err = f.Uint32()
		case 3:
			pe.Message, err = f.Text()
		}
		if err != nil {
			return pe, err
		}
	}
	return pe, nil
}

func decodeGetResp(data []byte) (*GetResp, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	r := &GetResp{}
	for _, f := range fields {
		if f.Num != 1 {
			continue
		}
		rpr, err := decodeRequestedPathResult(f)
		if err != nil {
			return nil, err
		}
		r.ReqPathResults = append(r.ReqPathResults, rpr)
	}
	return r, nil
}

func decodeRequestedPathResult(f wire.Field) (RequestedPathResult, error) {
	var rpr RequestedPathResult
	b, err := f.Message()
	if err != nil {
		return rpr, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return rpr, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			rpr.RequestedPath, err = f.Text()
		case 2:
			rpr.ErrCode, err = f.Uint32()
		case 3:
			rpr.ErrMsg, err = f.Text()
		case 4:
			var res ResolvedPathResult
			if res, err = decodeResolvedPathResult(f); err == nil {
				rpr.ResolvedPathResults = append(rpr.ResolvedPathResults, res)
			}
		}
		if err != nil {
			return rpr, err
		}
	}
	return rpr, nil
}

func decodeResolvedPathResult(f wire.Field) (ResolvedPathResult, error) {
	var res ResolvedPathResult
	b, err := f.Message()
	if err != nil {
		return res, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return res, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			res.ResolvedPath, err = f.Text()
		case 2:
			res.ResultParams, err = putMapEntry(res.ResultParams, f)
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func decodeSetResp(data []byte) (*SetResp, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	r := &SetResp{}
	for _, f := range fields {
		if f.Num != 1 {
			continue
		}
		uor, err := decodeUpdatedObjectResult(f)
		if err != nil {
			return nil, err
		}
		r.UpdatedObjResults = append(r.UpdatedObjResults, uor)
	}
	return r, nil
}

func decodeUpdatedObjectResult(f wire.Field) (UpdatedObjectResult, error) {
	var uor UpdatedObjectResult
	b, err := f.Message()
	if err != nil {
		return uor, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return uor, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			uor.RequestedPath, err = f.Text()
		case 2:
			var st []byte
			if st, err = f.Message(); err == nil {
				uor.OperStatus, err = decodeOperationStatus(st)
			}
		}
		if err != nil {
			return uor, err
		}
	}
	return uor, nil
}

func decodeOperationStatus(data []byte) (OperationStatus, error) {
	var st OperationStatus
	fields, err := wire.Parse(data)
	if err != nil {
		return st, err
	}
	for _, f := range fields {
		if f.Num != 1 && f.Num != 2 {
			continue
		}
		b, err := f.Message()
		if err != nil {
			return st, err
		}
		st = OperationStatus{}
		if f.Num == 1 {
			st.Failure, err = decodeOperationFailure(b)
		} else {
			st.Success, err = decodeOperationSuccess(b)
		}
		if err != nil {
			return st, err
		}
	}
	return st, nil
}

func decodeOperationFailure(data []byte) (*OperationFailure, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	of := &OperationFailure{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			of.ErrCode, err = f.Uint32()
		case 2:
			of.ErrMsg, err = f.Text()
		case 3:
			var inst UpdatedInstanceFailure
			if inst, err = decodeUpdatedInstanceFailure(f); err == nil {
				of.UpdatedInstFailures = append(of.UpdatedInstFailures, inst)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return of, nil
}

func decodeUpdatedInstanceFailure(f wire.Field) (UpdatedInstanceFailure, error) {
	var inst UpdatedInstanceFailure
	b, err := f.Message()
	if err != nil {
		return inst, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return inst, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			inst.AffectedPath, err = f.Text()
		case 2:
			var pe ParameterError
			if pe, err = decodeParameterError(f); err == nil {
				inst.ParamErrs = append(inst.ParamErrs, pe)
			}
		}
		if err != nil {
			return inst, err
		}
	}
	return inst, nil
}

func decodeOperationSuccess(data []byte) (*OperationSuccess, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	os := &OperationSuccess{}
	for _, f := range fields {
		if f.Num != 1 {
			continue
		}
		inst, err := decodeUpdatedInstanceResult(f)
		if err != nil {
			return nil, err
		}
		os.UpdatedInstResults = append(os.UpdatedInstResults, inst)
	}
	return os, nil
}

func decodeUpdatedInstanceResult(f wire.Field) (UpdatedInstanceResult, error) {
	var inst UpdatedInstanceResult
	b, err := f.Message()
	if err != nil {
		return inst, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return inst, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			inst.AffectedPath, err = f.Text()
		case 2:
			var pe ParameterError
			if pe, err = decodeParameterError(f); err == nil {
				inst.ParamErrs = append(inst.ParamErrs, pe)
			}
		case 3:
			inst.UpdatedParams, err = putMapEntry(inst.UpdatedParams, f)
		}
		if err != nil {
			return inst, err
		}
	}
	return inst, nil
}

func decodeParameterError(f wire.Field) (ParameterError, error) {
	var pe ParameterError
	b, err := f.Message()
	if err != nil {
		return pe, err
	}
	fields, err := wire.Parse(b)
	if err != nil {
		return pe, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			pe.Param, err = f.Text()
		case 2:
			pe.ErrCode, err = f.Uint32()
		case 3:
			pe.ErrMsg, err = f.Text()
		}
		if err != nil {
			return pe, err
		}
	}
	return pe, nil
}

func putMapEntry(m map[string]string, f wire.Field) (map[string]string, error) {
	k, v, err := f.MapEntry()
	if err != nil {
		return m, err
	}
	if m == nil {
		m = make(map[string]string)
	}
	m[k] = v
	return m, nil
}

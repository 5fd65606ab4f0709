package messages

import (
	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/idgen"
)

// Builder creates request messages, taking a fresh msg_id from its
// generator on every call.
type Builder struct {
	gen idgen.Generator
}

// NewBuilder creates a Builder. A nil gen selects idgen.Default().
func NewBuilder(gen idgen.Generator) *Builder {
	if gen == nil {
		gen = idgen.Default()
	}
	return &Builder{gen: gen}
}

// Get creates a GET message for paramPaths. An empty list asks the agent
// for every parameter it exposes.
func (b *Builder) Get(paramPaths []string) *Message {
	return b.GetDepth(paramPaths, 0)
}

// GetDepth is Get with an explicit max_depth.
func (b *Builder) GetDepth(paramPaths []string, maxDepth uint32) *Message {
	var paths []string
	if paramPaths != nil {
		paths = append(make([]string, 0, len(paramPaths)), paramPaths...)
	}
	return &Message{
		Header: Header{MsgID: b.gen.Next(), MsgType: MsgTypeGet},
		Body: Body{Request: &Request{Get: &Get{
			ParamPaths: paths,
			MaxDepth:   maxDepth,
		}}},
	}
}

// Set creates a SET message. Every object must name an obj_path and carry
// at least one ParamSetting; otherwise an *errs.ValidationError is
// returned and no id is consumed.
func (b *Builder) Set(objs []UpdateObject, allowPartial bool) (*Message, error) {
	if err := ValidateUpdateObjects(objs); err != nil {
		return nil, err
	}

	updates := make([]UpdateObject, len(objs))
	for i, obj := range objs {
		updates[i] = UpdateObject{
			ObjPath:       obj.ObjPath,
			ParamSettings: append([]ParamSetting(nil), obj.ParamSettings...),
		}
	}

	return &Message{
		Header: Header{MsgID: b.gen.Next(), MsgType: MsgTypeSet},
		Body: Body{Request: &Request{Set: &Set{
			AllowPartial: allowPartial,
			UpdateObjs:   updates,
		}}},
	}, nil
}

// Error creates an ERROR message answering msgID.
func (b *Builder) Error(msgID string, code uint32, text string) *Message {
	return NewError(msgID, code, text)
}

// ValidateUpdateObjects checks the structural contract of Set input.
func ValidateUpdateObjects(objs []UpdateObject) error {
	for i, obj := range objs {
		if obj.ObjPath == "" {
			return errs.Invalid(errs.StageBuild, "update object %d missing obj_path", i)
		}
		if len(obj.ParamSettings) == 0 {
			return errs.Invalid(errs.StageBuild, "update object %q has no param_settings", obj.ObjPath)
		}
	}
	return nil
}

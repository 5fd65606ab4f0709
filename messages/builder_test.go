package messages

import (
	"errors"
	"reflect"
	"testing"

	"github.com/smnsjas/go-uspcore/errs"
	"github.com/smnsjas/go-uspcore/idgen"
)

func TestBuilderGet(t *testing.T) {
	b := NewBuilder(idgen.NewSequential("c-"))
	paths := []string{"Device.LocalAgent.Controller.2.PeriodicNotifInterval"}

	msg := b.Get(paths)

	if msg.Header.MsgID != "c-1" {
		t.Errorf("MsgID = %q, want c-1", msg.Header.MsgID)
	}
	if msg.Header.MsgType != MsgTypeGet {
		t.Errorf("MsgType = %v, want GET", msg.Header.MsgType)
	}
	if msg.Body.Kind() != BodyRequest || msg.Body.Request.Get == nil {
		t.Fatalf("body = %+v, want request.get", msg.Body)
	}
	if !reflect.DeepEqual(msg.Body.Request.Get.ParamPaths, paths) {
		t.Errorf("ParamPaths = %v, want %v", msg.Body.Request.Get.ParamPaths, paths)
	}

	// Mutating the input must not alter the built message.
	paths[0] = "Device."
	if msg.Body.Request.Get.ParamPaths[0] == "Device." {
		t.Error("builder aliases caller slice")
	}
}

func TestBuilderGetEmptyPaths(t *testing.T) {
	msg := NewBuilder(nil).Get(nil)
	if msg.Header.MsgID == "" {
		t.Error("default generator produced empty id")
	}
	if len(msg.Body.Request.Get.ParamPaths) != 0 {
		t.Errorf("ParamPaths = %v, want empty", msg.Body.Request.Get.ParamPaths)
	}
}

func TestBuilderFreshIDPerCall(t *testing.T) {
	b := NewBuilder(idgen.NewSequential(""))
	first := b.Get(nil)
	second, err := b.Set([]UpdateObject{{ObjPath: "Device.", ParamSettings: []ParamSetting{{Param: "A", Value: "1"}}}}, false)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if first.Header.MsgID == second.Header.MsgID {
		t.Errorf("ids repeat: %q", first.Header.MsgID)
	}
}

func TestBuilderSetSingleObject(t *testing.T) {
	b := NewBuilder(idgen.NewSequential(""))
	msg, err := b.Set([]UpdateObject{{
		ObjPath:       "Device.LocalAgent.Controller.2.",
		ParamSettings: []ParamSetting{{Param: "PeriodicNotifInterval", Value: "1"}},
	}}, true)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	encoded, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	set := decoded.Body.Request.Set
	if set == nil {
		t.Fatal("decoded body has no set")
	}
	if !set.AllowPartial {
		t.Error("AllowPartial = false, want true")
	}
	if len(set.UpdateObjs) != 1 {
		t.Fatalf("got %d update objects, want 1", len(set.UpdateObjs))
	}
	obj := set.UpdateObjs[0]
	if obj.ObjPath != "Device.LocalAgent.Controller.2." {
		t.Errorf("ObjPath = %q", obj.ObjPath)
	}
	want := []ParamSetting{{Param: "PeriodicNotifInterval", Value: "1"}}
	if !reflect.DeepEqual(obj.ParamSettings, want) {
		t.Errorf("ParamSettings = %+v, want %+v", obj.ParamSettings, want)
	}
}

func TestBuilderSetPreservesOrder(t *testing.T) {
	objs := []UpdateObject{
		{ObjPath: "Device.B.", ParamSettings: []ParamSetting{{Param: "Z", Value: "1"}, {Param: "A", Value: "2"}}},
		{ObjPath: "Device.A.", ParamSettings: []ParamSetting{{Param: "M", Value: "3"}}},
	}
	msg, err := NewBuilder(nil).Set(objs, false)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	encoded, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded.Body.Request.Set.UpdateObjs, objs) {
		t.Errorf("UpdateObjs = %+v, want %+v", decoded.Body.Request.Set.UpdateObjs, objs)
	}
	if decoded.Body.Request.Set.AllowPartial {
		t.Error("AllowPartial = true, want false")
	}
}

func TestBuilderSetValidation(t *testing.T) {
	tests := []struct {
		name string
		objs []UpdateObject
	}{
		{"missing obj_path", []UpdateObject{{ParamSettings: []ParamSetting{{Param: "A", Value: "1"}}}}},
		{"nil param_settings", []UpdateObject{{ObjPath: "Device."}}},
		{"empty param_settings", []UpdateObject{{ObjPath: "Device.", ParamSettings: []ParamSetting{}}}},
		{"second object bad", []UpdateObject{
			{ObjPath: "Device.", ParamSettings: []ParamSetting{{Param: "A", Value: "1"}}},
			{ObjPath: "Device.X."},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := idgen.NewSequential("")
			msg, err := NewBuilder(gen).Set(tt.objs, false)
			if msg != nil {
				t.Error("expected nil message")
			}
			var ve *errs.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if ve.Stage != errs.StageBuild {
				t.Errorf("Stage = %q, want %q", ve.Stage, errs.StageBuild)
			}
			if got := gen.Next(); got != "1" {
				t.Errorf("failed build consumed an id; next = %q", got)
			}
		})
	}
}

func TestBuilderError(t *testing.T) {
	msg := NewBuilder(nil).Error("req-7", ErrorCodeMessageFailure, "boom")
	if msg.Header.MsgID != "req-7" || msg.Header.MsgType != MsgTypeError {
		t.Errorf("header = %+v", msg.Header)
	}
	if msg.Body.Error == nil || msg.Body.Error.Code != 9000 || msg.Body.Error.Message != "boom" {
		t.Errorf("error body = %+v", msg.Body.Error)
	}
}

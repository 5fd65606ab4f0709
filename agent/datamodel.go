package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-uspcore/messages"
)

// USP error codes reported by the data model.
const (
	ErrCodeMessageFailed      uint32 = 7000
	ErrCodeUnsupportedParam   uint32 = 7010
	ErrCodeParamNotWritable   uint32 = 7013
	ErrCodeObjectDoesNotExist uint32 = 7016
	ErrCodeInvalidPath        uint32 = 7026
)

// Param is one data model parameter.
type Param struct {
	Value    string
	Writable bool
}

// DataModel is an in-memory parameter tree keyed by full parameter path,
// e.g. "Device.DeviceInfo.SoftwareVersion". It is safe for concurrent use.
type DataModel struct {
	mu     sync.RWMutex
	params map[string]Param
}

// NewDataModel creates an empty data model.
func NewDataModel() *DataModel {
	return &DataModel{params: make(map[string]Param)}
}

// DefaultDataModel returns a small device tree for endpointID.
func DefaultDataModel(endpointID string) *DataModel {
	d := NewDataModel()
	d.Define("Device.DeviceInfo.Manufacturer", "go-uspcore", false)
	d.Define("Device.DeviceInfo.ModelName", "usp-agent", false)
	d.Define("Device.DeviceInfo.SoftwareVersion", "0.1.0", false)
	d.Define("Device.LocalAgent.EndpointID", endpointID, false)
	for i := 1; i <= 2; i++ {
		obj := fmt.Sprintf("Device.LocalAgent.Controller.%d.", i)
		d.Define(obj+"Enable", "true", true)
		d.Define(obj+"PeriodicNotifInterval", "86400", true)
	}
	return d
}

type dataModelFile struct {
	Parameters []struct {
		Path     string `yaml:"path"`
		Value    string `yaml:"value"`
		Writable bool   `yaml:"writable"`
	} `yaml:"parameters"`
}

// LoadDataModel reads a YAML (or JSON) file listing parameters:
//
//	parameters:
//	  - path: Device.DeviceInfo.Manufacturer
//	    value: Acme
//	  - path: Device.LocalAgent.Controller.1.PeriodicNotifInterval
//	    value: "300"
//	    writable: true
func LoadDataModel(path string) (*DataModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data model: %w", err)
	}
	var f dataModelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse data model %s: %w", path, err)
	}

	d := NewDataModel()
	for i, p := range f.Parameters {
		if p.Path == "" || strings.HasSuffix(p.Path, ".") {
			return nil, fmt.Errorf("data model %s: entry %d: invalid parameter path %q", path, i, p.Path)
		}
		d.Define(p.Path, p.Value, p.Writable)
	}
	return d, nil
}

// Define adds or replaces a parameter.
func (d *DataModel) Define(path, value string, writable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params[path] = Param{Value: value, Writable: writable}
}

// Value returns the current value of a parameter.
func (d *DataModel) Value(path string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.params[path]
	return p.Value, ok
}

// Len returns the number of parameters.
func (d *DataModel) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.params)
}

// splitPath splits a parameter path into its object path (with trailing
// dot) and parameter name.
func splitPath(path string) (obj, name string) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", path
	}
	return path[:i+1], path[i+1:]
}

// Get resolves each requested path. A path ending in "." is a partial
// path and returns every parameter below it, grouped by object; maxDepth,
// when non-zero, limits how many object levels below the partial path are
// included.
func (d *DataModel) Get(paths []string, maxDepth uint32) *messages.GetResp {
	d.mu.RLock()
	defer d.mu.RUnlock()

	resp := &messages.GetResp{ReqPathResults: make([]messages.RequestedPathResult, 0, len(paths))}
	for _, path := range paths {
		res := messages.RequestedPathResult{RequestedPath: path}
		if strings.HasSuffix(path, ".") {
			res.ResolvedPathResults = d.partial(path, maxDepth)
		} else if p, ok := d.params[path]; ok {
			obj, name := splitPath(path)
			res.ResolvedPathResults = []messages.ResolvedPathResult{{
				ResolvedPath: obj,
				ResultParams: map[string]string{name: p.Value},
			}}
		}
		if len(res.ResolvedPathResults) == 0 {
			res.ErrCode = ErrCodeInvalidPath
			res.ErrMsg = "Invalid Path: " + path
		}
		resp.ReqPathResults = append(resp.ReqPathResults, res)
	}
	return resp
}

func (d *DataModel) partial(prefix string, maxDepth uint32) []messages.ResolvedPathResult {
	byObj := make(map[string]map[string]string)
	for path, p := range d.params {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		obj, name := splitPath(path)
		if maxDepth > 0 && uint32(strings.Count(obj[len(prefix):], "."))+1 > maxDepth {
			continue
		}
		if byObj[obj] == nil {
			byObj[obj] = make(map[string]string)
		}
		byObj[obj][name] = p.Value
	}

	objs := make([]string, 0, len(byObj))
	for obj := range byObj {
		objs = append(objs, obj)
	}
	sort.Strings(objs)

	out := make([]messages.ResolvedPathResult, 0, len(objs))
	for _, obj := range objs {
		out = append(out, messages.ResolvedPathResult{ResolvedPath: obj, ResultParams: byObj[obj]})
	}
	return out
}

// objectExists reports whether any parameter lives under obj.
func (d *DataModel) objectExists(obj string) bool {
	for path := range d.params {
		if strings.HasPrefix(path, obj) {
			return true
		}
	}
	return false
}

type objectUpdate struct {
	result messages.UpdatedObjectResult
	writes map[string]string
}

// Set applies s. Each object succeeds or fails as a whole: a failing
// required parameter fails its object, a failing optional one is reported
// in the object's param_errs. With allow_partial false any failed object
// fails the whole Set, nothing is written, and an Error is returned
// instead of a SetResp.
func (d *DataModel) Set(s *messages.Set) (*messages.SetResp, *messages.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	updates := make([]objectUpdate, 0, len(s.UpdateObjs))
	var failed []messages.ParamError
	for _, obj := range s.UpdateObjs {
		u := d.planObject(obj)
		if f := u.result.OperStatus.Failure; f != nil {
			failed = append(failed, objectParamErrs(obj.ObjPath, f)...)
		}
		updates = append(updates, u)
	}

	if !s.AllowPartial && len(failed) > 0 {
		return nil, &messages.Error{
			Code:      ErrCodeMessageFailed,
			Message:   "Message Failed: Set with allow_partial false had failing objects",
			ParamErrs: failed,
		}
	}

	resp := &messages.SetResp{UpdatedObjResults: make([]messages.UpdatedObjectResult, 0, len(updates))}
	for _, u := range updates {
		for path, value := range u.writes {
			p := d.params[path]
			p.Value = value
			d.params[path] = p
		}
		resp.UpdatedObjResults = append(resp.UpdatedObjResults, u.result)
	}
	return resp, nil
}

func (d *DataModel) planObject(obj messages.UpdateObject) objectUpdate {
	u := objectUpdate{result: messages.UpdatedObjectResult{RequestedPath: obj.ObjPath}}

	if !strings.HasSuffix(obj.ObjPath, ".") || !d.objectExists(obj.ObjPath) {
		u.result.OperStatus.Failure = &messages.OperationFailure{
			ErrCode: ErrCodeObjectDoesNotExist,
			ErrMsg:  "Object does not exist: " + obj.ObjPath,
		}
		return u
	}

	writes := make(map[string]string, len(obj.ParamSettings))
	var paramErrs []messages.ParameterError
	var requiredErr *messages.ParameterError
	for _, ps := range obj.ParamSettings {
		path := obj.ObjPath + ps.Param
		p, ok := d.params[path]
		var pe *messages.ParameterError
		switch {
		case !ok:
			pe = &messages.ParameterError{Param: ps.Param, ErrCode: ErrCodeUnsupportedParam, ErrMsg: "Unsupported parameter: " + path}
		case !p.Writable:
			pe = &messages.ParameterError{Param: ps.Param, ErrCode: ErrCodeParamNotWritable, ErrMsg: "Parameter is not writable: " + path}
		default:
			writes[path] = ps.Value
			continue
		}
		paramErrs = append(paramErrs, *pe)
		if ps.Required && requiredErr == nil {
			requiredErr = pe
		}
	}

	if requiredErr != nil {
		u.result.OperStatus.Failure = &messages.OperationFailure{
			ErrCode: requiredErr.ErrCode,
			ErrMsg:  requiredErr.ErrMsg,
			UpdatedInstFailures: []messages.UpdatedInstanceFailure{{
				AffectedPath: obj.ObjPath,
				ParamErrs:    paramErrs,
			}},
		}
		return u
	}

	updated := make(map[string]string, len(writes))
	for path, value := range writes {
		_, name := splitPath(path)
		updated[name] = value
	}
	u.writes = writes
	u.result.OperStatus.Success = &messages.OperationSuccess{
		UpdatedInstResults: []messages.UpdatedInstanceResult{{
			AffectedPath:  obj.ObjPath,
			ParamErrs:     paramErrs,
			UpdatedParams: updated,
		}},
	}
	return u
}

func objectParamErrs(objPath string, f *messages.OperationFailure) []messages.ParamError {
	if len(f.UpdatedInstFailures) == 0 {
		return []messages.ParamError{{ParamPath: objPath, Code: f.ErrCode, Message: f.ErrMsg}}
	}
	var out []messages.ParamError
	for _, inst := range f.UpdatedInstFailures {
		for _, pe := range inst.ParamErrs {
			out = append(out, messages.ParamError{
				ParamPath: inst.AffectedPath + pe.Param,
				Code:      pe.ErrCode,
				Message:   pe.ErrMsg,
			})
		}
	}
	return out
}

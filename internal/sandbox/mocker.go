package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// Metadata types produced by GetMetadata.
const (
	MetaObject   = "object"
	MetaArray    = "array"
	MetaFunction = "function"
	MetaConstant = "constant"
	MetaRef      = "ref"
)

// MockMetadata is a structural snapshot of a value: enough shape to
// regenerate an independent substitute without re-running the module.
type MockMetadata struct {
	Type    string
	Value   goja.Value               // set for constants
	Members map[string]*MockMetadata // set for objects, arrays, functions
	RefID   int                      // non-zero when another node references this one
}

// Mocker creates and tracks mock functions on a sandbox environment.
type Mocker struct {
	env *Environment
	vm  *goja.Runtime

	mocks []*mockState
}

// mockState is the Go-side record behind one mock function object.
type mockState struct {
	mocker *Mocker
	fnObj  *goja.Object
	mock   *goja.Object // the .mock property: calls, instances, results

	defaultImpl goja.Callable
	onceImpls   []goja.Callable
	restore     func() // non-nil for spies
}

// NewMocker creates a mocker bound to the environment's runtime.
func NewMocker(env *Environment) *Mocker {
	return &Mocker{env: env, vm: env.vm}
}

// throwJS propagates an error out of a native function as a JS exception.
func (m *Mocker) throwJS(err error) {
	if ex, ok := err.(*goja.Exception); ok {
		panic(ex.Value())
	}
	panic(m.vm.NewGoError(err))
}

// newArray creates an empty sandbox array.
func (m *Mocker) newArray() *goja.Object {
	return m.vm.NewArray()
}

// push appends a value to a sandbox array.
func (m *Mocker) push(arr *goja.Object, v goja.Value) {
	pushFn, ok := goja.AssertFunction(arr.Get("push"))
	if !ok {
		return
	}
	pushFn(arr, v)
}

// resetMockData installs fresh calls/instances/results arrays on the mock
// record, preserving the record's identity for code holding a reference.
func (s *mockState) resetMockData() {
	s.mock.Set("calls", s.mocker.newArray())
	s.mock.Set("instances", s.mocker.newArray())
	s.mock.Set("results", s.mocker.newArray())
}

// nextImplementation pops a one-shot implementation or falls back to the
// default. Returns nil when the mock has no behavior.
func (s *mockState) nextImplementation() goja.Callable {
	if len(s.onceImpls) > 0 {
		impl := s.onceImpls[0]
		s.onceImpls = s.onceImpls[1:]
		return impl
	}
	return s.defaultImpl
}

// Fn creates a mock function. impl, when non-nil, becomes the default
// implementation. The returned object is callable from sandbox code and
// carries the jest mock surface: .mock data plus the mockClear/mockReset/
// mockRestore/mockImplementation/mockReturnValue family.
func (m *Mocker) Fn(impl goja.Value) *goja.Object {
	state := &mockState{mocker: m}

	if impl != nil && !goja.IsUndefined(impl) && !goja.IsNull(impl) {
		if callable, ok := goja.AssertFunction(impl); ok {
			state.defaultImpl = callable
		}
	}

	call := func(fc goja.FunctionCall) goja.Value {
		args := m.newArray()
		for _, a := range fc.Arguments {
			m.push(args, a)
		}
		m.push(state.mock.Get("calls").(*goja.Object), args)
		m.push(state.mock.Get("instances").(*goja.Object), fc.This)

		implFn := state.nextImplementation()
		if implFn == nil {
			result := m.vm.NewObject()
			result.Set("type", "return")
			result.Set("value", goja.Undefined())
			m.push(state.mock.Get("results").(*goja.Object), result)
			return goja.Undefined()
		}

		value, err := implFn(fc.This, fc.Arguments...)
		result := m.vm.NewObject()
		if err != nil {
			result.Set("type", "throw")
			if ex, ok := err.(*goja.Exception); ok {
				result.Set("value", ex.Value())
			}
			m.push(state.mock.Get("results").(*goja.Object), result)
			m.throwJS(err)
		}
		result.Set("type", "return")
		result.Set("value", value)
		m.push(state.mock.Get("results").(*goja.Object), result)
		return value
	}

	fnObj := m.vm.ToValue(call).ToObject(m.vm)
	state.fnObj = fnObj
	state.mock = m.vm.NewObject()
	state.resetMockData()

	fnObj.Set("_isMockFunction", true)
	fnObj.Set("mock", state.mock)

	fnObj.Set("mockClear", func(fc goja.FunctionCall) goja.Value {
		state.resetMockData()
		return fnObj
	})
	fnObj.Set("mockReset", func(fc goja.FunctionCall) goja.Value {
		state.resetMockData()
		state.defaultImpl = nil
		state.onceImpls = nil
		return fnObj
	})
	fnObj.Set("mockRestore", func(fc goja.FunctionCall) goja.Value {
		state.resetMockData()
		state.defaultImpl = nil
		state.onceImpls = nil
		if state.restore != nil {
			state.restore()
		}
		return fnObj
	})
	fnObj.Set("mockImplementation", func(fc goja.FunctionCall) goja.Value {
		if callable, ok := goja.AssertFunction(fc.Argument(0)); ok {
			state.defaultImpl = callable
		} else {
			state.defaultImpl = nil
		}
		return fnObj
	})
	fnObj.Set("mockImplementationOnce", func(fc goja.FunctionCall) goja.Value {
		if callable, ok := goja.AssertFunction(fc.Argument(0)); ok {
			state.onceImpls = append(state.onceImpls, callable)
		}
		return fnObj
	})
	fnObj.Set("mockReturnValue", func(fc goja.FunctionCall) goja.Value {
		value := fc.Argument(0)
		state.defaultImpl = func(this goja.Value, args ...goja.Value) (goja.Value, error) {
			return value, nil
		}
		return fnObj
	})
	fnObj.Set("mockReturnValueOnce", func(fc goja.FunctionCall) goja.Value {
		value := fc.Argument(0)
		state.onceImpls = append(state.onceImpls, func(this goja.Value, args ...goja.Value) (goja.Value, error) {
			return value, nil
		})
		return fnObj
	})

	m.mocks = append(m.mocks, state)
	return fnObj
}

// IsMockFunction reports whether a value was produced by Fn or SpyOn.
func (m *Mocker) IsMockFunction(v goja.Value) bool {
	if v == nil {
		return false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	marker := obj.Get("_isMockFunction")
	return marker != nil && marker.ToBoolean()
}

// SpyOn replaces obj[prop] with a mock wrapping the original function. The
// mock's mockRestore (and RestoreAllMocks) reinstates the original.
func (m *Mocker) SpyOn(obj *goja.Object, prop string) (*goja.Object, error) {
	original := obj.Get(prop)
	if original == nil {
		return nil, fmt.Errorf("cannot spy on %s: property does not exist", prop)
	}
	if _, ok := goja.AssertFunction(original); !ok {
		return nil, fmt.Errorf("cannot spy on %s: not a function", prop)
	}
	if m.IsMockFunction(original) {
		return original.(*goja.Object), nil
	}

	mockFn := m.Fn(original)
	state := m.mocks[len(m.mocks)-1]
	state.restore = func() {
		obj.Set(prop, original)
	}
	if err := obj.Set(prop, mockFn); err != nil {
		return nil, err
	}
	return mockFn, nil
}

// ClearAllMocks resets call data on every mock created by this mocker.
func (m *Mocker) ClearAllMocks() {
	for _, state := range m.mocks {
		state.resetMockData()
	}
}

// ResetAllMocks resets call data and drops implementations on every mock.
func (m *Mocker) ResetAllMocks() {
	for _, state := range m.mocks {
		state.resetMockData()
		state.defaultImpl = nil
		state.onceImpls = nil
	}
}

// RestoreAllMocks restores every spied-on property to its original value.
func (m *Mocker) RestoreAllMocks() {
	for _, state := range m.mocks {
		if state.restore != nil {
			state.restore()
			state.restore = nil
		}
	}
}

// GetMetadata captures the structural shape of a value. Returns nil for
// undefined, which callers treat as "nothing to mock". Reference cycles are
// encoded as ref nodes pointing back at the first visit.
func (m *Mocker) GetMetadata(v goja.Value) *MockMetadata {
	nextRef := 1
	return m.getMetadata(v, map[*goja.Object]*MockMetadata{}, &nextRef)
}

func (m *Mocker) getMetadata(v goja.Value, refs map[*goja.Object]*MockMetadata, nextRef *int) *MockMetadata {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	if goja.IsNull(v) {
		return &MockMetadata{Type: MetaConstant, Value: goja.Null()}
	}

	obj, isObj := v.(*goja.Object)
	if !isObj {
		return &MockMetadata{Type: MetaConstant, Value: v}
	}

	if seen, ok := refs[obj]; ok {
		if seen.RefID == 0 {
			seen.RefID = *nextRef
			*nextRef++
		}
		return &MockMetadata{Type: MetaRef, RefID: seen.RefID}
	}

	meta := &MockMetadata{Members: make(map[string]*MockMetadata)}
	refs[obj] = meta

	switch {
	case isCallable(v):
		meta.Type = MetaFunction
	case obj.ClassName() == "Array":
		meta.Type = MetaArray
	default:
		meta.Type = MetaObject
	}

	for _, key := range obj.Keys() {
		if meta.Type == MetaFunction && isFunctionBuiltinKey(key) {
			continue
		}
		if member := m.getMetadata(obj.Get(key), refs, nextRef); member != nil {
			meta.Members[key] = member
		}
	}
	return meta
}

// GenerateFromMetadata builds a fresh value from a structural snapshot.
// Functions become new mock functions, so every generated instance records
// calls independently.
func (m *Mocker) GenerateFromMetadata(meta *MockMetadata) goja.Value {
	return m.generate(meta, map[int]goja.Value{})
}

func (m *Mocker) generate(meta *MockMetadata, refs map[int]goja.Value) goja.Value {
	if meta == nil {
		return goja.Undefined()
	}
	switch meta.Type {
	case MetaConstant:
		return meta.Value
	case MetaRef:
		if v, ok := refs[meta.RefID]; ok {
			return v
		}
		return goja.Undefined()
	case MetaFunction:
		fn := m.Fn(nil)
		m.remember(meta, fn, refs)
		m.generateMembers(meta, fn, refs)
		return fn
	case MetaArray:
		arr := m.newArray()
		m.remember(meta, arr, refs)
		m.generateMembers(meta, arr, refs)
		return arr
	default:
		obj := m.vm.NewObject()
		m.remember(meta, obj, refs)
		m.generateMembers(meta, obj, refs)
		return obj
	}
}

// remember registers a generated container before its members generate, so
// ref nodes inside the members resolve to it.
func (m *Mocker) remember(meta *MockMetadata, v goja.Value, refs map[int]goja.Value) {
	if meta.RefID != 0 {
		refs[meta.RefID] = v
	}
}

func (m *Mocker) generateMembers(meta *MockMetadata, target *goja.Object, refs map[int]goja.Value) {
	for key, member := range meta.Members {
		target.Set(key, m.generate(member, refs))
	}
}

// isCallable reports whether a value is a function.
func isCallable(v goja.Value) bool {
	_, ok := goja.AssertFunction(v)
	return ok
}

// isFunctionBuiltinKey filters intrinsic function properties out of
// structural snapshots.
func isFunctionBuiltinKey(key string) bool {
	switch key {
	case "length", "name", "prototype", "caller", "arguments":
		return true
	}
	return false
}

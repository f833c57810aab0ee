package runtime

import (
	"fmt"
	"path/filepath"

	"github.com/dop251/goja"
)

// LocalRequire builds the require-shaped object handed to one executing
// module: the callable itself plus resolve, resolve.paths, requireActual,
// requireMock, cache, extensions, and the lazily computed main.
type LocalRequire struct {
	rt       *Runtime
	module   *Module
	internal bool

	js *goja.Object
}

// NewLocalRequire creates the require object for a module. Internal modules
// route plain calls through the internal loader instead of the policy
// engine.
func NewLocalRequire(rt *Runtime, module *Module, internal bool) *LocalRequire {
	return &LocalRequire{rt: rt, module: module, internal: internal}
}

// throwJS propagates an error to sandboxed code as a JS exception.
func (r *Runtime) throwJS(err error) {
	vm := r.env.Runtime()
	if vm == nil {
		panic(err)
	}
	if ex, ok := err.(*goja.Exception); ok {
		panic(ex.Value())
	}
	panic(vm.NewGoError(err))
}

// JSObject lazily builds the sandbox-visible require function.
func (l *LocalRequire) JSObject() *goja.Object {
	if l.js != nil {
		return l.js
	}
	rt := l.rt
	vm := rt.env.Runtime()
	from := l.module.ID

	call := func(fc goja.FunctionCall) goja.Value {
		request := fc.Argument(0).String()
		var value goja.Value
		var err error
		if l.internal {
			value, err = rt.RequireInternalModule(from, request)
		} else {
			value, err = rt.RequireModuleOrMock(from, request)
		}
		if err != nil {
			rt.throwJS(err)
		}
		return value
	}

	fn := vm.ToValue(call).ToObject(vm)

	// Compatibility surface: prototype-free maps, never consulted.
	fn.Set("cache", vm.CreateObject(nil))
	fn.Set("extensions", vm.CreateObject(nil))

	fn.Set("requireActual", func(fc goja.FunctionCall) goja.Value {
		value, err := rt.RequireActual(from, fc.Argument(0).String())
		if err != nil {
			rt.throwJS(err)
		}
		return value
	})
	fn.Set("requireMock", func(fc goja.FunctionCall) goja.Value {
		value, err := rt.RequireMock(from, fc.Argument(0).String())
		if err != nil {
			rt.throwJS(err)
		}
		return value
	})

	resolve := vm.ToValue(func(fc goja.FunctionCall) goja.Value {
		request, paths, err := resolveArgs(fc)
		if err != nil {
			rt.throwJS(err)
		}
		resolved, err := l.Resolve(request, paths)
		if err != nil {
			rt.throwJS(err)
		}
		return vm.ToValue(resolved)
	}).ToObject(vm)
	resolve.Set("paths", func(fc goja.FunctionCall) goja.Value {
		request := fc.Argument(0).String()
		if goja.IsUndefined(fc.Argument(0)) || request == "" {
			rt.throwJS(fmt.Errorf("the 'request' argument must be a non-empty string"))
		}
		paths := l.ResolvePaths(request)
		if paths == nil {
			return goja.Null()
		}
		exported := make([]interface{}, len(paths))
		for i, p := range paths {
			exported[i] = p
		}
		return vm.ToValue(exported)
	})
	fn.Set("resolve", resolve)

	mainGetter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		if main := l.Main(); main != nil && main.js != nil {
			return main.js
		}
		return goja.Undefined()
	})
	fn.DefineAccessorProperty("main", mainGetter, goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_TRUE)

	l.js = fn
	return fn
}

// resolveArgs extracts (request, options.paths) from a require.resolve call.
func resolveArgs(fc goja.FunctionCall) (string, []string, error) {
	arg := fc.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) || arg.String() == "" {
		return "", nil, fmt.Errorf("the 'request' argument must be a non-empty string")
	}
	request := arg.String()

	optsVal := fc.Argument(1)
	if goja.IsUndefined(optsVal) || goja.IsNull(optsVal) {
		return request, nil, nil
	}
	opts, ok := optsVal.(*goja.Object)
	if !ok {
		return request, nil, nil
	}
	pathsVal := opts.Get("paths")
	if pathsVal == nil || goja.IsUndefined(pathsVal) || goja.IsNull(pathsVal) {
		return request, nil, nil
	}
	var paths []string
	if exported, ok := pathsVal.Export().([]interface{}); ok {
		for _, p := range exported {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	return request, paths, nil
}

// Resolve resolves a request without loading it. When explicit paths are
// given, each is tried in order, taken relative to the requiring module's
// directory, and an error is returned if none matches. Without paths the
// default resolver is used, falling back to any registered mock path.
func (l *LocalRequire) Resolve(request string, paths []string) (string, error) {
	rt := l.rt
	from := l.module.ID

	if len(paths) > 0 {
		fromDir := filepath.Dir(from)
		for _, p := range paths {
			dir := p
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(fromDir, p)
			}
			if resolved := rt.res.ResolveModuleFromDirIfExists(dir, request); resolved != "" {
				return resolved, nil
			}
		}
		return "", fmt.Errorf("cannot resolve module '%s' from paths %v from %s", request, paths, from)
	}

	if resolved, err := rt.res.ResolveModule(from, request); err == nil {
		return resolved, nil
	}

	// A registered mock makes the request resolvable even without a file.
	moduleID := rt.res.GetModuleID(rt.virtualMocks, from, request)
	mockPath := rt.res.GetModulePath(from, request)
	if rt.virtualMocks[mockPath] {
		return mockPath, nil
	}
	if _, ok := rt.mockFactories[moduleID]; ok {
		return mockPath, nil
	}
	return "", fmt.Errorf("cannot find module '%s' from '%s'", request, from)
}

// ResolvePaths returns the candidate directories for a request: a single
// entry for relative requests, nil for core modules, otherwise the module
// directory chain.
func (l *LocalRequire) ResolvePaths(request string) []string {
	if request == "" {
		return nil
	}
	if isPathRequest(request) {
		return []string{filepath.Dir(l.module.ID)}
	}
	if l.rt.res.IsCoreModule(request) {
		return nil
	}
	return l.rt.res.GetModulePaths(filepath.Dir(l.module.ID))
}

// Main walks the parent chain to the topmost distinct ancestor.
func (l *LocalRequire) Main() *Module {
	current := l.module
	seen := map[*Module]bool{current: true}
	for {
		parent := current.Parent()
		if parent == nil || parent == current || seen[parent] {
			return current
		}
		seen[parent] = true
		current = parent
	}
}

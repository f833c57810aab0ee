package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"

	"github.com/tvalentius/jest/internal/transform"
)

type requireOpts struct {
	internal       bool
	skipManualMock bool
}

type execOpts struct {
	internal   bool
	manualMock bool
}

// requireModule loads the real module for a request. Manual mocks still
// substitute here under the historical rule: the target has a manual mock,
// the request is not internal, the caller is not the manual mock itself, and
// the user has not explicitly unmocked.
func (r *Runtime) requireModule(from, request string, opts requireOpts) (goja.Value, error) {
	if r.teardownGuard("requireModule") {
		return goja.Undefined(), nil
	}

	if !isPathRequest(request) && r.res.IsCoreModule(request) {
		return r.requireCoreModule(request)
	}

	moduleID := r.res.GetModuleID(r.virtualMocks, from, request)

	modulePath := ""
	viaManualMock := false
	if !opts.skipManualMock && !opts.internal {
		if manual := r.res.GetMockModule(from, request); manual != "" &&
			r.currentlyExecutingManualMock != manual {
			explicit, set := r.explicitShouldMock[moduleID]
			if !(set && !explicit) {
				modulePath = manual
				viaManualMock = true
			}
		}
	}
	if modulePath == "" {
		resolved, err := r.res.ResolveModule(from, request)
		if err != nil {
			return nil, err
		}
		modulePath = resolved
	}

	registry := r.lookupRegistry(modulePath, opts.internal)
	if existing, ok := registry.Lookup(modulePath); ok {
		return existing.Exports(), nil
	}

	module := r.newModule(modulePath, from, registry)
	// Insert before executing: cyclic requires must observe the partial
	// exports instead of recursing.
	registry.Insert(module)
	if parent, ok := registry.Lookup(from); ok {
		parent.AddChild(module)
	}

	if filepath.Ext(modulePath) == ".json" {
		if err := r.loadJSONModule(module); err != nil {
			registry.Delete(modulePath)
			return nil, err
		}
		return module.Exports(), nil
	}

	if err := r.execModule(module, registry, from, execOpts{internal: opts.internal, manualMock: viaManualMock}); err != nil {
		registry.Delete(modulePath)
		return nil, err
	}
	return module.Exports(), nil
}

// newModule allocates a Module and its sandbox-visible module object with a
// lazy parent accessor. registry may be nil for mock-layer modules, which
// resolve parents through the main registry.
func (r *Runtime) newModule(path, from string, registry *Registry) *Module {
	if registry == nil {
		registry = r.mainRegistry
	}
	vm := r.env.Runtime()

	module := &Module{
		ID:         path,
		parentFrom: from,
		parentIn:   registry,
		Paths:      r.res.GetModulePaths(filepath.Dir(path)),
	}

	js := vm.NewObject()
	js.Set("id", path)
	js.Set("filename", path)
	js.Set("exports", vm.NewObject())
	js.Set("loaded", false)
	js.Set("paths", module.Paths)
	parentGetter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		if parent := module.Parent(); parent != nil && parent.js != nil {
			return parent.js
		}
		return goja.Null()
	})
	js.DefineAccessorProperty("parent", parentGetter, goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_TRUE)

	module.js = js
	return module
}

// loadJSONModule parses a .json file directly into exports.
func (r *Runtime) loadJSONModule(module *Module) error {
	source, ok := r.sourceCache[module.ID]
	if !ok {
		raw, err := os.ReadFile(module.ID)
		if err != nil {
			return fmt.Errorf("cannot read module %s: %w", module.ID, err)
		}
		source = string(raw)
	}
	var data interface{}
	if err := json.Unmarshal([]byte(source), &data); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", module.ID, err)
	}
	module.js.Set("exports", r.env.Runtime().ToValue(data))
	module.Loaded = true
	module.js.Set("loaded", true)
	return nil
}

// execModule runs a pre-allocated module's body. Disposal of the sandbox is
// reported (logged, exit code 1), never thrown. The two pieces of ambient
// state are restored even when the body errors.
func (r *Runtime) execModule(module *Module, registry *Registry, from string, opts execOpts) error {
	if r.teardownGuard("execModule") {
		return nil
	}

	prevPath := r.currentlyExecutingModulePath
	prevManual := r.currentlyExecutingManualMock
	r.currentlyExecutingModulePath = module.ID
	if opts.manualMock {
		r.currentlyExecutingManualMock = module.ID
	}
	defer func() {
		r.currentlyExecutingModulePath = prevPath
		r.currentlyExecutingManualMock = prevManual
	}()

	localRequire := NewLocalRequire(r, module, opts.internal)
	module.require = localRequire
	module.js.Set("require", localRequire.JSObject())

	result, err := r.transformer.Transform(module.ID, transform.Options{
		Internal:     opts.internal,
		ExtraGlobals: r.cfg.Run.ExtraGlobals,
		Instrument:   r.cfg.Coverage.Collect,
		MapCoverage:  r.cfg.Coverage.MapCoverage,
	}, r.sourceCache[module.ID])
	if err != nil {
		return err
	}
	if result.SourceMapPath != "" {
		r.sourceMaps.Register(module.ID, result.SourceMapPath, result.MapCoverage)
	}

	value, err := r.env.RunScript(result.Program)
	if err != nil {
		return err
	}
	if value == nil {
		// Torn down mid-flight.
		r.logTeardownError("runScript")
		r.env.SetExitCode(1)
		return nil
	}

	factory, ok := goja.AssertFunction(value)
	if !ok {
		return fmt.Errorf("module %s did not compile to a factory function", module.ID)
	}

	vm := r.env.Runtime()
	global := r.env.Global()
	handle := NewHandle(r, module.ID)

	args := []goja.Value{
		module.js,
		module.Exports(),
		localRequire.JSObject(),
		vm.ToValue(filepath.Dir(module.ID)),
		vm.ToValue(module.ID),
		global,
		handle.JSObject(),
	}
	for _, name := range r.cfg.Run.ExtraGlobals {
		extra := global.Get(name)
		if extra == nil {
			return fmt.Errorf(
				"you have requested %q as an extra global, but it is not present on the environment's global object", name)
		}
		args = append(args, extra)
	}

	r.cfg.Log(2, "runtime: executing %s", module.ID)
	if _, err := factory(module.Exports(), args...); err != nil {
		if r.env.HandledProcessExit(err) {
			return nil
		}
		return err
	}

	module.Loaded = true
	module.js.Set("loaded", true)
	return nil
}

// requireCoreModule serves built-ins of the host runtime. The sandbox's own
// process object backs "process"; a native shim backs "path". Other core
// modules have no counterpart in the sandbox.
func (r *Runtime) requireCoreModule(request string) (goja.Value, error) {
	name := strings.TrimPrefix(request, "node:")
	switch name {
	case "process":
		if process := r.env.Process(); process != nil {
			return process, nil
		}
		return goja.Undefined(), nil
	case "path":
		return r.pathShim()
	default:
		return nil, fmt.Errorf("core module %q is not available in the sandbox", request)
	}
}

// pathShim exposes the host path operations to sandboxed code.
func (r *Runtime) pathShim() (goja.Value, error) {
	vm := r.env.Runtime()
	if vm == nil {
		return goja.Undefined(), nil
	}
	shim := vm.NewObject()
	shim.Set("sep", string(filepath.Separator))
	shim.Set("join", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		return vm.ToValue(filepath.Join(parts...))
	})
	shim.Set("dirname", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Dir(call.Argument(0).String()))
	})
	shim.Set("basename", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Base(call.Argument(0).String()))
	})
	shim.Set("extname", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.Ext(call.Argument(0).String()))
	})
	shim.Set("isAbsolute", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(filepath.IsAbs(call.Argument(0).String()))
	})
	shim.Set("resolve", func(call goja.FunctionCall) goja.Value {
		result := ""
		for _, a := range call.Arguments {
			part := a.String()
			if filepath.IsAbs(part) {
				result = part
			} else {
				result = filepath.Join(result, part)
			}
		}
		abs, err := filepath.Abs(result)
		if err != nil {
			return vm.ToValue(result)
		}
		return vm.ToValue(abs)
	})
	return shim, nil
}

// isPathRequest reports whether a request is path-shaped rather than a bare
// module name.
func isPathRequest(request string) bool {
	return strings.HasPrefix(request, "./") ||
		strings.HasPrefix(request, "../") ||
		filepath.IsAbs(request)
}

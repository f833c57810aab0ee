package runtime

import (
	"fmt"

	"github.com/dop251/goja"
)

// Global keys the framework recognizes for per-test knobs.
const (
	testTimeoutGlobalKey = "__testTimeout__"
	retryTimesGlobalKey  = "__retryTimes__"
)

// Handle is the per-module control object through which test code
// manipulates runtime state. Every mutator returns the handle so calls
// chain on one object.
type Handle struct {
	rt   *Runtime
	from string

	js *goja.Object
}

// NewHandle creates the framework handle bound to a requiring path.
func NewHandle(rt *Runtime, from string) *Handle {
	return &Handle{rt: rt, from: from}
}

// EnableAutomock turns the global auto-mock flag on.
func (h *Handle) EnableAutomock() *Handle {
	h.rt.shouldAutoMock = true
	return h
}

// DisableAutomock turns the global auto-mock flag off.
func (h *Handle) DisableAutomock() *Handle {
	h.rt.shouldAutoMock = false
	return h
}

// Mock marks a request explicitly mocked. A non-nil factory becomes the
// mock's producer; virtual registers the request as a mock-only key with no
// file behind it.
func (h *Handle) Mock(name string, factory goja.Callable, virtual bool) *Handle {
	rt := h.rt
	if virtual {
		rt.virtualMocks[rt.res.GetModulePath(h.from, name)] = true
	}
	moduleID := rt.res.GetModuleID(rt.virtualMocks, h.from, name)
	rt.explicitShouldMock[moduleID] = true
	if factory != nil {
		rt.mockFactories[moduleID] = factory
	}
	return h
}

// Unmock marks a request explicitly unmocked.
func (h *Handle) Unmock(name string) *Handle {
	moduleID := h.rt.res.GetModuleID(h.rt.virtualMocks, h.from, name)
	h.rt.explicitShouldMock[moduleID] = false
	return h
}

// DeepUnmock unmocks a request and its dependency subtree.
func (h *Handle) DeepUnmock(name string) *Handle {
	moduleID := h.rt.res.GetModuleID(h.rt.virtualMocks, h.from, name)
	h.rt.explicitShouldMock[moduleID] = false
	h.rt.transitiveShouldMock[moduleID] = false
	return h
}

// SetMock registers a fixed mock value for a request.
func (h *Handle) SetMock(name string, value goja.Value) *Handle {
	h.rt.SetMock(h.from, name, value)
	return h
}

// ResetModules resets the main module and mock registries.
func (h *Handle) ResetModules() *Handle {
	h.rt.ResetModules()
	return h
}

// IsolateModules runs fn inside an isolation scope.
func (h *Handle) IsolateModules(fn func()) error {
	return h.rt.IsolateModules(fn)
}

// GenMockFromModule synthesizes an auto-mock without recording policy.
func (h *Handle) GenMockFromModule(name string) (goja.Value, error) {
	return h.rt.GenerateMockFromModule(h.from, name)
}

// SetTestTimeout writes the framework's per-test timeout onto the sandbox
// global.
func (h *Handle) SetTestTimeout(ms int64) *Handle {
	if global := h.rt.env.Global(); global != nil {
		global.Set(testTimeoutGlobalKey, ms)
	}
	return h
}

// RetryTimes writes the framework's retry count onto the sandbox global.
func (h *Handle) RetryTimes(n int64) *Handle {
	if global := h.rt.env.Global(); global != nil {
		global.Set(retryTimesGlobalKey, n)
	}
	return h
}

// timerCall guards the fake-timer operations: a torn-down sandbox logs and
// records exit code 1 instead of throwing, and fake timers must be
// installed.
func (h *Handle) timerCall(op string, fn func() error) error {
	rt := h.rt
	if rt.env.IsTornDown() {
		rt.logTeardownError(op)
		rt.env.SetExitCode(1)
		return nil
	}
	timers := rt.env.FakeTimers()
	if timers == nil || !timers.Installed() {
		return fmt.Errorf("%s: fake timers are not installed; call useFakeTimers() first", op)
	}
	return fn()
}

// JSObject lazily builds the sandbox-visible jest object. Chaining methods
// return the same object.
func (h *Handle) JSObject() *goja.Object {
	if h.js != nil {
		return h.js
	}
	rt := h.rt
	vm := rt.env.Runtime()
	jest := vm.NewObject()
	h.js = jest

	self := func() goja.Value { return jest }

	jest.Set("enableAutomock", func(fc goja.FunctionCall) goja.Value {
		h.EnableAutomock()
		return self()
	})
	jest.Set("disableAutomock", func(fc goja.FunctionCall) goja.Value {
		h.DisableAutomock()
		return self()
	})

	mockImpl := func(fc goja.FunctionCall) goja.Value {
		name := fc.Argument(0).String()
		var factory goja.Callable
		if callable, ok := goja.AssertFunction(fc.Argument(1)); ok {
			factory = callable
		}
		virtual := false
		if opts, ok := fc.Argument(2).(*goja.Object); ok {
			virtual = opts.Get("virtual") != nil && opts.Get("virtual").ToBoolean()
		}
		h.Mock(name, factory, virtual)
		return self()
	}
	jest.Set("mock", mockImpl)
	// doMock bypasses the hoisting performed by the transform.
	jest.Set("doMock", mockImpl)

	unmockImpl := func(fc goja.FunctionCall) goja.Value {
		h.Unmock(fc.Argument(0).String())
		return self()
	}
	jest.Set("unmock", unmockImpl)
	jest.Set("dontMock", unmockImpl)
	jest.Set("deepUnmock", func(fc goja.FunctionCall) goja.Value {
		h.DeepUnmock(fc.Argument(0).String())
		return self()
	})
	jest.Set("setMock", func(fc goja.FunctionCall) goja.Value {
		h.SetMock(fc.Argument(0).String(), fc.Argument(1))
		return self()
	})

	resetModules := func(fc goja.FunctionCall) goja.Value {
		h.ResetModules()
		return self()
	}
	jest.Set("resetModules", resetModules)
	jest.Set("resetModuleRegistry", resetModules)

	jest.Set("isolateModules", func(fc goja.FunctionCall) goja.Value {
		callback, ok := goja.AssertFunction(fc.Argument(0))
		if !ok {
			rt.throwJS(fmt.Errorf("isolateModules: callback is not a function"))
		}
		var callbackErr error
		err := h.IsolateModules(func() {
			_, callbackErr = callback(goja.Undefined())
		})
		if err != nil {
			rt.throwJS(err)
		}
		if callbackErr != nil {
			rt.throwJS(callbackErr)
		}
		return self()
	})

	jest.Set("genMockFromModule", func(fc goja.FunctionCall) goja.Value {
		mock, err := h.GenMockFromModule(fc.Argument(0).String())
		if err != nil {
			rt.throwJS(err)
		}
		return mock
	})

	jest.Set("requireActual", func(fc goja.FunctionCall) goja.Value {
		value, err := rt.RequireActual(h.from, fc.Argument(0).String())
		if err != nil {
			rt.throwJS(err)
		}
		return value
	})
	jest.Set("requireMock", func(fc goja.FunctionCall) goja.Value {
		value, err := rt.RequireMock(h.from, fc.Argument(0).String())
		if err != nil {
			rt.throwJS(err)
		}
		return value
	})

	// Mock-function subsystem pass-throughs.
	jest.Set("fn", func(fc goja.FunctionCall) goja.Value {
		mocker := rt.env.Mocker()
		if mocker == nil {
			return goja.Undefined()
		}
		return mocker.Fn(fc.Argument(0))
	})
	jest.Set("spyOn", func(fc goja.FunctionCall) goja.Value {
		mocker := rt.env.Mocker()
		if mocker == nil {
			return goja.Undefined()
		}
		target, ok := fc.Argument(0).(*goja.Object)
		if !ok {
			rt.throwJS(fmt.Errorf("spyOn: target must be an object"))
		}
		spy, err := mocker.SpyOn(target, fc.Argument(1).String())
		if err != nil {
			rt.throwJS(err)
		}
		return spy
	})
	jest.Set("isMockFunction", func(fc goja.FunctionCall) goja.Value {
		mocker := rt.env.Mocker()
		return vm.ToValue(mocker != nil && mocker.IsMockFunction(fc.Argument(0)))
	})
	jest.Set("clearAllMocks", func(fc goja.FunctionCall) goja.Value {
		rt.ClearAllMocks()
		return self()
	})
	jest.Set("resetAllMocks", func(fc goja.FunctionCall) goja.Value {
		rt.ResetAllMocks()
		return self()
	})
	jest.Set("restoreAllMocks", func(fc goja.FunctionCall) goja.Value {
		rt.RestoreAllMocks()
		return self()
	})

	// Timer switches and operations.
	jest.Set("useFakeTimers", func(fc goja.FunctionCall) goja.Value {
		if timers := rt.env.FakeTimers(); timers != nil {
			timers.UseFakeTimers()
		}
		return self()
	})
	jest.Set("useRealTimers", func(fc goja.FunctionCall) goja.Value {
		if timers := rt.env.FakeTimers(); timers != nil {
			timers.UseRealTimers()
		}
		return self()
	})

	timerOp := func(name string, run func() error) func(goja.FunctionCall) goja.Value {
		return func(fc goja.FunctionCall) goja.Value {
			if err := h.timerCall(name, run); err != nil {
				rt.throwJS(err)
			}
			return self()
		}
	}
	jest.Set("advanceTimersByTime", func(fc goja.FunctionCall) goja.Value {
		ms := fc.Argument(0).ToInteger()
		if err := h.timerCall("advanceTimersByTime", func() error {
			return rt.env.FakeTimers().AdvanceTimersByTime(ms)
		}); err != nil {
			rt.throwJS(err)
		}
		return self()
	})
	jest.Set("runAllTimers", timerOp("runAllTimers", func() error {
		return rt.env.FakeTimers().RunAllTimers()
	}))
	jest.Set("runAllTicks", timerOp("runAllTicks", func() error {
		return rt.env.FakeTimers().RunAllTicks()
	}))
	jest.Set("runAllImmediates", timerOp("runAllImmediates", func() error {
		return rt.env.FakeTimers().RunAllImmediates()
	}))
	jest.Set("runOnlyPendingTimers", timerOp("runOnlyPendingTimers", func() error {
		return rt.env.FakeTimers().RunOnlyPendingTimers()
	}))
	jest.Set("clearAllTimers", timerOp("clearAllTimers", func() error {
		rt.env.FakeTimers().ClearAllTimers()
		return nil
	}))
	jest.Set("getTimerCount", func(fc goja.FunctionCall) goja.Value {
		count := 0
		if err := h.timerCall("getTimerCount", func() error {
			count = rt.env.FakeTimers().GetTimerCount()
			return nil
		}); err != nil {
			rt.throwJS(err)
		}
		return vm.ToValue(count)
	})

	jest.Set("setTimeout", func(fc goja.FunctionCall) goja.Value {
		h.SetTestTimeout(fc.Argument(0).ToInteger())
		return self()
	})
	jest.Set("retryTimes", func(fc goja.FunctionCall) goja.Value {
		h.RetryTimes(fc.Argument(0).ToInteger())
		return self()
	})

	jest.Set("addMatchers", func(fc goja.FunctionCall) goja.Value {
		h.AddMatchers(fc.Argument(0))
		return self()
	})

	return jest
}

// AddMatchers delegates matcher registration to the framework's global
// expect object when present.
func (h *Handle) AddMatchers(matchers goja.Value) *Handle {
	global := h.rt.env.Global()
	if global == nil {
		return h
	}
	expectVal := global.Get("expect")
	if expectVal == nil {
		h.rt.cfg.Log(1, "handle: addMatchers called without an expect global")
		return h
	}
	expectObj, ok := expectVal.(*goja.Object)
	if !ok {
		return h
	}
	if extend, ok := goja.AssertFunction(expectObj.Get("extend")); ok {
		extend(expectObj, matchers)
	}
	return h
}

// Package sandbox provides the isolated execution environment for test code.
// Each Environment owns a goja runtime whose global object stands apart from
// the host process: it carries its own console, its own process object, a
// module mocker, and switchable fake timers. After Teardown the global is
// gone and every entry point reports disposal instead of executing.
package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/tvalentius/jest/internal/config"
)

// processExit is the interrupt value used when sandboxed code calls
// process.exit. The executor recognizes it and records the exit code.
type processExit struct {
	Code int
}

// Environment is an isolated global environment for one test file.
type Environment struct {
	cfg *config.Config
	id  string

	vm     *goja.Runtime
	global *goja.Object // nil after teardown

	mocker     *Mocker
	fakeTimers *FakeTimers

	exitCode int
}

// New creates an environment. Setup must be called before use.
func New(cfg *config.Config) *Environment {
	return &Environment{
		cfg: cfg,
		id:  uuid.NewString(),
	}
}

// ID returns the environment's instance identity, used in teardown
// diagnostics.
func (e *Environment) ID() string {
	return e.id
}

// Setup builds the sandbox global: console, process, the self-referential
// global binding, the module mocker, and the fake-timer controller.
// Idempotent until Teardown.
func (e *Environment) Setup() error {
	if e.vm != nil {
		return nil
	}
	vm := goja.New()
	e.vm = vm
	e.global = vm.GlobalObject()

	// Node-style self reference so `global.x` and bare `x` agree.
	if err := e.global.Set("global", e.global); err != nil {
		return err
	}

	if err := e.installConsole(); err != nil {
		return err
	}
	if err := e.installProcess(); err != nil {
		return err
	}

	e.mocker = NewMocker(e)
	e.fakeTimers = NewFakeTimers(e)

	e.cfg.Log(2, "sandbox: environment %s ready", e.id)
	return nil
}

// Teardown disposes the sandbox. The global becomes nil; subsequent
// RunScript calls return nil rather than executing.
func (e *Environment) Teardown() error {
	if e.fakeTimers != nil && e.fakeTimers.Installed() {
		e.fakeTimers.UseRealTimers()
	}
	e.global = nil
	e.vm = nil
	e.mocker = nil
	e.fakeTimers = nil
	e.cfg.Log(2, "sandbox: environment %s torn down", e.id)
	return nil
}

// IsTornDown reports whether the sandbox global has been disposed.
func (e *Environment) IsTornDown() bool {
	return e.global == nil
}

// Global returns the sandbox global object, or nil after teardown.
func (e *Environment) Global() *goja.Object {
	return e.global
}

// Runtime returns the underlying goja runtime, or nil after teardown.
func (e *Environment) Runtime() *goja.Runtime {
	if e.IsTornDown() {
		return nil
	}
	return e.vm
}

// Mocker returns the environment's module mocker, or nil after teardown.
func (e *Environment) Mocker() *Mocker {
	return e.mocker
}

// FakeTimers returns the environment's timer controller, or nil after
// teardown.
func (e *Environment) FakeTimers() *FakeTimers {
	return e.fakeTimers
}

// ExitCode returns the exit code recorded by the environment.
func (e *Environment) ExitCode() int {
	return e.exitCode
}

// SetExitCode records a non-zero exit code; the zero value never overwrites
// a recorded failure.
func (e *Environment) SetExitCode(code int) {
	if code != 0 || e.exitCode == 0 {
		e.exitCode = code
	}
}

// RunScript evaluates a compiled program in the sandbox. Returns (nil, nil)
// when the sandbox has been torn down: disposal is reported, never thrown.
func (e *Environment) RunScript(program *goja.Program) (goja.Value, error) {
	if e.IsTornDown() {
		return nil, nil
	}
	value, err := e.vm.RunProgram(program)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			if exit, ok := ie.Value().(processExit); ok {
				e.vm.ClearInterrupt()
				e.SetExitCode(exit.Code)
				return nil, nil
			}
		}
		return nil, err
	}
	return value, nil
}

// HandledProcessExit recognizes the interrupt raised by process.exit,
// records the exit code, and clears the interrupt. Returns false for every
// other error.
func (e *Environment) HandledProcessExit(err error) bool {
	ie, ok := err.(*goja.InterruptedError)
	if !ok {
		return false
	}
	exit, ok := ie.Value().(processExit)
	if !ok {
		return false
	}
	if e.vm != nil {
		e.vm.ClearInterrupt()
	}
	e.SetExitCode(exit.Code)
	return true
}

// installConsole registers a console object backed by the host streams.
func (e *Environment) installConsole() error {
	vm := e.vm
	console := vm.NewObject()

	write := func(w *os.File) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, formatValue(arg))
			}
			fmt.Fprintln(w, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	for _, name := range []string{"log", "info", "debug"} {
		if err := console.Set(name, write(os.Stdout)); err != nil {
			return err
		}
	}
	for _, name := range []string{"warn", "error"} {
		if err := console.Set(name, write(os.Stderr)); err != nil {
			return err
		}
	}
	return e.global.Set("console", console)
}

// installProcess registers the sandbox process object. process.exit formats
// its arguments and the calling stack to stderr, then interrupts execution
// with the requested code.
func (e *Environment) installProcess() error {
	vm := e.vm
	process := vm.NewObject()

	env := vm.NewObject()
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			if err := env.Set(kv[:i], kv[i+1:]); err != nil {
				return err
			}
		}
	}
	if err := process.Set("env", env); err != nil {
		return err
	}
	if err := process.Set("exitCode", 0); err != nil {
		return err
	}
	if err := process.Set("argv", []string{"node"}); err != nil {
		return err
	}

	if err := process.Set("exit", func(call goja.FunctionCall) goja.Value {
		code := 0
		if len(call.Arguments) > 0 {
			code = int(call.Argument(0).ToInteger())
		}
		fmt.Fprintf(os.Stderr, "process.exit called with %v\n%s", exportArgs(call.Arguments), e.captureStack())
		process.Set("exitCode", code)
		vm.Interrupt(processExit{Code: code})
		return goja.Undefined()
	}); err != nil {
		return err
	}

	return e.global.Set("process", process)
}

// Process returns the sandbox process object, or nil after teardown.
func (e *Environment) Process() *goja.Object {
	if e.IsTornDown() {
		return nil
	}
	if v := e.global.Get("process"); v != nil {
		if obj, ok := v.(*goja.Object); ok {
			return obj
		}
	}
	return nil
}

// captureStack renders the sandbox call stack for diagnostics.
func (e *Environment) captureStack() string {
	var b strings.Builder
	for _, frame := range e.vm.CaptureCallStack(20, nil) {
		pos := frame.Position()
		name := frame.FuncName()
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(&b, "    at %s (%s:%d:%d)\n", name, frame.SrcName(), pos.Line, pos.Column)
	}
	return b.String()
}

// formatValue renders a JS value for console output.
func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", exported)
}

// exportArgs renders call arguments for the process.exit diagnostic.
func exportArgs(args []goja.Value) []interface{} {
	out := make([]interface{}, 0, len(args))
	for _, a := range args {
		out = append(out, a.Export())
	}
	return out
}

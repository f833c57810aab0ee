package sandbox

import (
	"testing"

	"github.com/dop251/goja"

	"github.com/tvalentius/jest/internal/config"
)

func TestSetupInstallsGlobals(t *testing.T) {
	env := newTestEnv(t)
	vm := env.Runtime()

	for _, expr := range []string{"typeof console.log", "typeof process.exit", "typeof global"} {
		v, err := vm.RunString(expr)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if got := v.String(); got != "function" && got != "object" {
			t.Errorf("%s = %q", expr, got)
		}
	}
}

func TestTeardownDisposesGlobal(t *testing.T) {
	env := New(config.DefaultConfig())
	if err := env.Setup(); err != nil {
		t.Fatal(err)
	}
	if env.IsTornDown() {
		t.Fatal("fresh environment reports torn down")
	}
	if err := env.Teardown(); err != nil {
		t.Fatal(err)
	}
	if !env.IsTornDown() {
		t.Error("IsTornDown = false after Teardown")
	}
	if env.Global() != nil {
		t.Error("Global() non-nil after Teardown")
	}
}

func TestRunScriptAfterTeardownReturnsNil(t *testing.T) {
	env := New(config.DefaultConfig())
	if err := env.Setup(); err != nil {
		t.Fatal(err)
	}
	program, err := goja.Compile("t.js", "1 + 1", false)
	if err != nil {
		t.Fatal(err)
	}
	env.Teardown()

	value, err := env.RunScript(program)
	if err != nil {
		t.Fatalf("RunScript after teardown must not error, got %v", err)
	}
	if value != nil {
		t.Errorf("RunScript after teardown = %v, want nil", value)
	}
}

func TestProcessExitRecordsCode(t *testing.T) {
	env := newTestEnv(t)
	program, err := goja.Compile("t.js", "process.exit(3); 'unreached'", false)
	if err != nil {
		t.Fatal(err)
	}

	value, err := env.RunScript(program)
	if err != nil {
		t.Fatalf("RunScript with process.exit errored: %v", err)
	}
	if value != nil {
		t.Errorf("RunScript after process.exit = %v, want nil", value)
	}
	if got := env.ExitCode(); got != 3 {
		t.Errorf("ExitCode = %d, want 3", got)
	}
}

func TestSetExitCodeKeepsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.SetExitCode(1)
	env.SetExitCode(0)
	if got := env.ExitCode(); got != 1 {
		t.Errorf("ExitCode = %d, want recorded failure preserved", got)
	}
}

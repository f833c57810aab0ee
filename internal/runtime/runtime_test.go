package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dop251/goja"

	"github.com/tvalentius/jest/internal/config"
	"github.com/tvalentius/jest/internal/resolver"
	"github.com/tvalentius/jest/internal/sandbox"
)

// testFixture owns a runtime over a temp project directory.
type testFixture struct {
	t   *testing.T
	dir string
	cfg *config.Config
	env *sandbox.Environment
	rt  *Runtime
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *testFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Project.Roots = []string{dir}
	cfg.Transform.CacheDirectory = filepath.Join(t.TempDir(), "cache")
	if mutate != nil {
		mutate(cfg)
	}

	res, err := resolver.New(cfg)
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	env := sandbox.New(cfg)
	if err := env.Setup(); err != nil {
		t.Fatalf("env.Setup: %v", err)
	}
	rt, err := New(cfg, env, res)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	t.Cleanup(func() {
		rt.Close()
		env.Teardown()
	})
	return &testFixture{t: t, dir: dir, cfg: cfg, env: env, rt: rt}
}

// write creates a file under the fixture directory, making parent dirs.
func (f *testFixture) write(rel, content string) string {
	f.t.Helper()
	path := filepath.Join(f.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.t.Fatal(err)
	}
	return path
}

// from returns a synthetic requiring path inside the fixture directory.
func (f *testFixture) from() string {
	return filepath.Join(f.dir, "entry.js")
}

// exportsOf requires a request and returns its exports as a goja object.
func (f *testFixture) exportsOf(request string) *goja.Object {
	f.t.Helper()
	value, err := f.rt.RequireModuleOrMock(f.from(), request)
	if err != nil {
		f.t.Fatalf("require %s: %v", request, err)
	}
	obj, ok := value.(*goja.Object)
	if !ok {
		f.t.Fatalf("require %s: exports is %T, not an object", request, value)
	}
	return obj
}

func TestSimpleRequire(t *testing.T) {
	f := newFixture(t, nil)
	f.write("a.js", "module.exports = 1;")
	f.write("test.js", "const a = require('./a'); exports.x = a;")

	exports := f.exportsOf("./test.js")
	if got := exports.Get("x").ToInteger(); got != 1 {
		t.Errorf("exports.x = %d, want 1", got)
	}
}

func TestRequireIdentityUnderReentry(t *testing.T) {
	f := newFixture(t, nil)
	f.write("m.js", "module.exports = {n: 1};")

	first := f.exportsOf("./m.js")
	second := f.exportsOf("./m.js")
	if first != second {
		t.Error("second require returned a different exports object")
	}
}

func TestCyclePartialExports(t *testing.T) {
	f := newFixture(t, nil)
	f.write("a.js", "exports.a = 1; exports.b = require('./b');")
	f.write("b.js", "exports.pre = require('./a').a; exports.post = require('./a').b;")

	exports := f.exportsOf("./a.js")
	if got := exports.Get("a").ToInteger(); got != 1 {
		t.Errorf("a = %d, want 1", got)
	}
	b, ok := exports.Get("b").(*goja.Object)
	if !ok {
		t.Fatalf("b is %T, not an object", exports.Get("b"))
	}
	if got := b.Get("pre").ToInteger(); got != 1 {
		t.Errorf("b.pre = %d, want 1", got)
	}
	// When b.js ran, a.js had only set .a; the cyclic read of .b is the
	// partial value.
	if post := b.Get("post"); post != nil && !goja.IsUndefined(post) {
		t.Errorf("b.post = %v, want undefined", post)
	}
}

func TestMockPrecedence(t *testing.T) {
	f := newFixture(t, nil)
	f.write("node_modules/x/index.js", "module.exports = 'real';")

	vm := f.env.Runtime()
	handle := NewHandle(f.rt, f.from())

	factory := func(this goja.Value, args ...goja.Value) (goja.Value, error) {
		return vm.ToValue(42), nil
	}
	handle.Mock("x", factory, false)
	value, err := f.rt.RequireModuleOrMock(f.from(), "x")
	if err != nil {
		t.Fatalf("require mocked x: %v", err)
	}
	if got := value.ToInteger(); got != 42 {
		t.Errorf("mocked x = %d, want 42", got)
	}

	handle.SetMock("x", vm.ToValue(7))
	f.rt.ResetModules() // drop the cached mock instance
	value, err = f.rt.RequireModuleOrMock(f.from(), "x")
	if err != nil {
		t.Fatalf("require setMock x: %v", err)
	}
	if got := value.ToInteger(); got != 7 {
		t.Errorf("setMock x = %d, want 7", got)
	}

	handle.Unmock("x")
	f.rt.ResetModules()
	value, err = f.rt.RequireModuleOrMock(f.from(), "x")
	if err != nil {
		t.Fatalf("require unmocked x: %v", err)
	}
	if got := value.String(); got != "real" {
		t.Errorf("unmocked x = %q, want \"real\"", got)
	}
}

func TestVirtualMock(t *testing.T) {
	f := newFixture(t, nil)
	vm := f.env.Runtime()
	handle := NewHandle(f.rt, f.from())

	handle.Mock("ghost-module", func(this goja.Value, args ...goja.Value) (goja.Value, error) {
		return vm.ToValue("virtual"), nil
	}, true)

	value, err := f.rt.RequireModuleOrMock(f.from(), "ghost-module")
	if err != nil {
		t.Fatalf("require virtual mock: %v", err)
	}
	if got := value.String(); got != "virtual" {
		t.Errorf("virtual mock = %q, want \"virtual\"", got)
	}
}

func TestIsolation(t *testing.T) {
	f := newFixture(t, nil)
	f.write("m.js", "module.exports = {fresh: true};")

	var r1 goja.Value
	err := f.rt.IsolateModules(func() {
		r1, _ = f.rt.RequireModuleOrMock(f.from(), "./m.js")
	})
	if err != nil {
		t.Fatalf("IsolateModules: %v", err)
	}

	r2, err := f.rt.RequireModuleOrMock(f.from(), "./m.js")
	if err != nil {
		t.Fatalf("require after isolation: %v", err)
	}
	if r1 == r2 {
		t.Error("isolated and main requires returned the same instance")
	}

	// The isolated module must not leak into the main registry: the second
	// require re-executed the body.
	mPath := filepath.Join(f.dir, "m.js")
	if _, ok := f.rt.mainRegistry.Lookup(mPath); !ok {
		t.Error("main registry missing module after post-isolation require")
	}
}

func TestNestedIsolationFails(t *testing.T) {
	f := newFixture(t, nil)
	var inner error
	err := f.rt.IsolateModules(func() {
		inner = f.rt.IsolateModules(func() {})
	})
	if err != nil {
		t.Fatalf("outer IsolateModules: %v", err)
	}
	if inner != ErrNestedIsolation {
		t.Errorf("nested IsolateModules = %v, want ErrNestedIsolation", inner)
	}
}

func TestResetModulesReexecutesAndKeepsPolicy(t *testing.T) {
	f := newFixture(t, nil)
	f.write("counter.js", "module.exports = {};")

	vm := f.env.Runtime()
	handle := NewHandle(f.rt, f.from())
	handle.Mock("configured", func(this goja.Value, args ...goja.Value) (goja.Value, error) {
		return vm.ToValue("kept"), nil
	}, true)

	first := f.exportsOf("./counter.js")
	f.rt.ResetModules()
	second := f.exportsOf("./counter.js")
	if first == second {
		t.Error("require after reset returned the same exports instance")
	}

	value, err := f.rt.RequireModuleOrMock(f.from(), "configured")
	if err != nil {
		t.Fatalf("require configured mock after reset: %v", err)
	}
	if got := value.String(); got != "kept" {
		t.Errorf("mock after reset = %q, want \"kept\"", got)
	}
}

func TestVendoredUnmock(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Mock.Automock = true
		cfg.Mock.UnmockedModulePathPatterns = []string{"node_modules/left-pad"}
	})
	f.write("node_modules/left-pad/index.js", "exports.util = require('./util'); exports.kind = 'real';")
	f.write("node_modules/left-pad/util.js", "module.exports = {kind: 'real-util'};")

	exports := f.exportsOf("left-pad")
	if got := exports.Get("kind").String(); got != "real" {
		t.Errorf("left-pad.kind = %q, want \"real\"", got)
	}
	util, ok := exports.Get("util").(*goja.Object)
	if !ok {
		t.Fatalf("left-pad.util is %T, not an object", exports.Get("util"))
	}
	if got := util.Get("kind").String(); got != "real-util" {
		t.Errorf("left-pad.util.kind = %q, want \"real-util\" (transitive rule should fire)", got)
	}
}

func TestAutomockSynthesis(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Mock.Automock = true
	})
	f.write("node_modules/lib/index.js",
		"exports.add = function(a, b) { return a + b; }; exports.version = 3;")

	exports := f.exportsOf("lib")
	add := exports.Get("add")
	mocker := f.env.Mocker()
	if !mocker.IsMockFunction(add) {
		t.Fatal("auto-mocked function is not a mock function")
	}
	if got := exports.Get("version").ToInteger(); got != 3 {
		t.Errorf("auto-mock kept constant version = %d, want 3", got)
	}
	// The mocked function returns undefined, not the real sum.
	addFn, _ := goja.AssertFunction(add)
	result, err := addFn(goja.Undefined(), f.env.Runtime().ToValue(1), f.env.Runtime().ToValue(2))
	if err != nil {
		t.Fatalf("calling auto-mock: %v", err)
	}
	if !goja.IsUndefined(result) {
		t.Errorf("auto-mocked add(1,2) = %v, want undefined", result)
	}
}

func TestAutomockPurity(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Mock.Automock = true
	})
	libPath := f.write("node_modules/lib/index.js",
		"require('./dep'); exports.fn = function() {};")
	depPath := f.write("node_modules/lib/dep.js", "module.exports = 'dep';")

	if _, err := f.rt.RequireModuleOrMock(f.from(), "lib"); err != nil {
		t.Fatalf("require lib: %v", err)
	}
	if _, ok := f.rt.mainRegistry.Lookup(libPath); ok {
		t.Error("auto-mock generation leaked the module into the main registry")
	}
	if _, ok := f.rt.mainRegistry.Lookup(depPath); ok {
		t.Error("auto-mock generation leaked a transitive dependency into the main registry")
	}
}

func TestManualMockSubstitution(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Mock.Automock = true
	})
	f.write("node_modules/fancy/index.js", "module.exports = 'real';")
	f.write("__mocks__/fancy.js", "module.exports = 'manual';")

	value, err := f.rt.RequireMock(f.from(), "fancy")
	if err != nil {
		t.Fatalf("requireMock fancy: %v", err)
	}
	if got := value.String(); got != "manual" {
		t.Errorf("manual mock = %q, want \"manual\"", got)
	}
}

func TestSiblingMocksPromotion(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Mock.Automock = true
	})
	f.write("node_modules/pkg/index.js", "module.exports = 'real';")
	f.write("node_modules/pkg/__mocks__/index.js", "module.exports = 'sibling-mock';")

	value, err := f.rt.RequireMock(f.from(), "pkg")
	if err != nil {
		t.Fatalf("requireMock pkg: %v", err)
	}
	if got := value.String(); got != "sibling-mock" {
		t.Errorf("sibling mock = %q, want \"sibling-mock\"", got)
	}
}

func TestRequireActualBypassesMocks(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Mock.Automock = true
	})
	f.write("node_modules/fancy/index.js", "module.exports = 'real';")
	f.write("__mocks__/fancy.js", "module.exports = 'manual';")

	value, err := f.rt.RequireActual(f.from(), "fancy")
	if err != nil {
		t.Fatalf("requireActual fancy: %v", err)
	}
	if got := value.String(); got != "real" {
		t.Errorf("requireActual = %q, want \"real\"", got)
	}
}

func TestTeardownSafety(t *testing.T) {
	f := newFixture(t, nil)
	f.write("m.js", "module.exports = 1;")

	if err := f.env.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	value, err := f.rt.RequireModule(f.from(), "./m.js")
	if err != nil {
		t.Fatalf("require after teardown must not error, got %v", err)
	}
	if value != nil && !goja.IsUndefined(value) {
		t.Errorf("require after teardown = %v, want undefined", value)
	}
	if code := f.env.ExitCode(); code == 0 {
		t.Error("exit code still zero after post-teardown require")
	}
}

func TestJSONModule(t *testing.T) {
	f := newFixture(t, nil)
	f.write("data.json", `{"name": "pkg", "count": 2}`)

	exports := f.exportsOf("./data.json")
	if got := exports.Get("name").String(); got != "pkg" {
		t.Errorf("data.name = %q, want \"pkg\"", got)
	}
	if got := exports.Get("count").ToInteger(); got != 2 {
		t.Errorf("data.count = %d, want 2", got)
	}
}

func TestModuleNotFoundSuggestsSiblingExtension(t *testing.T) {
	f := newFixture(t, nil)
	f.write("mod.mjsx", "module.exports = 1;")

	_, err := f.rt.RequireModuleOrMock(f.from(), "./mod.tsx")
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	if !containsAll(err.Error(), "cannot find module", "mod.mjsx") {
		t.Errorf("error lacks sibling suggestion: %v", err)
	}
}

func TestJestObjectChaining(t *testing.T) {
	f := newFixture(t, nil)
	f.write("chain.js", `
var same = jest.mock('./nothing', function() { return 1; }, {virtual: true}) === jest;
same = same && jest.unmock('./nothing') === jest;
same = same && jest.resetModules() === jest;
exports.same = same;
`)

	exports := f.exportsOf("./chain.js")
	if !exports.Get("same").ToBoolean() {
		t.Error("framework handle mutators did not return the same object")
	}
}

func TestJestMockInsideModule(t *testing.T) {
	f := newFixture(t, nil)
	f.write("dep.js", "module.exports = 'real';")
	f.write("test.js", `
jest.mock('./dep', function() { return 'factory'; });
exports.dep = require('./dep');
`)

	exports := f.exportsOf("./test.js")
	if got := exports.Get("dep").String(); got != "factory" {
		t.Errorf("mocked dep = %q, want \"factory\"", got)
	}
}

func TestGenMockFromModule(t *testing.T) {
	f := newFixture(t, nil)
	f.write("shape.js", "exports.go = function() { return 'ran'; }; exports.n = 5;")
	f.write("test.js", `
var mock = jest.genMockFromModule('./shape');
exports.isMock = jest.isMockFunction(mock.go);
exports.n = mock.n;
exports.stillReal = require('./shape').go();
`)

	exports := f.exportsOf("./test.js")
	if !exports.Get("isMock").ToBoolean() {
		t.Error("genMockFromModule did not produce mock functions")
	}
	if got := exports.Get("n").ToInteger(); got != 5 {
		t.Errorf("generated constant n = %d, want 5", got)
	}
	if got := exports.Get("stillReal").String(); got != "ran" {
		t.Errorf("real module affected by genMockFromModule: %q", got)
	}
}

func TestRequireResolveAndPaths(t *testing.T) {
	f := newFixture(t, nil)
	target := f.write("sub/target.js", "module.exports = 1;")
	f.write("test.js", `
exports.resolved = require.resolve('./target', {paths: ['./sub']});
exports.relPaths = require.resolve.paths('./anything');
exports.corePaths = require.resolve.paths('fs');
`)

	exports := f.exportsOf("./test.js")
	if got := exports.Get("resolved").String(); got != target {
		t.Errorf("resolve with paths = %q, want %q", got, target)
	}
	relPaths, ok := exports.Get("relPaths").Export().([]interface{})
	if !ok || len(relPaths) != 1 {
		t.Fatalf("resolve.paths for relative = %v, want single-entry list", exports.Get("relPaths"))
	}
	if relPaths[0] != f.dir {
		t.Errorf("resolve.paths[0] = %v, want %s", relPaths[0], f.dir)
	}
	if !goja.IsNull(exports.Get("corePaths")) {
		t.Errorf("resolve.paths for core module = %v, want null", exports.Get("corePaths"))
	}
}

func TestSourceMapInfoRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	file := filepath.Join(f.dir, "mapped.js")
	sidecar := f.write("mapped.js.map", `{"version":3,"sources":[],"mappings":""}`)

	f.rt.sourceMaps.Register(file, sidecar, true)
	info := f.rt.GetSourceMapInfo(map[string]bool{file: true})
	if info[file] != sidecar {
		t.Errorf("GetSourceMapInfo = %v, want {%s: %s}", info, file, sidecar)
	}

	other := filepath.Join(f.dir, "other.js")
	f.rt.sourceMaps.Register(other, sidecar, false)
	info = f.rt.GetSourceMapInfo(map[string]bool{other: true})
	if len(info) != 0 {
		t.Errorf("GetSourceMapInfo for non-coverage file = %v, want empty", info)
	}
}

func TestCoverageInfoCopy(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Coverage.Collect = true
	})
	f.write("covered.js", "module.exports = 1;")

	if _, err := f.rt.RequireModuleOrMock(f.from(), "./covered.js"); err != nil {
		t.Fatalf("require covered.js: %v", err)
	}

	coverage := f.rt.GetAllCoverageInfoCopy()
	coveredPath := filepath.Join(f.dir, "covered.js")
	entry, ok := coverage[coveredPath].(map[string]interface{})
	if !ok {
		t.Fatalf("no coverage entry for %s in %v", coveredPath, coverage)
	}
	if hits, ok := entry["hits"].(int64); !ok || hits < 1 {
		t.Errorf("coverage hits = %v, want >= 1", entry["hits"])
	}
}

func TestFakeTimersViaJest(t *testing.T) {
	f := newFixture(t, nil)
	f.write("timers.js", `
jest.useFakeTimers();
var fired = false;
setTimeout(function() { fired = true; }, 100);
exports.before = fired;
exports.count = jest.getTimerCount();
jest.advanceTimersByTime(100);
exports.after = fired;
jest.useRealTimers();
`)

	exports := f.exportsOf("./timers.js")
	if exports.Get("before").ToBoolean() {
		t.Error("timer fired before the clock advanced")
	}
	if got := exports.Get("count").ToInteger(); got != 1 {
		t.Errorf("getTimerCount = %d, want 1", got)
	}
	if !exports.Get("after").ToBoolean() {
		t.Error("timer did not fire after advanceTimersByTime")
	}
}

func TestSetupFilesRunBeforeTest(t *testing.T) {
	f := newFixture(t, nil)
	setup := f.write("setup.js", "global.__setupRan__ = true;")
	f.cfg.Run.SetupFiles = []string{setup}
	test := f.write("main.test.js", "exports.sawSetup = global.__setupRan__ === true;")

	if err := f.rt.RunTestFile(test); err != nil {
		t.Fatalf("RunTestFile: %v", err)
	}
	value, err := f.rt.RequireModuleOrMock(f.from(), "./main.test.js")
	if err != nil {
		t.Fatal(err)
	}
	if !value.(*goja.Object).Get("sawSetup").ToBoolean() {
		t.Error("setup file did not run before the test file")
	}
}

func TestExtraGlobalMissingFailsLoudly(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Run.ExtraGlobals = []string{"Math", "definitelyMissing"}
	})
	f.write("m.js", "module.exports = 1;")

	_, err := f.rt.RequireModuleOrMock(f.from(), "./m.js")
	if err == nil || !strings.Contains(err.Error(), "definitelyMissing") {
		t.Errorf("missing extra global error = %v", err)
	}
}

func TestExtraGlobalPassed(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Run.ExtraGlobals = []string{"Math"}
	})
	f.write("m.js", "module.exports = Math.floor(1.5);")

	value, err := f.rt.RequireModuleOrMock(f.from(), "./m.js")
	if err != nil {
		t.Fatal(err)
	}
	if got := value.ToInteger(); got != 1 {
		t.Errorf("Math.floor(1.5) via extra global = %d, want 1", got)
	}
}

// containsAll reports whether s contains every needle.
func containsAll(s string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(s, needle) {
			return false
		}
	}
	return true
}

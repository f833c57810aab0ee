// Package runtime loads, transforms, executes, and mocks modules on behalf
// of the test framework. A Runtime owns the layered module registries, the
// mock registries and policy tables, the executor, and the per-module
// require and framework-handle objects. All mutable state belongs to the
// runtime's single executing goroutine; the only cross-runtime resource is
// the content-addressed transform cache.
package runtime

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/tvalentius/jest/internal/config"
	"github.com/tvalentius/jest/internal/resolver"
	"github.com/tvalentius/jest/internal/sandbox"
	"github.com/tvalentius/jest/internal/transform"
)

// ErrNestedIsolation reports an isolateModules call inside an active
// isolation scope.
var ErrNestedIsolation = fmt.Errorf("isolateModules cannot be nested")

// transitiveKey joins a requiring path and a module ID for the
// transitive-unmock memo.
func transitiveKey(from, moduleID string) string {
	return from + "\x00" + moduleID
}

// Runtime executes one test file and its transitive dependencies inside a
// sandbox environment, substituting mocks under the layered policy.
type Runtime struct {
	cfg         *config.Config
	env         *sandbox.Environment
	res         *resolver.Resolver
	transformer *transform.Cache

	internalRegistry *Registry
	mainRegistry     *Registry
	isolatedRegistry *Registry // nil outside isolation scopes

	// Mock registries are keyed by module ID, not path.
	mainMockRegistry     map[string]goja.Value
	isolatedMockRegistry map[string]goja.Value // nil outside isolation scopes

	// Policy tables, keyed by module ID unless noted.
	explicitShouldMock          map[string]bool
	mockFactories               map[string]goja.Callable
	virtualMocks                map[string]bool // keyed by module path
	transitiveShouldMock        map[string]bool
	shouldMockCache             map[string]bool
	shouldUnmockTransitiveCache map[string]bool // keyed by (fromPath, id)
	mockMetaDataCache           map[string]*sandbox.MockMetadata // keyed by path

	shouldAutoMock bool
	// unmockRegex is the composite of the configured unmock patterns,
	// memoized here per config rather than in any process-global table.
	unmockRegex *regexp.Regexp

	sourceMaps *SourceMapRegistry

	// Ambient executor state, saved and restored around every execution.
	currentlyExecutingModulePath   string
	currentlyExecutingManualMock   string

	// sourceCache optionally pre-populates path -> source text.
	sourceCache map[string]string
}

// New creates a runtime over a sandbox environment and a resolver. The
// environment must already be set up.
func New(cfg *config.Config, env *sandbox.Environment, res *resolver.Resolver) (*Runtime, error) {
	transformer, err := transform.NewCache(cfg)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:         cfg,
		env:         env,
		res:         res,
		transformer: transformer,

		internalRegistry: NewRegistry(),
		mainRegistry:     NewRegistry(),
		mainMockRegistry: make(map[string]goja.Value),

		explicitShouldMock:          make(map[string]bool),
		mockFactories:               make(map[string]goja.Callable),
		virtualMocks:                make(map[string]bool),
		transitiveShouldMock:        make(map[string]bool),
		shouldMockCache:             make(map[string]bool),
		shouldUnmockTransitiveCache: make(map[string]bool),
		mockMetaDataCache:           make(map[string]*sandbox.MockMetadata),

		shouldAutoMock: cfg.Mock.Automock,
		sourceMaps:     NewSourceMapRegistry(),
		sourceCache:    make(map[string]string),
	}

	if patterns := cfg.Mock.UnmockedModulePathPatterns; len(patterns) > 0 {
		combined := "(?:" + strings.Join(patterns, ")|(?:") + ")"
		re, err := regexp.Compile(combined)
		if err != nil {
			return nil, fmt.Errorf("invalid unmock pattern: %w", err)
		}
		r.unmockRegex = re
	}

	return r, nil
}

// SetSourceCache pre-populates source text for paths, bypassing disk reads
// in the transform cache.
func (r *Runtime) SetSourceCache(sources map[string]string) {
	for path, src := range sources {
		r.sourceCache[path] = src
	}
}

// Transformer exposes the transform cache for transformer registration.
func (r *Runtime) Transformer() *transform.Cache {
	return r.transformer
}

// Close releases the runtime's transform watcher.
func (r *Runtime) Close() error {
	return r.transformer.Close()
}

// RequireModule loads the real module for a request, bypassing the mock
// policy engine (the historical manual-mock substitution still applies).
func (r *Runtime) RequireModule(from, request string) (goja.Value, error) {
	return r.requireModule(from, request, requireOpts{})
}

// RequireInternalModule loads a module for the framework's own use. Internal
// modules live in their own registry and are never mocked or reset.
func (r *Runtime) RequireInternalModule(from, request string) (goja.Value, error) {
	return r.requireModule(from, request, requireOpts{internal: true})
}

// RequireActual loads the real module regardless of any mock configuration,
// including manual mocks.
func (r *Runtime) RequireActual(from, request string) (goja.Value, error) {
	return r.requireModule(from, request, requireOpts{skipManualMock: true})
}

// RequireModuleOrMock is the entry point for every require reached by
// executing test code: the mock policy decides which loader serves the
// request. Resolution failures are enriched with sibling-extension
// suggestions before being returned.
func (r *Runtime) RequireModuleOrMock(from, request string) (goja.Value, error) {
	var value goja.Value
	var err error
	if r.shouldMock(from, request) {
		value, err = r.RequireMock(from, request)
	} else {
		value, err = r.requireModule(from, request, requireOpts{})
	}
	if err != nil {
		return nil, r.enrichModuleNotFound(err, from, request)
	}
	return value, nil
}

// IsolateModules runs fn inside an isolation scope: a fresh module registry
// and mock registry replace the main pair for real-module requests, and both
// are discarded afterwards. Nesting is forbidden.
func (r *Runtime) IsolateModules(fn func()) error {
	if r.isolatedRegistry != nil || r.isolatedMockRegistry != nil {
		return ErrNestedIsolation
	}
	r.isolatedRegistry = NewRegistry()
	r.isolatedMockRegistry = make(map[string]goja.Value)
	defer func() {
		r.isolatedRegistry = nil
		r.isolatedMockRegistry = nil
	}()
	fn()
	return nil
}

// ResetModules replaces the main module and mock registries with empty
// instances and drops any isolation pair. Mock policy (explicit, virtual,
// factories) survives; mock-function call state on the sandbox is cleared
// best-effort; installed fake timers are reset.
func (r *Runtime) ResetModules() {
	r.isolatedRegistry = nil
	r.isolatedMockRegistry = nil
	r.mainRegistry = NewRegistry()
	r.mainMockRegistry = make(map[string]goja.Value)

	if mocker := r.env.Mocker(); mocker != nil {
		mocker.ClearAllMocks()
	}
	if timers := r.env.FakeTimers(); timers != nil && timers.Installed() {
		timers.Reset()
	}
	r.cfg.Log(2, "runtime: module registries reset")
}

// SetMock registers a user-supplied mock value for a request, marking it
// explicitly mocked.
func (r *Runtime) SetMock(from, request string, value goja.Value) {
	moduleID := r.res.GetModuleID(r.virtualMocks, from, request)
	r.explicitShouldMock[moduleID] = true
	r.mockFactories[moduleID] = func(this goja.Value, args ...goja.Value) (goja.Value, error) {
		return value, nil
	}
}

// ClearAllMocks clears call state on every mock function in the sandbox.
func (r *Runtime) ClearAllMocks() {
	if mocker := r.env.Mocker(); mocker != nil {
		mocker.ClearAllMocks()
	}
}

// ResetAllMocks clears call state and implementations on every mock
// function in the sandbox.
func (r *Runtime) ResetAllMocks() {
	if mocker := r.env.Mocker(); mocker != nil {
		mocker.ResetAllMocks()
	}
}

// RestoreAllMocks restores every spied-on property in the sandbox.
func (r *Runtime) RestoreAllMocks() {
	if mocker := r.env.Mocker(); mocker != nil {
		mocker.RestoreAllMocks()
	}
}

// GetAllCoverageInfoCopy returns a deep copy of the sandbox coverage
// object. Reference cycles in the object are tolerated.
func (r *Runtime) GetAllCoverageInfoCopy() map[string]interface{} {
	global := r.env.Global()
	if global == nil {
		return nil
	}
	coverage := global.Get("__coverage__")
	if coverage == nil || goja.IsUndefined(coverage) || goja.IsNull(coverage) {
		return nil
	}
	copied := deepCopyValue(coverage.Export(), make(map[interface{}]interface{}))
	if m, ok := copied.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// GetSourceMaps returns a copy of the file -> sidecar-map table.
func (r *Runtime) GetSourceMaps() map[string]string {
	return r.sourceMaps.All()
}

// GetSourceMapInfo restricts the source-map table to files that are in the
// given set, need coverage mapping, and whose sidecar exists on disk.
func (r *Runtime) GetSourceMapInfo(files map[string]bool) map[string]string {
	return r.sourceMaps.GetFilteredForFiles(files)
}

// RunTestFile executes the configured setup files, then the test file
// itself, through the normal require pipeline.
func (r *Runtime) RunTestFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	from := filepath.Join(filepath.Dir(abs), "jestrun.js")
	for _, setup := range r.cfg.Run.SetupFiles {
		r.cfg.Log(1, "runtime: running setup file %s", setup)
		if _, err := r.RequireModuleOrMock(from, setup); err != nil {
			return fmt.Errorf("setup file %s failed: %w", setup, err)
		}
	}
	r.cfg.Log(1, "runtime: running test file %s", abs)
	_, err = r.RequireModuleOrMock(from, abs)
	return err
}

// deepCopyValue copies exported JS data. visited maps original containers to
// their copies so cyclic structures copy without recursing forever.
func deepCopyValue(v interface{}, visited map[interface{}]interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if copied, ok := visited[mapKey(val)]; ok {
			return copied
		}
		copied := make(map[string]interface{}, len(val))
		visited[mapKey(val)] = copied
		for k, member := range val {
			copied[k] = deepCopyValue(member, visited)
		}
		return copied
	case []interface{}:
		if copied, ok := visited[sliceKey(val)]; ok {
			return copied
		}
		copied := make([]interface{}, len(val))
		if key := sliceKey(val); key != nil {
			visited[key] = copied
		}
		for i, member := range val {
			copied[i] = deepCopyValue(member, visited)
		}
		return copied
	default:
		return v
	}
}

// mapKey produces an identity key for a map (maps are not comparable, but
// their reflect pointer is).
func mapKey(m map[string]interface{}) interface{} {
	return fmt.Sprintf("%p", m)
}

// sliceKey produces an identity key for a slice backing array.
func sliceKey(s []interface{}) interface{} {
	if cap(s) == 0 {
		return nil
	}
	return fmt.Sprintf("%p", s[:1])
}

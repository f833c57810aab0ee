package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// vendoredSegment is the canonical third-party directory marker used by the
// transitive-unmock rule.
const vendoredSegment = string(filepath.Separator) + "node_modules" + string(filepath.Separator)

// shouldMock is the central policy decision, evaluated at every non-internal
// require. Rules apply in order; the first match wins.
func (r *Runtime) shouldMock(from, request string) bool {
	// 1. Virtual mocks always mock.
	if r.virtualMocks[r.res.GetModulePath(from, request)] {
		return true
	}

	moduleID := r.res.GetModuleID(r.virtualMocks, from, request)

	// 2. Explicit mock/unmock wins over everything below.
	if explicit, ok := r.explicitShouldMock[moduleID]; ok {
		return explicit
	}

	// 3. Core modules never mock.
	if r.res.IsCoreModule(request) {
		return false
	}

	// 4. Previously recorded as transitively unmocked from this caller.
	if r.shouldUnmockTransitiveCache[transitiveKey(from, moduleID)] {
		return false
	}

	// 5. With auto-mock off nothing below applies.
	if !r.shouldAutoMock {
		return false
	}

	// 6. Memoized decision.
	if decision, ok := r.shouldMockCache[moduleID]; ok {
		return decision
	}

	resolvedPath, err := r.res.ResolveModule(from, request)
	if err != nil {
		// Unresolvable requests with a manual mock still mock; anything else
		// falls through to the loaders, which produce the real error.
		if r.res.GetMockModule(from, request) != "" {
			r.shouldMockCache[moduleID] = true
			return true
		}
		return true
	}

	// 7. Vendored-unmock rule: a dependency of an unmocked third-party
	// package is itself unmocked, so one unmock does not strand a package
	// against its own subtree.
	if strings.Contains(from, vendoredSegment) && strings.Contains(resolvedPath, vendoredSegment) {
		currentID := r.res.GetModuleID(r.virtualMocks, from, from)
		explicitUnmocked := false
		if explicit, ok := r.explicitShouldMock[currentID]; ok && !explicit {
			explicitUnmocked = true
		}
		transitiveUnmocked := false
		if transitive, ok := r.transitiveShouldMock[currentID]; ok && !transitive {
			transitiveUnmocked = true
		}
		regexMatches := r.unmockRegex != nil && r.unmockRegex.MatchString(from)
		if regexMatches || explicitUnmocked || transitiveUnmocked {
			r.shouldUnmockTransitiveCache[transitiveKey(from, moduleID)] = true
			r.transitiveShouldMock[moduleID] = false
			r.cfg.Log(3, "policy: %s transitively unmocked from %s", request, from)
			return false
		}
	}

	// 8. Configured unmock patterns.
	if r.unmockRegex != nil && r.unmockRegex.MatchString(resolvedPath) {
		r.shouldMockCache[moduleID] = false
		return false
	}

	// 9. Auto-mock is on and nothing opted out.
	r.shouldMockCache[moduleID] = true
	return true
}

// RequireMock serves a request from the mock layer: a cached mock, a user
// factory, a manual mock file, or a freshly synthesized auto-mock.
func (r *Runtime) RequireMock(from, request string) (goja.Value, error) {
	if r.teardownGuard("requireMock") {
		return goja.Undefined(), nil
	}

	moduleID := r.res.GetModuleID(r.virtualMocks, from, request)

	mockRegistry := r.mainMockRegistry
	if r.isolatedMockRegistry != nil {
		mockRegistry = r.isolatedMockRegistry
	}

	if cached, ok := mockRegistry[moduleID]; ok {
		return cached, nil
	}

	if factory, ok := r.mockFactories[moduleID]; ok {
		value, err := factory(goja.Undefined())
		if err != nil {
			return nil, err
		}
		mockRegistry[moduleID] = value
		return value, nil
	}

	manualMock := r.res.GetMockModule(from, request)
	modulePath := manualMock
	if modulePath == "" {
		resolved, err := r.res.ResolveModule(from, request)
		if err != nil {
			return nil, err
		}
		modulePath = resolved

		// Even an unadorned real resolution is promoted to a manual mock
		// when a sibling __mocks__ file exists for it.
		sibling := filepath.Join(filepath.Dir(resolved), "__mocks__", filepath.Base(resolved))
		if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
			manualMock = sibling
			modulePath = sibling
		}
	}

	if manualMock != "" {
		module := r.newModule(manualMock, from, nil)
		// Pre-insert the exports object so cycles through the mock observe
		// partial exports.
		mockRegistry[moduleID] = module.Exports()
		if err := r.execModule(module, nil, from, execOpts{manualMock: true}); err != nil {
			delete(mockRegistry, moduleID)
			return nil, err
		}
		mockRegistry[moduleID] = module.Exports()
		return module.Exports(), nil
	}

	mock, err := r.generateMock(from, request, modulePath)
	if err != nil {
		return nil, err
	}
	mockRegistry[moduleID] = mock
	return mock, nil
}

// generateMock synthesizes an auto-mock for the module at modulePath. The
// structural metadata is cached per path; each call regenerates a fresh
// instance so tests never share auto-mock state. Metadata acquisition runs
// the real module against temporarily isolated registries, keeping its
// top-level side effects out of the running test's registry.
func (r *Runtime) generateMock(from, request, modulePath string) (goja.Value, error) {
	metadata, ok := r.mockMetaDataCache[modulePath]
	if !ok {
		origModuleRegistry := r.mainRegistry
		origMockRegistry := r.mainMockRegistry
		origIsolated := r.isolatedRegistry
		origIsolatedMocks := r.isolatedMockRegistry
		r.mainRegistry = NewRegistry()
		r.mainMockRegistry = make(map[string]goja.Value)
		r.isolatedRegistry = nil
		r.isolatedMockRegistry = nil

		exports, err := r.requireModule(from, request, requireOpts{skipManualMock: true})

		r.mainRegistry = origModuleRegistry
		r.mainMockRegistry = origMockRegistry
		r.isolatedRegistry = origIsolated
		r.isolatedMockRegistry = origIsolatedMocks

		if err != nil {
			return nil, err
		}

		mocker := r.env.Mocker()
		if mocker == nil {
			return nil, fmt.Errorf("cannot generate mock for %s: environment torn down", modulePath)
		}
		metadata = mocker.GetMetadata(exports)
		if metadata == nil {
			return nil, fmt.Errorf(
				"failed to get mock metadata: %s\n\nSee https://jestjs.io/docs/manual-mocks for a replacement",
				modulePath,
			)
		}
		r.mockMetaDataCache[modulePath] = metadata
	}

	mocker := r.env.Mocker()
	if mocker == nil {
		return nil, fmt.Errorf("cannot generate mock for %s: environment torn down", modulePath)
	}
	return mocker.GenerateFromMetadata(metadata), nil
}

// GenerateMockFromModule synthesizes an auto-mock for a request without
// recording any policy decision for it.
func (r *Runtime) GenerateMockFromModule(from, request string) (goja.Value, error) {
	modulePath, err := r.res.ResolveModule(from, request)
	if err != nil {
		return nil, err
	}
	return r.generateMock(from, request, modulePath)
}

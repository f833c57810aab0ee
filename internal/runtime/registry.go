package runtime

import (
	"github.com/dop251/goja"
)

// Layer selects one of the three coexisting module registries.
type Layer int

const (
	// LayerInternal holds modules the framework itself uses; never mocked,
	// never reset.
	LayerInternal Layer = iota
	// LayerMain persists across the test file's lifetime until an explicit
	// reset.
	LayerMain
	// LayerIsolated is active only inside an isolation scope.
	LayerIsolated
)

// Module represents one loaded module. The sandbox-visible module object
// (js) is the source of truth for exports: user code may reassign
// module.exports mid-execution, and cyclic requires must observe the
// current, possibly partial value.
type Module struct {
	// ID is the module's absolute filename and registry identity.
	ID string

	js     *goja.Object
	Loaded bool
	Paths  []string

	// parentFrom and parentIn resolve the parent lazily: the parent is
	// whatever the owning registry currently maps the requiring path to.
	// Never a direct reference; registry swaps must be observed.
	parentFrom string
	parentIn   *Registry

	children []*Module
	require  *LocalRequire
}

// Exports returns the module's current exports value.
func (m *Module) Exports() goja.Value {
	if m.js == nil {
		return goja.Undefined()
	}
	return m.js.Get("exports")
}

// JSObject returns the sandbox-visible module object.
func (m *Module) JSObject() *goja.Object {
	return m.js
}

// Parent resolves the requiring module through the registry at call time.
// Returns nil when the registry no longer knows the requiring path.
func (m *Module) Parent() *Module {
	if m.parentIn == nil || m.parentFrom == "" {
		return nil
	}
	parent, _ := m.parentIn.Lookup(m.parentFrom)
	return parent
}

// AddChild records a module loaded on behalf of this one.
func (m *Module) AddChild(child *Module) {
	m.children = append(m.children, child)
}

// Registry maps absolute paths to module objects. Keys are raw path
// strings in a native map, so there is no inherited-property surface to
// collide with.
type Registry struct {
	modules map[string]*Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Lookup returns the module registered under path.
func (r *Registry) Lookup(path string) (*Module, bool) {
	m, ok := r.modules[path]
	return m, ok
}

// Insert registers a module under its ID, replacing any previous entry.
func (r *Registry) Insert(m *Module) {
	r.modules[m.ID] = m
}

// Delete removes the module registered under path, if any.
func (r *Registry) Delete(path string) {
	delete(r.modules, path)
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.modules)
}

// lookupRegistry selects the registry for a request: internal requests use
// the internal registry; otherwise an active isolated registry wins unless
// the main registry already holds the module, so re-entrant requires from
// loaded main modules stay consistent after resets.
func (r *Runtime) lookupRegistry(path string, internal bool) *Registry {
	if internal {
		return r.internalRegistry
	}
	if r.isolatedRegistry != nil {
		if _, inMain := r.mainRegistry.Lookup(path); !inMain {
			return r.isolatedRegistry
		}
	}
	return r.mainRegistry
}

// registry returns the registry for an explicit layer.
func (r *Runtime) registry(layer Layer) *Registry {
	switch layer {
	case LayerInternal:
		return r.internalRegistry
	case LayerIsolated:
		return r.isolatedRegistry
	default:
		return r.mainRegistry
	}
}

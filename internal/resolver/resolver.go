// Package resolver translates (fromFile, request) pairs into absolute module
// paths. It implements node-style resolution: relative requests are probed
// with the configured extensions, bare names walk upward through the
// configured module directories, and name-mapper rules rewrite requests
// before any file lookup. It also locates manual mocks under __mocks__
// directories and vends stable module IDs.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/tvalentius/jest/internal/config"
)

// idDelimiter separates the mock path from the real path inside a module ID.
// NUL cannot appear in file paths, so the pairing is unambiguous.
const idDelimiter = "\x00"

// mocksDir is the conventional directory name for manual mocks.
const mocksDir = "__mocks__"

// Resolver resolves module requests against a project configuration.
type Resolver struct {
	cfg    *config.Config
	mapper []mapperRule

	mu      sync.Mutex
	idCache map[string]string
}

type mapperRule struct {
	re          *regexp.Regexp
	replacement string
}

// New creates a Resolver for the given configuration. Invalid name-mapper
// patterns are reported immediately rather than at first use.
func New(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{
		cfg:     cfg,
		idCache: make(map[string]string),
	}
	for _, rule := range cfg.Project.ModuleNameMapper {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid module name mapper pattern %q: %w", rule.Pattern, err)
		}
		r.mapper = append(r.mapper, mapperRule{re: re, replacement: rule.Replacement})
	}
	return r, nil
}

// isRelative reports whether a request is path-shaped rather than a bare name.
func isRelative(request string) bool {
	return strings.HasPrefix(request, "./") ||
		strings.HasPrefix(request, "../") ||
		request == "." || request == ".." ||
		filepath.IsAbs(request)
}

// ResolveModule resolves a request from the given file to an absolute path.
// Returns an error when nothing on disk satisfies the request.
func (r *Resolver) ResolveModule(from, request string) (string, error) {
	if stub := r.ResolveStubModuleName(from, request); stub != "" {
		return stub, nil
	}

	if isRelative(request) {
		base := request
		if !filepath.IsAbs(base) {
			base = filepath.Join(filepath.Dir(from), request)
		}
		if resolved := r.resolveFile(base); resolved != "" {
			return resolved, nil
		}
		return "", fmt.Errorf("cannot find module '%s' from '%s'", request, from)
	}

	for _, dir := range r.GetModulePaths(filepath.Dir(from)) {
		if resolved := r.resolveFile(filepath.Join(dir, request)); resolved != "" {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("cannot find module '%s' from '%s'", request, from)
}

// GetModule resolves a bare module name from the configured roots.
// Returns "" when the module does not exist.
func (r *Resolver) GetModule(name string) string {
	for _, root := range r.cfg.Project.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		for _, dir := range r.cfg.Project.ModuleDirectories {
			if resolved := r.resolveFile(filepath.Join(abs, dir, name)); resolved != "" {
				return resolved
			}
		}
		if resolved := r.resolveFile(filepath.Join(abs, name)); resolved != "" {
			return resolved
		}
	}
	return ""
}

// resolveFile probes a base path: the exact file, the base plus each
// configured extension, then base as a directory containing an index file.
func (r *Resolver) resolveFile(base string) string {
	base = filepath.Clean(base)
	if info, err := os.Stat(base); err == nil && !info.IsDir() {
		return base
	}
	for _, ext := range r.cfg.Project.ModuleFileExtensions {
		candidate := base + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		for _, ext := range r.cfg.Project.ModuleFileExtensions {
			candidate := filepath.Join(base, "index"+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

// GetMockModule locates a manual mock for the request, if one exists.
// Relative requests look in the sibling __mocks__ directory of the target;
// bare names look in each root's top-level __mocks__ directory.
func (r *Resolver) GetMockModule(from, name string) string {
	if isRelative(name) {
		base := name
		if !filepath.IsAbs(base) {
			base = filepath.Join(filepath.Dir(from), name)
		}
		mockBase := filepath.Join(filepath.Dir(base), mocksDir, filepath.Base(base))
		return r.resolveFile(mockBase)
	}
	for _, root := range r.cfg.Project.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved := r.resolveFile(filepath.Join(abs, mocksDir, name)); resolved != "" {
			return resolved
		}
	}
	return ""
}

// GetModulePath returns the absolute path a request would occupy, without
// requiring the file to exist. Used as the key for virtual mocks.
func (r *Resolver) GetModulePath(from, name string) string {
	if isRelative(name) {
		if filepath.IsAbs(name) {
			return filepath.Clean(name)
		}
		return filepath.Clean(filepath.Join(filepath.Dir(from), name))
	}
	return name
}

// GetModulePaths returns the chain of module directories consulted for bare
// names requested from dir, walking upward to the filesystem root.
func (r *Resolver) GetModulePaths(dir string) []string {
	var paths []string
	dir = filepath.Clean(dir)
	for {
		for _, md := range r.cfg.Project.ModuleDirectories {
			if filepath.Base(dir) != md {
				paths = append(paths, filepath.Join(dir, md))
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return paths
}

// ResolveStubModuleName applies the configured name-mapper rules and resolves
// the rewritten request. Returns "" when no rule matches or the rewritten
// request does not resolve.
func (r *Resolver) ResolveStubModuleName(from, name string) string {
	for _, rule := range r.mapper {
		if !rule.re.MatchString(name) {
			continue
		}
		mapped := rule.re.ReplaceAllString(name, rule.replacement)
		if isRelative(mapped) {
			base := mapped
			if !filepath.IsAbs(base) {
				base = filepath.Join(filepath.Dir(from), mapped)
			}
			if resolved := r.resolveFile(base); resolved != "" {
				return resolved
			}
			continue
		}
		if resolved := r.GetModule(mapped); resolved != "" {
			return resolved
		}
	}
	return ""
}

// ResolveModuleFromDirIfExists resolves a request as if it were required from
// a file directly inside dir. Returns "" instead of an error when nothing
// matches; used by require.resolve's paths option.
func (r *Resolver) ResolveModuleFromDirIfExists(dir, name string) string {
	synthetic := filepath.Join(dir, "__placeholder__.js")
	resolved, err := r.ResolveModule(synthetic, name)
	if err != nil {
		return ""
	}
	return resolved
}

// GetModuleID returns a stable identifier for the request. All requests
// reaching the same file, or the same virtual mock key, collapse to one ID.
// The ID pairs the manual-mock path (or virtual key) with the real path.
func (r *Resolver) GetModuleID(virtualMocks map[string]bool, from, name string) string {
	virtualKey := r.GetModulePath(from, name)
	isVirtual := virtualMocks[virtualKey]

	// Virtual registration changes the ID, so it participates in the key.
	cacheKey := from + idDelimiter + name
	if isVirtual {
		cacheKey += idDelimiter + "v"
	}
	r.mu.Lock()
	if id, ok := r.idCache[cacheKey]; ok {
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()

	mockPath := ""
	if isVirtual {
		mockPath = virtualKey
	} else {
		mockPath = r.GetMockModule(from, name)
	}

	realPath := ""
	if resolved, err := r.ResolveModule(from, name); err == nil {
		realPath = resolved
	}

	id := mockPath + idDelimiter + realPath
	if mockPath == "" && realPath == "" {
		id = name
	}

	r.mu.Lock()
	r.idCache[cacheKey] = id
	r.mu.Unlock()
	return id
}

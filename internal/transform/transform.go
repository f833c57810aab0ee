// Package transform turns module source files into compiled, executable
// units. Each unit is a goja program whose completion value is the module
// factory: a function of the synthetic module arguments. Transformed source
// is cached write-through on disk, content-addressed over the source and the
// transform configuration, so concurrent runtimes can share one cache.
package transform

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/tvalentius/jest/internal/config"
)

// Transformer rewrites module source before compilation. Process returns the
// transformed code and an optional source map (standard v3 JSON).
type Transformer interface {
	Process(src, path string) (code string, sourceMap []byte, err error)
}

// Result is a compiled, executable unit for one module file.
type Result struct {
	// Program's completion value is the module factory function.
	Program *goja.Program
	// SourceMapPath is the sidecar map written for this file, if any.
	SourceMapPath string
	// MapCoverage reports whether coverage for this file must be remapped
	// through the sidecar.
	MapCoverage bool
}

// Options control a single transform call.
type Options struct {
	// Internal suppresses coverage instrumentation for framework modules.
	Internal bool
	// ExtraGlobals are appended to the module factory's parameter list.
	ExtraGlobals []string
	// Instrument enables the coverage prologue when the file is in scope.
	Instrument bool
	// MapCoverage marks instrumented output for coverage remapping.
	MapCoverage bool
}

type rule struct {
	re   *regexp.Regexp
	name string
}

type coverageScope struct {
	patterns []*regexp.Regexp
}

func (s *coverageScope) matches(path string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Cache applies configured transforms and memoizes results in memory and on
// disk. Safe for use by a single runtime goroutine; the disk layer is safe
// across concurrent runtimes (identical keys produce identical content).
type Cache struct {
	cfg          *config.Config
	transformers map[string]Transformer
	rules        []rule
	scope        *coverageScope

	// entries guarded by mu: the watcher invalidates from its own goroutine.
	mu      sync.Mutex
	entries map[string]*Result
	watcher *Watcher
}

// NewCache creates a transform cache for the given configuration. Transform
// rules naming unregistered transformers are not an error; the source passes
// through unchanged.
func NewCache(cfg *config.Config) (*Cache, error) {
	c := &Cache{
		cfg:          cfg,
		transformers: make(map[string]Transformer),
		entries:      make(map[string]*Result),
	}
	for _, r := range cfg.Transform.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid transform pattern %q: %w", r.Pattern, err)
		}
		c.rules = append(c.rules, rule{re: re, name: r.Name})
	}
	scope := &coverageScope{}
	for _, p := range cfg.Coverage.PathPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid coverage pattern %q: %w", p, err)
		}
		scope.patterns = append(scope.patterns, re)
	}
	c.scope = scope

	if cfg.Transform.Watch {
		w, err := NewWatcher(cfg, c.invalidate)
		if err != nil {
			return nil, err
		}
		c.watcher = w
		if err := w.Start(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Close stops the cache's file watcher, if one is running.
func (c *Cache) Close() error {
	if c.watcher != nil {
		return c.watcher.Stop()
	}
	return nil
}

// RegisterTransformer makes a named transformer available to the rule table.
func (c *Cache) RegisterTransformer(name string, t Transformer) {
	c.transformers[name] = t
}

// invalidate drops the in-memory entries for a changed file. The disk layer
// needs no invalidation: changed content hashes to a different key.
func (c *Cache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, path+"\x00") {
			delete(c.entries, key)
		}
	}
	c.cfg.Log(2, "transform: invalidated entries for %s", path)
}

// Transform reads (or accepts) the source for path, applies the configured
// transform chain and optional coverage instrumentation, and compiles the
// result. Deterministic in (content, transform chain, options).
func (c *Cache) Transform(path string, opts Options, cachedSource string) (*Result, error) {
	source := cachedSource
	if source == "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read module %s: %w", path, err)
		}
		source = string(raw)
	}

	memKey := path + "\x00" + c.optionsFingerprint(opts) + "\x00" + contentHash(source)
	c.mu.Lock()
	if cached, ok := c.entries[memKey]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	instrumented := opts.Instrument && !opts.Internal && c.scope.matches(path)
	diskKey := cacheKey(path, source, c.ruleFingerprint(), c.optionsFingerprint(opts))

	wrapped, mapPath, hit := c.readThrough(diskKey)
	if !hit {
		code, sourceMap, err := c.applyTransforms(path, source)
		if err != nil {
			return nil, err
		}
		if instrumented {
			code = coveragePrologue(path, code) + code
		}
		wrapped = wrapModule(code, opts.ExtraGlobals)

		mapPath = ""
		if len(sourceMap) > 0 {
			mapPath, err = c.writeSourceMap(diskKey, sourceMap)
			if err != nil {
				c.cfg.Log(1, "transform: source map write failed for %s: %v", path, err)
				mapPath = ""
			}
		}
		if err := c.writeThrough(diskKey, wrapped); err != nil {
			// Cache write failure is not fatal; compile from memory.
			c.cfg.Log(1, "transform: cache write failed for %s: %v", path, err)
		}
	}
	if mapPath == "" {
		if sidecar := path + ".map"; fileExists(sidecar) {
			mapPath = sidecar
		}
	}

	program, err := goja.Compile(path, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("transform of %s produced invalid output: %w", path, err)
	}

	result := &Result{
		Program:       program,
		SourceMapPath: mapPath,
		MapCoverage:   instrumented && opts.MapCoverage,
	}
	c.mu.Lock()
	c.entries[memKey] = result
	c.mu.Unlock()
	return result, nil
}

// applyTransforms runs the first matching transform rule. Rules naming an
// unregistered transformer pass the source through unchanged.
func (c *Cache) applyTransforms(path, source string) (string, []byte, error) {
	for _, r := range c.rules {
		if !r.re.MatchString(path) {
			continue
		}
		t, ok := c.transformers[r.name]
		if !ok {
			c.cfg.Log(2, "transform: no transformer registered as %q, passing through", r.name)
			return source, nil, nil
		}
		code, sourceMap, err := t.Process(source, path)
		if err != nil {
			return "", nil, fmt.Errorf("transformer %q failed on %s: %w", r.name, path, err)
		}
		return code, sourceMap, nil
	}
	return source, nil, nil
}

// ruleFingerprint identifies the configured transform chain for cache keys.
func (c *Cache) ruleFingerprint() string {
	var b strings.Builder
	for _, r := range c.rules {
		b.WriteString(r.re.String())
		b.WriteByte(0)
		b.WriteString(r.name)
		b.WriteByte(0)
	}
	return b.String()
}

// optionsFingerprint identifies the option bits that change output.
func (c *Cache) optionsFingerprint(opts Options) string {
	return strconv.FormatBool(opts.Internal) + "|" +
		strconv.FormatBool(opts.Instrument) + "|" +
		strconv.FormatBool(opts.MapCoverage) + "|" +
		strings.Join(opts.ExtraGlobals, ",")
}

// wrapModule builds the factory-function source. The prefix shares the
// source's first line so generated line numbers match the original file.
func wrapModule(code string, extraGlobals []string) string {
	params := "module, exports, require, __dirname, __filename, global, jest"
	for _, name := range extraGlobals {
		params += ", " + name
	}
	return "(function(" + params + ") {" + code + "\n})"
}

// coveragePrologue records one execution of the file in the sandbox coverage
// object. Emitted as a single line so source line numbers are unaffected.
func coveragePrologue(path, code string) string {
	lines := strings.Count(code, "\n") + 1
	quoted := strconv.Quote(path)
	return "(function(c){var f=c[" + quoted + "]||(c[" + quoted + "]={path:" + quoted +
		",lines:" + strconv.Itoa(lines) + ",hits:0});f.hits++;})" +
		"(global.__coverage__=(global.__coverage__||{}));"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

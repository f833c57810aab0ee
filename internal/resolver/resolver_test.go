package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tvalentius/jest/internal/config"
)

func newTestResolver(t *testing.T, mutate func(cfg *config.Config)) (*Resolver, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Project.Roots = []string{dir}
	if mutate != nil {
		mutate(cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, dir
}

func write(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveRelativeWithExtension(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	target := write(t, dir, "a.js", "")
	from := filepath.Join(dir, "test.js")

	resolved, err := r.ResolveModule(from, "./a")
	if err != nil {
		t.Fatalf("ResolveModule: %v", err)
	}
	if resolved != target {
		t.Errorf("resolved %q, want %q", resolved, target)
	}
}

func TestResolveDirectoryIndex(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	target := write(t, dir, "pkg/index.js", "")
	from := filepath.Join(dir, "test.js")

	resolved, err := r.ResolveModule(from, "./pkg")
	if err != nil {
		t.Fatalf("ResolveModule: %v", err)
	}
	if resolved != target {
		t.Errorf("resolved %q, want %q", resolved, target)
	}
}

func TestResolveModuleDirectoryWalkUp(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	target := write(t, dir, "node_modules/dep/index.js", "")
	from := filepath.Join(dir, "deep", "nested", "test.js")

	resolved, err := r.ResolveModule(from, "dep")
	if err != nil {
		t.Fatalf("ResolveModule: %v", err)
	}
	if resolved != target {
		t.Errorf("resolved %q, want %q", resolved, target)
	}
}

func TestResolveFailure(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	from := filepath.Join(dir, "test.js")
	if _, err := r.ResolveModule(from, "./missing"); err == nil {
		t.Error("expected error for missing module")
	} else if !strings.Contains(err.Error(), "cannot find module") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestNameMapper(t *testing.T) {
	r, dir := newTestResolver(t, func(cfg *config.Config) {
		cfg.Project.ModuleNameMapper = []config.MapperRule{
			{Pattern: `^@app/(.*)$`, Replacement: "src/$1"},
		}
	})
	target := write(t, dir, "src/util.js", "")
	from := filepath.Join(dir, "test.js")

	resolved, err := r.ResolveModule(from, "@app/util")
	if err != nil {
		t.Fatalf("ResolveModule through mapper: %v", err)
	}
	if resolved != target {
		t.Errorf("resolved %q, want %q", resolved, target)
	}
}

func TestGetMockModuleSibling(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	write(t, dir, "a.js", "")
	mock := write(t, dir, "__mocks__/a.js", "")
	from := filepath.Join(dir, "test.js")

	if got := r.GetMockModule(from, "./a"); got != mock {
		t.Errorf("GetMockModule = %q, want %q", got, mock)
	}
}

func TestGetMockModuleRoot(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	mock := write(t, dir, "__mocks__/fs-extra.js", "")
	from := filepath.Join(dir, "test.js")

	if got := r.GetMockModule(from, "fs-extra"); got != mock {
		t.Errorf("GetMockModule = %q, want %q", got, mock)
	}
}

func TestIsCoreModule(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	for name, want := range map[string]bool{
		"fs":          true,
		"node:path":   true,
		"fs/promises": true,
		"left-pad":    false,
		"./fs":        false,
	} {
		if got := r.IsCoreModule(name); got != want {
			t.Errorf("IsCoreModule(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGetModulePaths(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	paths := r.GetModulePaths(filepath.Join(dir, "a", "b"))
	if len(paths) == 0 {
		t.Fatal("no module paths")
	}
	first := filepath.Join(dir, "a", "b", "node_modules")
	if paths[0] != first {
		t.Errorf("paths[0] = %q, want %q", paths[0], first)
	}
	// node_modules directories themselves do not nest another entry.
	for _, p := range paths {
		if strings.Contains(p, filepath.Join("node_modules", "node_modules")) {
			t.Errorf("nested node_modules entry: %q", p)
		}
	}
}

func TestModuleIDStability(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	write(t, dir, "a.js", "")
	from1 := filepath.Join(dir, "test.js")
	from2 := filepath.Join(dir, "other.js")
	none := map[string]bool{}

	id1 := r.GetModuleID(none, from1, "./a")
	id2 := r.GetModuleID(none, from2, "./a.js")
	if id1 != id2 {
		t.Errorf("equivalent requests produced different IDs: %q vs %q", id1, id2)
	}
}

func TestModuleIDVirtual(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	from := filepath.Join(dir, "test.js")

	plain := r.GetModuleID(map[string]bool{}, from, "ghost")
	virtualKey := r.GetModulePath(from, "ghost")
	virtual := r.GetModuleID(map[string]bool{virtualKey: true}, from, "ghost")
	if plain == virtual {
		t.Error("virtual registration did not change the module ID")
	}
}

func TestResolveModuleFromDirIfExists(t *testing.T) {
	r, dir := newTestResolver(t, nil)
	target := write(t, dir, "sub/mod.js", "")

	if got := r.ResolveModuleFromDirIfExists(filepath.Join(dir, "sub"), "./mod"); got != target {
		t.Errorf("resolved %q, want %q", got, target)
	}
	if got := r.ResolveModuleFromDirIfExists(filepath.Join(dir, "sub"), "./missing"); got != "" {
		t.Errorf("resolved missing module to %q", got)
	}
}

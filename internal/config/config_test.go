package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.Project.ModuleFileExtensions) == 0 {
		t.Error("no default module file extensions")
	}
	if cfg.Project.ModuleDirectories[0] != "node_modules" {
		t.Errorf("default module directory = %q", cfg.Project.ModuleDirectories[0])
	}
	if cfg.Mock.Automock {
		t.Error("automock on by default")
	}
	if cfg.Run.TestTimeout.Duration() != 5*time.Second {
		t.Errorf("default test timeout = %s", cfg.Run.TestTimeout)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "jest.toml")
	content := `
[project]
roots = ["src", "lib"]
module_file_extensions = [".js", ".jsx", ".json"]

[[project.module_name_mapper]]
pattern = "^@app/(.*)$"
replacement = "src/$1"

[mock]
automock = true
unmocked_module_path_patterns = ["node_modules/react"]

[run]
setup_files = ["./setup.js"]
test_timeout = "10s"

[logging]
verbosity = 2
`
	if err := os.WriteFile(tomlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, rest, err := Load([]string{"-config", tomlPath, "spec.test.js"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rest) != 1 || rest[0] != "spec.test.js" {
		t.Errorf("positional args = %v", rest)
	}
	if len(cfg.Project.Roots) != 2 || cfg.Project.Roots[1] != "lib" {
		t.Errorf("roots = %v", cfg.Project.Roots)
	}
	if !cfg.Mock.Automock {
		t.Error("automock not loaded from TOML")
	}
	if len(cfg.Project.ModuleNameMapper) != 1 || cfg.Project.ModuleNameMapper[0].Pattern != "^@app/(.*)$" {
		t.Errorf("name mapper = %v", cfg.Project.ModuleNameMapper)
	}
	if cfg.Run.TestTimeout.Duration() != 10*time.Second {
		t.Errorf("test timeout = %s", cfg.Run.TestTimeout)
	}
	if cfg.Verbosity() != 2 {
		t.Errorf("verbosity = %d", cfg.Verbosity())
	}
}

func TestFlagsOverrideTOML(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "jest.toml")
	if err := os.WriteFile(tomlPath, []byte("[mock]\nautomock = false\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load([]string{"-config", tomlPath, "-automock", "-cache-dir", "/tmp/x"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Mock.Automock {
		t.Error("flag did not override TOML automock")
	}
	if cfg.Transform.CacheDirectory != "/tmp/x" {
		t.Errorf("cache dir = %q", cfg.Transform.CacheDirectory)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JEST_AUTOMOCK", "1")
	t.Setenv("JEST_VERBOSITY", "3")

	cfg, _, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Mock.Automock {
		t.Error("JEST_AUTOMOCK ignored")
	}
	if cfg.Verbosity() != 3 {
		t.Errorf("verbosity = %d, want 3", cfg.Verbosity())
	}
}

func TestVerbosityExpansion(t *testing.T) {
	cfg, _, err := Load([]string{"-vvv"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Verbosity() != 3 {
		t.Errorf("-vvv verbosity = %d, want 3", cfg.Verbosity())
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, b ,,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitList = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

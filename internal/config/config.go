// Package config handles configuration loading from CLI flags, environment
// variables, and TOML files for the test runtime.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the test runtime.
type Config struct {
	Project   ProjectConfig   `toml:"project"`
	Mock      MockConfig      `toml:"mock"`
	Transform TransformConfig `toml:"transform"`
	Coverage  CoverageConfig  `toml:"coverage"`
	Run       RunConfig       `toml:"run"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ProjectConfig holds module-resolution settings.
type ProjectConfig struct {
	Roots []string `toml:"roots"` // Directories searched for manual mocks and tests
	// ModuleFileExtensions are probed in order when a request omits the extension.
	ModuleFileExtensions []string `toml:"module_file_extensions"`
	// ModuleDirectories are walked upward from the requiring file (node_modules style).
	ModuleDirectories []string     `toml:"module_directories"`
	ModuleNameMapper  []MapperRule `toml:"module_name_mapper"`
}

// MapperRule rewrites request names matching Pattern to Replacement before resolution.
type MapperRule struct {
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
}

// MockConfig holds mock-policy settings.
type MockConfig struct {
	Automock bool `toml:"automock"`
	// UnmockedModulePathPatterns are regexes; matching resolved paths are never auto-mocked.
	UnmockedModulePathPatterns []string `toml:"unmocked_module_path_patterns"`
}

// TransformConfig holds transform-pipeline settings.
type TransformConfig struct {
	CacheDirectory string `toml:"cache_directory"`
	// Rules map path regexes to registered transformer names.
	Rules []TransformRule `toml:"rules"`
	// Watch enables fsnotify invalidation of in-memory transform entries.
	Watch bool `toml:"watch"`
}

// TransformRule applies the named transformer to paths matching Pattern.
type TransformRule struct {
	Pattern string `toml:"pattern"`
	Name    string `toml:"name"`
}

// CoverageConfig holds instrumentation settings.
type CoverageConfig struct {
	Collect bool `toml:"collect"`
	// PathPatterns restrict instrumentation; empty means every file under a root.
	PathPatterns []string `toml:"path_patterns"`
	MapCoverage  bool     `toml:"map_coverage"`
}

// RunConfig holds per-test-file execution settings.
type RunConfig struct {
	SetupFiles []string `toml:"setup_files"`
	// ExtraGlobals are pulled by name from the sandbox global and appended to
	// each module wrapper's arguments.
	ExtraGlobals []string `toml:"extra_globals"`
	TestTimeout  Duration `toml:"test_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Verbosity int `toml:"verbosity"` // 0=errors, 1=files, 2=modules, 3=policy decisions
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
// This allows both "-v -v -v" and "-vvv" styles to work.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Project: ProjectConfig{
			Roots:                []string{"."},
			ModuleFileExtensions: []string{".js", ".json"},
			ModuleDirectories:    []string{"node_modules"},
		},
		Transform: TransformConfig{
			CacheDirectory: defaultCacheDir(),
		},
		Run: RunConfig{
			TestTimeout: Duration(5 * time.Second),
		},
	}
}

// defaultCacheDir returns the platform cache directory for transform output.
func defaultCacheDir() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "jestrun")
	}
	return filepath.Join(os.TempDir(), "jestrun-cache")
}

// Load loads configuration from CLI flags, environment variables, and a TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
// The second return value holds the positional arguments left after flag
// parsing (the test files to run).
func Load(args []string) (*Config, []string, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("jestrun", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to jest.toml (default: ./jest.toml)")

	roots := fs.String("roots", "", "Comma-separated resolution roots")
	extensions := fs.String("extensions", "", "Comma-separated module file extensions")
	moduleDirs := fs.String("module-dirs", "", "Comma-separated module directories")

	automock := fs.Bool("automock", false, "Enable automatic mocking")
	cacheDir := fs.String("cache-dir", "", "Transform cache directory")
	watch := fs.Bool("watch-transforms", false, "Invalidate transform entries on file change")
	coverage := fs.Bool("coverage", false, "Instrument files for coverage")
	setupFiles := fs.String("setup-files", "", "Comma-separated setup files")
	testTimeout := fs.Duration("test-timeout", 0, "Per-test timeout (0=default)")

	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	// Load TOML config if it exists
	tomlPath := "jest.toml"
	if *configPath != "" {
		tomlPath = *configPath
	}
	if err := cfg.loadTOML(tomlPath); err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}

	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if *roots != "" {
		cfg.Project.Roots = splitList(*roots)
	}
	if *extensions != "" {
		cfg.Project.ModuleFileExtensions = splitList(*extensions)
	}
	if *moduleDirs != "" {
		cfg.Project.ModuleDirectories = splitList(*moduleDirs)
	}
	if *automock {
		cfg.Mock.Automock = true
	}
	if *cacheDir != "" {
		cfg.Transform.CacheDirectory = *cacheDir
	}
	if *watch {
		cfg.Transform.Watch = true
	}
	if *coverage {
		cfg.Coverage.Collect = true
	}
	if *setupFiles != "" {
		cfg.Run.SetupFiles = splitList(*setupFiles)
	}
	if *testTimeout != 0 {
		cfg.Run.TestTimeout = Duration(*testTimeout)
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	return cfg, fs.Args(), nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("JEST_ROOTS"); v != "" {
		c.Project.Roots = splitList(v)
	}
	if v := os.Getenv("JEST_EXTENSIONS"); v != "" {
		c.Project.ModuleFileExtensions = splitList(v)
	}
	if v := os.Getenv("JEST_MODULE_DIRS"); v != "" {
		c.Project.ModuleDirectories = splitList(v)
	}
	if v := os.Getenv("JEST_AUTOMOCK"); v != "" {
		c.Mock.Automock = v == "true" || v == "1"
	}
	if v := os.Getenv("JEST_CACHE_DIR"); v != "" {
		c.Transform.CacheDirectory = v
	}
	if v := os.Getenv("JEST_COVERAGE"); v != "" {
		c.Coverage.Collect = v == "true" || v == "1"
	}
	if v := os.Getenv("JEST_TEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Run.TestTimeout = Duration(d)
		}
	}
	if v := os.Getenv("JEST_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// splitList splits a comma-separated flag/env value, trimming whitespace.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Verbosity returns the configured verbosity level (0-3).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log logs a message when the configured verbosity is at least level.
// Level 0 messages always print.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level > c.Logging.Verbosity {
		return
	}
	log.Printf(format, args...)
}

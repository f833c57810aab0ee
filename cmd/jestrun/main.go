// Package main executes a single test file inside an isolated runtime:
// config is loaded, a sandbox environment is set up, the setup files and the
// test file run through the require pipeline, and the process exits with the
// code the runtime recorded.
package main

import (
	"fmt"
	"os"

	"github.com/tvalentius/jest/internal/config"
	"github.com/tvalentius/jest/internal/resolver"
	"github.com/tvalentius/jest/internal/runtime"
	"github.com/tvalentius/jest/internal/sandbox"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, files, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jestrun: %v\n", err)
		return 2
	}
	if len(files) != 1 {
		fmt.Fprintln(os.Stderr, "usage: jestrun [flags] <test-file>")
		return 2
	}

	res, err := resolver.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jestrun: %v\n", err)
		return 2
	}

	env := sandbox.New(cfg)
	if err := env.Setup(); err != nil {
		fmt.Fprintf(os.Stderr, "jestrun: environment setup failed: %v\n", err)
		return 2
	}
	defer env.Teardown()

	rt, err := runtime.New(cfg, env, res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jestrun: %v\n", err)
		return 2
	}
	defer rt.Close()

	if err := rt.RunTestFile(files[0]); err != nil {
		fmt.Fprintf(os.Stderr, "jestrun: %s failed: %v\n", files[0], err)
		return 1
	}

	if cfg.Coverage.Collect && cfg.Verbosity() >= 2 {
		printCoverage(rt)
	}

	return env.ExitCode()
}

// printCoverage writes a per-file execution summary from the sandbox
// coverage object.
func printCoverage(rt *runtime.Runtime) {
	coverage := rt.GetAllCoverageInfoCopy()
	if len(coverage) == 0 {
		return
	}
	fmt.Println("coverage:")
	for file, info := range coverage {
		hits := interface{}(nil)
		if m, ok := info.(map[string]interface{}); ok {
			hits = m["hits"]
		}
		fmt.Printf("  %s (hits: %v)\n", file, hits)
	}
}

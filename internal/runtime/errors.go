package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
)

// teardownMessage is the reference error reported when code reaches the
// runtime after the sandbox environment was disposed.
const teardownMessage = "ReferenceError: You are trying to access the module system after the test environment has been torn down."

// teardownGuard checks for sandbox disposal at an entry point. When torn
// down it logs the formatted reference error, records exit code 1, and
// reports true; callers return undefined instead of throwing.
func (r *Runtime) teardownGuard(op string) bool {
	if !r.env.IsTornDown() {
		return false
	}
	r.logTeardownError(op)
	r.env.SetExitCode(1)
	return true
}

// logTeardownError writes the teardown diagnostic with the runtime's own
// frames stripped from the stack.
func (r *Runtime) logTeardownError(op string) {
	stack := stripRuntimeFrames(captureGoStack())
	fmt.Fprintf(os.Stderr, "%s (%s, environment %s)\n%s", teardownMessage, op, r.env.ID(), stack)
}

// enrichModuleNotFound augments resolution failures with sibling-extension
// suggestions: a file with the requested stem but a different extension is
// the usual culprit.
func (r *Runtime) enrichModuleNotFound(err error, from, request string) error {
	if !strings.Contains(err.Error(), "cannot find module") {
		return err
	}
	if !isPathRequest(request) {
		return err
	}

	base := request
	if !filepath.IsAbs(base) {
		base = filepath.Join(filepath.Dir(from), request)
	}
	dir := filepath.Dir(base)
	stem := filepath.Base(base)
	if ext := filepath.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}

	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		return err
	}

	var hints []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		entryStem := strings.TrimSuffix(name, filepath.Ext(name))
		if entryStem == stem && name != filepath.Base(base) {
			hints = append(hints, "./"+name)
		}
	}
	if len(hints) == 0 {
		return err
	}
	return fmt.Errorf("%w\nHowever, a matching file exists with a different extension: did you mean %s?",
		err, strings.Join(hints, " or "))
}

// captureGoStack renders the current goroutine stack for diagnostics.
func captureGoStack() string {
	buf := make([]byte, 8192)
	n := goruntime.Stack(buf, false)
	return string(buf[:n])
}

// stripRuntimeFrames removes the runtime's own frames from a reported
// stack, leaving the frames a test author can act on.
func stripRuntimeFrames(stack string) string {
	lines := strings.Split(stack, "\n")
	var kept []string
	skipNext := false
	for _, line := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.Contains(line, "tvalentius/jest/internal/") {
			skipNext = true
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

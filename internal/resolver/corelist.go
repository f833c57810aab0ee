package resolver

// coreModules contains the top-level core modules of the host JS runtime.
// Requests naming these never resolve to files and are never mocked.
var coreModules = map[string]bool{
	"assert":              true,
	"async_hooks":         true,
	"buffer":              true,
	"child_process":       true,
	"cluster":             true,
	"console":             true,
	"constants":           true,
	"crypto":              true,
	"dgram":               true,
	"diagnostics_channel": true,
	"dns":                 true,
	"domain":              true,
	"events":              true,
	"fs":                  true,
	"http":                true,
	"http2":               true,
	"https":               true,
	"inspector":           true,
	"module":              true,
	"net":                 true,
	"os":                  true,
	"path":                true,
	"perf_hooks":          true,
	"process":             true,
	"punycode":            true,
	"querystring":         true,
	"readline":            true,
	"repl":                true,
	"stream":              true,
	"string_decoder":      true,
	"sys":                 true,
	"timers":              true,
	"tls":                 true,
	"trace_events":        true,
	"tty":                 true,
	"url":                 true,
	"util":                true,
	"v8":                  true,
	"vm":                  true,
	"wasi":                true,
	"worker_threads":      true,
	"zlib":                true,
}

// IsCoreModule reports whether name refers to a core module of the host
// runtime. Handles the "node:" prefix and subpaths like "fs/promises".
func (r *Resolver) IsCoreModule(name string) bool {
	if len(name) > 5 && name[:5] == "node:" {
		name = name[5:]
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return coreModules[name[:i]]
		}
	}
	return coreModules[name]
}

package runtime

import (
	"os"
)

// SourceMapRegistry records, per executed file, where its generated source
// map lives, and which files need their coverage remapped through it.
type SourceMapRegistry struct {
	maps                map[string]string
	needsCoverageMapped map[string]bool
}

// NewSourceMapRegistry creates an empty registry.
func NewSourceMapRegistry() *SourceMapRegistry {
	return &SourceMapRegistry{
		maps:                make(map[string]string),
		needsCoverageMapped: make(map[string]bool),
	}
}

// Register records the sidecar map for a file.
func (s *SourceMapRegistry) Register(filePath, sourceMapPath string, needsCoverageMap bool) {
	s.maps[filePath] = sourceMapPath
	if needsCoverageMap {
		s.needsCoverageMapped[filePath] = true
	}
}

// Get returns the sidecar path registered for a file.
func (s *SourceMapRegistry) Get(filePath string) (string, bool) {
	mapPath, ok := s.maps[filePath]
	return mapPath, ok
}

// All returns a copy of the full file -> sidecar table.
func (s *SourceMapRegistry) All() map[string]string {
	copied := make(map[string]string, len(s.maps))
	for file, mapPath := range s.maps {
		copied[file] = mapPath
	}
	return copied
}

// GetFilteredForFiles restricts the table to files that appear in the given
// set, need coverage mapping, and whose sidecar still exists on disk.
func (s *SourceMapRegistry) GetFilteredForFiles(files map[string]bool) map[string]string {
	result := make(map[string]string)
	for file := range files {
		if !s.needsCoverageMapped[file] {
			continue
		}
		mapPath, ok := s.maps[file]
		if !ok {
			continue
		}
		if info, err := os.Stat(mapPath); err != nil || info.IsDir() {
			continue
		}
		result[file] = mapPath
	}
	return result
}

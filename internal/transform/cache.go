package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// cacheKey derives the content address for one transform output. The key
// covers the source content, the transform chain, and the option bits, so
// identical keys always name identical output.
func cacheKey(path, source, rules, options string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(rules))
	h.Write([]byte{0})
	h.Write([]byte(options))
	return hex.EncodeToString(h.Sum(nil))
}

// contentHash fingerprints source text for the in-memory entry key.
func contentHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:8])
}

// entryPath shards cache files by the first two key bytes to keep
// directories small.
func (c *Cache) entryPath(key, ext string) string {
	return filepath.Join(c.cfg.Transform.CacheDirectory, key[:2], key+ext)
}

// readThrough loads a previously written transform output. Returns the
// wrapped source, the cached source-map path if one was written, and whether
// the entry existed.
func (c *Cache) readThrough(key string) (wrapped, mapPath string, hit bool) {
	data, err := os.ReadFile(c.entryPath(key, ".js"))
	if err != nil {
		return "", "", false
	}
	if sidecar := c.entryPath(key, ".js.map"); fileExists(sidecar) {
		mapPath = sidecar
	}
	return string(data), mapPath, true
}

// writeThrough persists transform output. Writes go to a unique temp file
// first and are renamed into place, so concurrent runtimes never observe a
// partial entry; last writer wins for identical keys.
func (c *Cache) writeThrough(key, wrapped string) error {
	return c.atomicWrite(c.entryPath(key, ".js"), []byte(wrapped))
}

// writeSourceMap persists a transformer-produced source map next to its
// entry and returns the sidecar path.
func (c *Cache) writeSourceMap(key string, sourceMap []byte) (string, error) {
	target := c.entryPath(key, ".js.map")
	if err := c.atomicWrite(target, sourceMap); err != nil {
		return "", err
	}
	return target, nil
}

func (c *Cache) atomicWrite(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

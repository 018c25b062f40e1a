package depservices

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dopamine-pm/dop/internal/config"
)

// cacheMetadata is the sidecar recording when a cached recipe archive was
// fetched, so --no-network and outage fallback can decide whether it is
// still trustworthy (spec §4.G's cache fallback on network failure).
type cacheMetadata struct {
	CachedAt    time.Time `json:"cached_at"`
	ContentHash string    `json:"content_hash"`
}

func metaPath(dir string) string { return filepath.Join(dir, "recipe.meta.json") }
func recipePath(dir string) string { return filepath.Join(dir, "dopamine.lua") }

// readCacheMeta returns nil, nil on a cold cache (no sidecar yet).
func readCacheMeta(dir string) (*cacheMetadata, error) {
	data, err := os.ReadFile(metaPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("depservices: read cache metadata: %w", err)
	}
	var m cacheMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("depservices: parse cache metadata: %w", err)
	}
	return &m, nil
}

func writeCacheMeta(dir string, contentHash string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("depservices: create cache dir: %w", err)
	}
	meta := cacheMetadata{CachedAt: time.Now(), ContentHash: contentHash}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("depservices: marshal cache metadata: %w", err)
	}
	return os.WriteFile(metaPath(dir), data, 0o644)
}

// cacheFresh reports whether a cache entry for dir is still within TTL
// (or within the wider stale-fallback window when offline is true).
func cacheFresh(dir string, offline bool) bool {
	meta, err := readCacheMeta(dir)
	if err != nil || meta == nil {
		return false
	}
	age := time.Since(meta.CachedAt)
	if offline {
		if !config.GetRecipeCacheStaleFallback() {
			return false
		}
		return age <= config.GetRecipeCacheMaxStale()
	}
	return age <= config.GetRecipeCacheTTL()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

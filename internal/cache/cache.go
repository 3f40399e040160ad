// Package cache provides byte caching for served tiles and manifests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB   int
	TileTTL           time.Duration
	ManifestCacheSize int
}

// Manager manages tile and manifest caches. Both are safe for concurrent use.
type Manager struct {
	tileCache     *bigcache.BigCache
	manifestCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		return nil, errors.New("tile TTL must be positive")
	}

	tileCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		// Initial shard sizing only; larger tiles are still stored.
		MaxEntriesInWindow: 4096,
		MaxEntrySize:       8 * 1024,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	manifestCache, err := lru.New[string, []byte](cfg.ManifestCacheSize)
	if err != nil {
		tileCache.Close()
		return nil, fmt.Errorf("failed to create manifest cache: %w", err)
	}

	return &Manager{
		tileCache:     tileCache,
		manifestCache: manifestCache,
	}, nil
}

// GetTile retrieves a tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetManifest retrieves manifest bytes from cache.
func (m *Manager) GetManifest(key string) ([]byte, bool) {
	return m.manifestCache.Get(key)
}

// SetManifest stores manifest bytes in cache.
func (m *Manager) SetManifest(key string, data []byte) {
	m.manifestCache.Add(key, data)
}

// TileKey generates a cache key for a tile file. Plain and gzip bodies of the
// same tile get distinct keys.
func TileKey(level, tx, ty int, gzipped bool) string {
	if gzipped {
		return fmt.Sprintf("tile:%d/%d_%d:gz", level, tx, ty)
	}
	return fmt.Sprintf("tile:%d/%d_%d", level, tx, ty)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.tileCache.Stats()
	return map[string]interface{}{
		"tile_cache_len":     m.tileCache.Len(),
		"tile_cache_cap":     m.tileCache.Capacity(),
		"tile_cache_hits":    s.Hits,
		"tile_cache_misses":  s.Misses,
		"manifest_cache_len": m.manifestCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}

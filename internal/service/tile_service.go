package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/soma-tiles/lodtiles/internal/cache"
	"github.com/soma-tiles/lodtiles/internal/manifest"
	"github.com/soma-tiles/lodtiles/internal/tiles"
)

// ErrTileNotFound is returned for tiles absent from the output directory.
// Clients treat a missing tile as empty.
var ErrTileNotFound = errors.New("tile not found")

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	// Dir is the generated tile directory.
	Dir    string
	Cache  *cache.Manager
	Logger *log.Logger
}

// TileService serves generated tiles and the manifest from disk through the
// cache manager.
type TileService struct {
	dir    string
	cache  *cache.Manager
	logger *log.Logger
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) *TileService {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &TileService{
		dir:    cfg.Dir,
		cache:  cfg.Cache,
		logger: logger,
	}
}

// Dir returns the tile directory.
func (s *TileService) Dir() string {
	return s.dir
}

// Manifest returns the manifest bytes. Entries are keyed by modification time
// and size, so a regenerated manifest is picked up without a restart.
func (s *TileService) Manifest() ([]byte, error) {
	path := filepath.Join(s.dir, manifest.FileName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTileNotFound, manifest.FileName)
		}
		return nil, err
	}

	cacheKey := fmt.Sprintf("%s@%d:%d", path, info.ModTime().UnixNano(), info.Size())
	if data, ok := s.cache.GetManifest(cacheKey); ok {
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s.cache.SetManifest(cacheKey, data)
	return data, nil
}

// GetTile returns the bytes of tile (level, tx, ty). With gzipped set it
// returns the precompressed sibling, or ErrTileNotFound if none was written.
func (s *TileService) GetTile(level, tx, ty int, gzipped bool) ([]byte, error) {
	if level < 0 || tx < 0 || ty < 0 {
		return nil, fmt.Errorf("%w: %d/%d_%d", ErrTileNotFound, level, tx, ty)
	}

	cacheKey := cache.TileKey(level, tx, ty, gzipped)
	if data, ok := s.cache.GetTile(cacheKey); ok {
		return data, nil
	}

	name := tiles.TilePath(level, tx, ty)
	if gzipped {
		name += tiles.GzipSuffix
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTileNotFound, name)
		}
		return nil, err
	}

	if err := s.cache.SetTile(cacheKey, data); err != nil {
		s.logger.Debug("tile not cached", "tile", name, "err", err)
	}
	return data, nil
}

// CacheStats returns cache statistics.
func (s *TileService) CacheStats() map[string]interface{} {
	return s.cache.Stats()
}

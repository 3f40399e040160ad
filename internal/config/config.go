// Package config handles configuration loading for lodtiles.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for any rejected setting.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the lodtiles configuration.
type Config struct {
	Source SourceConfig `yaml:"source" toml:"source"`
	Tiling TilingConfig `yaml:"tiling" toml:"tiling"`
	Output OutputConfig `yaml:"output" toml:"output"`
	Server ServerConfig `yaml:"server" toml:"server"`
	Cache  CacheConfig  `yaml:"cache" toml:"cache"`
}

// SourceConfig describes the input store.
type SourceConfig struct {
	Path        string         `yaml:"path" toml:"path"`
	Group       string         `yaml:"group" toml:"group"`
	Datasets    DatasetsConfig `yaml:"datasets" toml:"datasets"`
	MarkerGenes []string       `yaml:"marker_genes" toml:"marker_genes"`
}

// DatasetsConfig maps logical columns to array names inside the store.
type DatasetsConfig struct {
	Embedding  string `yaml:"embedding" toml:"embedding"`
	Age        string `yaml:"age" toml:"age"`
	Region     string `yaml:"region" toml:"region"`
	Mito       string `yaml:"mito" toml:"mito"`
	Clusters   string `yaml:"clusters" toml:"clusters"`
	ClusterIDs string `yaml:"cluster_ids" toml:"cluster_ids"`
	Classes    string `yaml:"classes" toml:"classes"`
	Genes      string `yaml:"genes" toml:"genes"`
	Expression string `yaml:"expression" toml:"expression"`
}

// TilingConfig contains grid and LOD settings.
type TilingConfig struct {
	GridSize int           `yaml:"grid_size" toml:"grid_size"`
	Padding  float64       `yaml:"padding" toml:"padding"`
	Seed     uint64        `yaml:"seed" toml:"seed"`
	Strategy string        `yaml:"strategy" toml:"strategy"`
	Workers  int           `yaml:"workers" toml:"workers"`
	Levels   []LevelConfig `yaml:"levels" toml:"levels"`
}

// LevelConfig is one LOD level.
type LevelConfig struct {
	Level    int     `yaml:"level" toml:"level"`
	Fraction float64 `yaml:"fraction" toml:"fraction"`
}

// OutputConfig describes where artifacts are written.
type OutputConfig struct {
	Dir         string `yaml:"dir" toml:"dir"`
	Sink        string `yaml:"sink" toml:"sink"`
	Precompress bool   `yaml:"precompress" toml:"precompress"`
	ClassColors bool   `yaml:"class_colors" toml:"class_colors"`

	// Object storage settings (sink: minio | s3).
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	Region    string `yaml:"region" toml:"region"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Secure    bool   `yaml:"secure" toml:"secure"`
}

// ServerConfig contains HTTP server settings for `serve`.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	StaticDir   string   `yaml:"static_dir" toml:"static_dir"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// CacheConfig contains caching settings for `serve`.
type CacheConfig struct {
	TileSizeMB        int `yaml:"tile_size_mb" toml:"tile_size_mb"`
	TileTTLMinutes    int `yaml:"tile_ttl_minutes" toml:"tile_ttl_minutes"`
	ManifestCacheSize int `yaml:"manifest_cache_size" toml:"manifest_cache_size"`
}

// Sink names.
const (
	SinkLocal = "local"
	SinkMinio = "minio"
	SinkS3    = "s3"
)

// Allocation strategies.
const (
	StrategySequential = "sequential"
	StrategySubstream  = "substream"
)

// DefaultMarkerGenes are the marker genes exported when none are configured.
var DefaultMarkerGenes = []string{
	"SOX2", "NES", "EOMES", "DCX", "STMN2", "GAD1", "GAD2", "MBP", "AQP4", "PDGFRA", "MKI67",
}

// reservedFields are record keys a gene column must not shadow.
var reservedFields = map[string]bool{
	"x": true, "y": true, "class": true, "age": true, "region": true, "mito": true,
}

// Load reads configuration from a YAML or TOML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	// Zero is a meaningful padding and seed, so their defaults are set before
	// decoding and only replaced when the file names them.
	defaults := DefaultConfig()
	cfg := Config{Tiling: TilingConfig{
		Padding: defaults.Tiling.Padding,
		Seed:    defaults.Tiling.Seed,
	}}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Path:  "./data/HumanFetalBrainPool.zarr",
			Group: "shoji",
			Datasets: DatasetsConfig{
				Embedding:  "Embedding",
				Age:        "Age",
				Region:     "Region",
				Mito:       "MitoFraction",
				Clusters:   "Clusters",
				ClusterIDs: "ClusterID",
				Classes:    "Class",
				Genes:      "Gene",
				Expression: "Expression",
			},
			MarkerGenes: append([]string(nil), DefaultMarkerGenes...),
		},
		Tiling: TilingConfig{
			GridSize: 8,
			Padding:  0.01,
			Seed:     42,
			Strategy: StrategySequential,
			Workers:  1,
			Levels: []LevelConfig{
				{Level: 0, Fraction: 0.015},
				{Level: 1, Fraction: 0.005},
				{Level: 2, Fraction: 0.022},
				{Level: 3, Fraction: 0.043},
				{Level: 4, Fraction: 0.18},
			},
		},
		Output: OutputConfig{
			Dir:  "./public/data/tiles",
			Sink: SinkLocal,
		},
		Server: ServerConfig{
			Port:        8000,
			StaticDir:   "./public",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			TileSizeMB:        256,
			TileTTLMinutes:    10,
			ManifestCacheSize: 16,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Source.Path == "" {
		cfg.Source.Path = defaults.Source.Path
	}
	// "/" selects the store root.
	setDefault(&cfg.Source.Group, defaults.Source.Group)
	ds := &cfg.Source.Datasets
	dd := defaults.Source.Datasets
	setDefault(&ds.Embedding, dd.Embedding)
	setDefault(&ds.Age, dd.Age)
	setDefault(&ds.Region, dd.Region)
	setDefault(&ds.Mito, dd.Mito)
	setDefault(&ds.Clusters, dd.Clusters)
	setDefault(&ds.ClusterIDs, dd.ClusterIDs)
	setDefault(&ds.Classes, dd.Classes)
	setDefault(&ds.Genes, dd.Genes)
	setDefault(&ds.Expression, dd.Expression)
	if cfg.Source.MarkerGenes == nil {
		cfg.Source.MarkerGenes = defaults.Source.MarkerGenes
	}

	if cfg.Tiling.GridSize == 0 {
		cfg.Tiling.GridSize = defaults.Tiling.GridSize
	}
	if cfg.Tiling.Strategy == "" {
		cfg.Tiling.Strategy = defaults.Tiling.Strategy
	}
	if cfg.Tiling.Workers == 0 {
		cfg.Tiling.Workers = defaults.Tiling.Workers
	}
	if len(cfg.Tiling.Levels) == 0 {
		cfg.Tiling.Levels = defaults.Tiling.Levels
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	if cfg.Output.Sink == "" {
		cfg.Output.Sink = defaults.Output.Sink
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = defaults.Server.StaticDir
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.ManifestCacheSize == 0 {
		cfg.Cache.ManifestCacheSize = defaults.Cache.ManifestCacheSize
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks settings that would otherwise surface mid-run.
func (c *Config) Validate() error {
	t := c.Tiling
	if t.GridSize <= 0 {
		return fmt.Errorf("%w: grid_size must be positive, got %d", ErrInvalidConfig, t.GridSize)
	}
	if t.Padding < 0 || math.IsNaN(t.Padding) || math.IsInf(t.Padding, 0) {
		return fmt.Errorf("%w: padding must be a finite non-negative number, got %v", ErrInvalidConfig, t.Padding)
	}
	if t.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, t.Workers)
	}
	switch t.Strategy {
	case StrategySequential, StrategySubstream:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, t.Strategy)
	}
	if len(t.Levels) == 0 {
		return fmt.Errorf("%w: at least one level is required", ErrInvalidConfig)
	}
	for i, lvl := range t.Levels {
		if lvl.Level != i {
			return fmt.Errorf("%w: levels must be numbered 0..n-1 in order, got level %d at position %d", ErrInvalidConfig, lvl.Level, i)
		}
		if !(lvl.Fraction > 0 && lvl.Fraction <= 1) {
			return fmt.Errorf("%w: level %d fraction must be in (0,1], got %v", ErrInvalidConfig, lvl.Level, lvl.Fraction)
		}
	}

	seen := make(map[string]bool, len(c.Source.MarkerGenes))
	for _, g := range c.Source.MarkerGenes {
		if g == "" {
			return fmt.Errorf("%w: empty marker gene name", ErrInvalidConfig)
		}
		if reservedFields[g] {
			return fmt.Errorf("%w: marker gene %q collides with a record field", ErrInvalidConfig, g)
		}
		if seen[g] {
			return fmt.Errorf("%w: marker gene %q listed twice", ErrInvalidConfig, g)
		}
		seen[g] = true
	}

	switch c.Output.Sink {
	case SinkLocal:
		if c.Output.Dir == "" {
			return fmt.Errorf("%w: output.dir is required for the local sink", ErrInvalidConfig)
		}
	case SinkMinio:
		if c.Output.Endpoint == "" || c.Output.Bucket == "" {
			return fmt.Errorf("%w: minio sink needs endpoint and bucket", ErrInvalidConfig)
		}
	case SinkS3:
		if c.Output.Bucket == "" {
			return fmt.Errorf("%w: s3 sink needs a bucket", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown sink %q", ErrInvalidConfig, c.Output.Sink)
	}
	return nil
}

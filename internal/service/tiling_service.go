// Package service provides the tiling pipeline.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/soma-tiles/lodtiles/internal/config"
	"github.com/soma-tiles/lodtiles/internal/data/zarr"
	"github.com/soma-tiles/lodtiles/internal/extract"
	"github.com/soma-tiles/lodtiles/internal/grid"
	"github.com/soma-tiles/lodtiles/internal/lod"
	"github.com/soma-tiles/lodtiles/internal/manifest"
	"github.com/soma-tiles/lodtiles/internal/sink"
	"github.com/soma-tiles/lodtiles/internal/tiles"
	"github.com/soma-tiles/lodtiles/pkg/colormap"
)

// TilingServiceConfig contains tiling service configuration.
type TilingServiceConfig struct {
	Config *config.Config
	// Store overrides the store opened from Config.Source.
	Store extract.Store
	// Sink overrides the sink built from Config.Output.
	Sink   sink.Sink
	Logger *log.Logger
}

// TilingService runs extract → grid → allocate → tiles → manifest.
type TilingService struct {
	cfg    *config.Config
	store  extract.Store
	sink   sink.Sink
	logger *log.Logger
}

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// Result summarizes a run.
type Result struct {
	Bounds     grid.Bounds
	GridSize   int
	TotalCells int
	// Skipped counts cells with non-finite positions.
	Skipped   int
	Classes   []string
	Genes     []string
	Claimed   []int
	Unclaimed int
	Tiles     *tiles.Stats
	Location  string
	Stages    []StageTiming
	Duration  time.Duration
}

// NewTilingService validates cfg and creates a service.
func NewTilingService(cfg TilingServiceConfig) (*TilingService, error) {
	if cfg.Config == nil {
		cfg.Config = config.DefaultConfig()
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &TilingService{
		cfg:    cfg.Config,
		store:  cfg.Store,
		sink:   cfg.Sink,
		logger: logger,
	}, nil
}

// SourcePath returns the directory of the configured store group.
func SourcePath(src config.SourceConfig) string {
	if src.Group == "" || src.Group == "/" {
		return src.Path
	}
	return filepath.Join(src.Path, src.Group)
}

// Levels converts configured levels.
func Levels(cfg []config.LevelConfig) []lod.Level {
	levels := make([]lod.Level, len(cfg))
	for i, l := range cfg {
		levels[i] = lod.Level{Level: l.Level, Fraction: l.Fraction}
	}
	return levels
}

// Run executes the whole pipeline. The manifest is written only after every
// tile succeeded; any error aborts the run without cleaning up.
func (s *TilingService) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{GridSize: s.cfg.Tiling.GridSize}
	stage := func(name string, began time.Time) {
		d := time.Since(began)
		res.Stages = append(res.Stages, StageTiming{Stage: name, Duration: d})
		s.logger.Debug("stage complete", "stage", name, "took", d.Round(time.Millisecond))
	}

	store := s.store
	if store == nil {
		path := SourcePath(s.cfg.Source)
		s.logger.Info("opening store", "path", path)
		r, err := zarr.NewReader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		defer r.Close()
		store = r
	}

	out := s.sink
	if out == nil {
		var err error
		if out, err = sink.New(ctx, s.cfg.Output); err != nil {
			return nil, err
		}
	}
	res.Location = out.Location()

	// Extract
	t := time.Now()
	ds, err := extract.Extract(store, extract.Options{
		Names:       datasetNames(s.cfg.Source.Datasets),
		MarkerGenes: s.cfg.Source.MarkerGenes,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract records: %w", err)
	}
	res.TotalCells = ds.Len()
	res.Classes = ds.Classes
	res.Genes = ds.Genes
	s.logger.Info("records extracted", "cells", ds.Len(), "classes", len(ds.Classes), "genes", len(ds.Genes))
	stage("extract", t)

	// Grid
	t = time.Now()
	bounds, err := grid.ComputeBounds(ds.X, ds.Y, s.cfg.Tiling.Padding)
	if err != nil {
		return nil, fmt.Errorf("failed to compute bounds: %w", err)
	}
	g, err := grid.New(bounds, s.cfg.Tiling.GridSize)
	if err != nil {
		return nil, err
	}
	assignment, err := g.Assign(ds.X, ds.Y)
	if err != nil {
		return nil, err
	}
	res.Bounds = bounds
	res.Skipped = assignment.Skipped
	s.logger.Info("embedding bounds",
		"x", fmt.Sprintf("[%.2f, %.2f]", bounds.XMin, bounds.XMax),
		"y", fmt.Sprintf("[%.2f, %.2f]", bounds.YMin, bounds.YMax),
		"grid", fmt.Sprintf("%dx%d", g.Size, g.Size))
	if assignment.Skipped > 0 {
		s.logger.Warn("cells with non-finite positions are not tiled", "count", assignment.Skipped)
	}
	stage("grid", t)

	// Allocate
	t = time.Now()
	levels := Levels(s.cfg.Tiling.Levels)
	alloc, err := s.allocate(ctx, assignment.Cells, g, levels)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate levels: %w", err)
	}
	res.Claimed = alloc.Claimed
	res.Unclaimed = alloc.Unclaimed
	for _, l := range levels {
		s.logger.Info("level allocated", "level", l.Level, "fraction", l.Fraction, "cells", alloc.Claimed[l.Level])
	}
	if alloc.Unclaimed > 0 {
		s.logger.Warn("cells left without a level are not emitted", "count", alloc.Unclaimed)
	}
	stage("allocate", t)

	// Tiles
	t = time.Now()
	writer := tiles.NewWriter(out, tiles.Options{
		Precompress: s.cfg.Output.Precompress,
		Workers:     s.cfg.Tiling.Workers,
		Logger:      s.logger,
	})
	stats, err := writer.WriteAll(ctx, ds, g, alloc)
	if err != nil {
		return nil, err
	}
	res.Tiles = stats
	stage("tiles", t)

	// Manifest
	t = time.Now()
	m := manifest.Build(g, levels, ds.Classes, ds.Genes, ds.Len())
	if s.cfg.Output.ClassColors {
		m.AssignClassColors(colormap.Classes)
	}
	if err := manifest.Write(ctx, out, m); err != nil {
		return nil, err
	}
	stage("manifest", t)

	res.Duration = time.Since(start)
	return res, nil
}

func (s *TilingService) allocate(ctx context.Context, cells []int32, g *grid.Grid, levels []lod.Level) (*lod.Allocation, error) {
	switch s.cfg.Tiling.Strategy {
	case config.StrategySubstream:
		s.logger.Debug("allocating with substreams", "workers", s.cfg.Tiling.Workers)
		return lod.AllocateSubstreams(ctx, cells, g.Size, levels, s.cfg.Tiling.Seed, s.cfg.Tiling.Workers)
	default:
		return lod.Allocate(ctx, cells, g.NumCells(), levels, lod.NewRand(s.cfg.Tiling.Seed))
	}
}

func datasetNames(d config.DatasetsConfig) extract.Names {
	return extract.Names{
		Embedding:  d.Embedding,
		Age:        d.Age,
		Region:     d.Region,
		Mito:       d.Mito,
		Clusters:   d.Clusters,
		ClusterIDs: d.ClusterIDs,
		Classes:    d.Classes,
		Genes:      d.Genes,
		Expression: d.Expression,
	}
}
